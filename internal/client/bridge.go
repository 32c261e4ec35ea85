package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/die-net/httpbridge/internal/dialer"
	"github.com/die-net/httpbridge/internal/protocol"
)

// maxPollBody bounds how much of a Poll response is read.
const maxPollBody = 16 << 20

// Bridge performs the four tunnel operations against a bridge server.
// Methods return a transport error only when no usable response arrived.
type Bridge interface {
	Open(ctx context.Context, id, target string) (protocol.Status, error)
	// Send delivers p, whose first byte is at stream offset.
	Send(ctx context.Context, id string, p []byte, offset int64) (protocol.Status, error)
	// Poll fetches bytes after the received offset.
	Poll(ctx context.Context, id string, offset int64) (PollResult, error)
	Close(ctx context.Context, id string) error
}

// PollResult is the outcome of one Poll.
type PollResult struct {
	Status protocol.Status
	Data   []byte
	// Offset is the stream offset of Data[0], when the server reported one.
	Offset    int64
	HasOffset bool
}

// HTTPBridge is a Bridge speaking HTTP to a bridge server.
type HTTPBridge struct {
	base      *url.URL
	transport *http.Transport
	client    *http.Client
}

// NewHTTPBridge returns a Bridge for the server mounted at bridgeURL,
// reached through d. mode only matters when d is an HTTP proxy.
func NewHTTPBridge(bridgeURL string, d dialer.Dialer, negotiationTimeout time.Duration, mode string) (*HTTPBridge, error) {
	u, err := url.Parse(bridgeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid bridge url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("invalid bridge url: missing host")
	}
	u.RawQuery = ""
	u.Fragment = ""

	t := newTransport(d, negotiationTimeout, mode)
	return &HTTPBridge{
		base:      u,
		transport: t,
		client:    &http.Client{Transport: t},
	}, nil
}

func newTransport(d dialer.Dialer, negotiationTimeout time.Duration, mode string) *http.Transport {
	t := &http.Transport{
		DialContext:         d.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: negotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	// Plain absolute-URI requests get through proxies that refuse CONNECT.
	// In connect mode d tunnels every connection itself.
	if up, ok := d.(*dialer.HTTPProxyDialer); ok && mode != UpstreamConnect {
		t.Proxy = http.ProxyURL(up.ProxyURL())
		t.DialContext = up.Direct().DialContext
	}

	return t
}

// URL returns the bridge mount URL.
func (b *HTTPBridge) URL() *url.URL {
	return b.base
}

func (b *HTTPBridge) Open(ctx context.Context, id, target string) (protocol.Status, error) {
	code, _, _, err := b.do(ctx, http.MethodPost, id, []byte(target), -1)
	if err != nil {
		return protocol.StatusUnknown, err
	}
	return protocol.Classify(http.MethodPost, code), nil
}

func (b *HTTPBridge) Send(ctx context.Context, id string, p []byte, offset int64) (protocol.Status, error) {
	code, _, _, err := b.do(ctx, http.MethodPut, id, p, offset)
	if err != nil {
		return protocol.StatusUnknown, err
	}
	return protocol.Classify(http.MethodPut, code), nil
}

func (b *HTTPBridge) Poll(ctx context.Context, id string, offset int64) (PollResult, error) {
	code, hdr, body, err := b.do(ctx, http.MethodGet, id, nil, offset)
	if err != nil {
		return PollResult{}, err
	}
	res := PollResult{Status: protocol.Classify(http.MethodGet, code)}
	if res.Status != protocol.StatusOK {
		return res, nil
	}
	res.Data = body
	res.Offset, res.HasOffset, err = protocol.ParseOffset(hdr)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll: %w", err)
	}
	return res, nil
}

func (b *HTTPBridge) Close(ctx context.Context, id string) error {
	code, _, _, err := b.do(ctx, http.MethodDelete, id, nil, -1)
	if err != nil {
		return err
	}
	if st := protocol.Classify(http.MethodDelete, code); st != protocol.StatusOK {
		return fmt.Errorf("close: %w: %d", protocol.ErrUnexpectedStatus, code)
	}
	return nil
}

// CloseIdleConnections closes pooled connections to the bridge.
func (b *HTTPBridge) CloseIdleConnections() {
	b.transport.CloseIdleConnections()
}

func (b *HTTPBridge) do(ctx context.Context, method, id string, body []byte, offset int64) (int, http.Header, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, protocol.SessionURL(b.base, id), rd)
	if err != nil {
		return 0, nil, nil, err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "text/plain")
	} else if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if offset >= 0 {
		protocol.SetOffset(req.Header, offset)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody+1))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%s response: %w", strings.ToLower(method), err)
	}
	if len(data) > maxPollBody {
		return 0, nil, nil, fmt.Errorf("%s response: body exceeds %d bytes", strings.ToLower(method), maxPollBody)
	}
	return resp.StatusCode, resp.Header, data, nil
}
