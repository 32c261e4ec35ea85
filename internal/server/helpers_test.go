package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/die-net/httpbridge/internal/protocol"
)

type testBridge struct {
	t      *testing.T
	srv    *Server
	base   string
	client *http.Client
}

func newTestBridge(t *testing.T, cfg Config) *testBridge {
	t.Helper()

	s := New(context.Background(), cfg)
	ts := httptest.NewServer(s.Handler())
	tr := &http.Transport{}
	t.Cleanup(func() {
		tr.CloseIdleConnections()
		ts.Close()
		s.Registry().CloseAll()
	})

	return &testBridge{
		t:      t,
		srv:    s,
		base:   ts.URL + protocol.CleanPath(s.cfg.Path),
		client: &http.Client{Transport: tr, Timeout: 10 * time.Second},
	}
}

type response struct {
	code   int
	body   []byte
	header http.Header
}

func (b *testBridge) do(method, id string, body []byte, offset int64) response {
	b.t.Helper()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, b.base+"/"+id, rd)
	require.NoError(b.t, err)
	if offset >= 0 {
		protocol.SetOffset(req.Header, offset)
	}
	resp, err := b.client.Do(req)
	require.NoError(b.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(b.t, err)
	return response{code: resp.StatusCode, body: data, header: resp.Header}
}

func (b *testBridge) open(id, target string) int {
	return b.do(http.MethodPost, id, []byte(target), -1).code
}

func (b *testBridge) send(id string, p []byte) int {
	return b.do(http.MethodPut, id, p, -1).code
}

func (b *testBridge) poll(id string) response {
	return b.do(http.MethodGet, id, nil, -1)
}

func (b *testBridge) close(id string) int {
	return b.do(http.MethodDelete, id, nil, -1).code
}

// pollUntil polls id until it returns something other than 204.
func (b *testBridge) pollUntil(id string, timeout time.Duration) response {
	b.t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		r := b.poll(id)
		if r.code != http.StatusNoContent || time.Now().After(deadline) {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
}
