package client

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/die-net/httpbridge/internal/dialer"
)

// Client opens tunnels through one bridge server.
type Client struct {
	cfg    Config
	bridge Bridge
	log    *zap.Logger
}

// New builds a Client. Unless cfg.Bridge is set, it talks HTTP to
// cfg.BridgeURL through cfg.Upstream.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Target == "" {
		return nil, errors.New("missing target")
	}

	if cfg.UpstreamMode != UpstreamForward && cfg.UpstreamMode != UpstreamConnect {
		return nil, fmt.Errorf("invalid upstream mode %q", cfg.UpstreamMode)
	}

	b := cfg.Bridge
	if b == nil {
		d, err := dialer.New(dialer.Config{
			DialTimeout:        cfg.DialTimeout,
			NegotiationTimeout: cfg.NegotiationTimeout,
			KeepAlive:          cfg.KeepAlive,
		}, cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream: %w", err)
		}
		hb, err := NewHTTPBridge(cfg.BridgeURL, d, cfg.NegotiationTimeout, cfg.UpstreamMode)
		if err != nil {
			return nil, err
		}
		b = hb
	}

	return &Client{cfg: cfg, bridge: b, log: cfg.Logger}, nil
}

// Tunnel relays local through the bridge until either side finishes. It
// owns local and always closes it.
func (c *Client) Tunnel(ctx context.Context, local net.Conn) error {
	s, err := NewSession(c.cfg, c.bridge, local)
	if err != nil {
		_ = local.Close()
		return err
	}
	defer s.Close()

	if err := s.Open(ctx); err != nil {
		return err
	}
	return s.Run(ctx)
}

// Serve accepts exactly one connection from ln, closes ln, and tunnels the
// connection.
func (c *Client) Serve(ctx context.Context, ln net.Listener) error {
	c.log.Info("waiting for local connection", zap.Stringer("addr", ln.Addr()))
	local, err := AcceptOne(ctx, ln)
	if err != nil {
		return err
	}
	c.log.Info("accepted local connection", zap.Stringer("remote", local.RemoteAddr()))
	return c.Tunnel(ctx, local)
}

// Close releases pooled bridge connections.
func (c *Client) Close() {
	if hb, ok := c.bridge.(*HTTPBridge); ok {
		hb.CloseIdleConnections()
	}
}

// AcceptOne accepts a single connection and closes ln. Cancelling ctx
// aborts the accept.
func AcceptOne(ctx context.Context, ln net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	c, err := ln.Accept()
	_ = ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return c, nil
}
