package client

import (
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultOpenTimeout          = 10 * time.Second
	DefaultSendTimeout          = 10 * time.Second
	DefaultPollTimeout          = 3 * time.Second
	DefaultLoopTimeout          = 3 * time.Second
	DefaultMinPollInterval      = 10 * time.Millisecond
	DefaultMaxPollInterval      = 250 * time.Millisecond
	DefaultMaxBuffer            = 1 << 20
	DefaultMaxTransportFailures = 3
	DefaultDialTimeout          = 10 * time.Second
	DefaultNegotiationTimeout   = 10 * time.Second

	readChunk = 64 * 1024
)

// Upstream modes for HTTP proxies.
const (
	// UpstreamForward sends absolute-URI requests to the proxy.
	UpstreamForward = "forward"
	// UpstreamConnect tunnels each bridge connection with CONNECT.
	UpstreamConnect = "connect"
)

type Config struct {
	// BridgeURL is the server's mount URL, e.g. http://host:8080/bridge.
	BridgeURL string
	// Target is the host:port the server should connect to.
	Target string
	// Upstream is how to reach the bridge; see dialer.New.
	Upstream string
	// UpstreamMode picks how an http(s) Upstream carries requests:
	// UpstreamForward (default) or UpstreamConnect.
	UpstreamMode string

	// Bridge overrides BridgeURL and Upstream.
	Bridge Bridge

	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	OpenTimeout time.Duration
	SendTimeout time.Duration
	PollTimeout time.Duration
	// LoopTimeout bounds each wait on the local socket.
	LoopTimeout time.Duration

	// Idle Polls back off from MinPollInterval to MaxPollInterval.
	MinPollInterval time.Duration
	MaxPollInterval time.Duration

	// MaxBuffer caps unsent local bytes.
	MaxBuffer int
	// MaxTransportFailures is how many consecutive non-timeout transport
	// errors end the session.
	MaxTransportFailures int

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Upstream == "" {
		c.Upstream = "direct://"
	}
	if c.UpstreamMode == "" {
		c.UpstreamMode = UpstreamForward
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.LoopTimeout <= 0 {
		c.LoopTimeout = DefaultLoopTimeout
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = DefaultMinPollInterval
	}
	if c.MaxPollInterval < c.MinPollInterval {
		c.MaxPollInterval = max(DefaultMaxPollInterval, c.MinPollInterval)
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = DefaultMaxBuffer
	}
	if c.MaxTransportFailures <= 0 {
		c.MaxTransportFailures = DefaultMaxTransportFailures
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
