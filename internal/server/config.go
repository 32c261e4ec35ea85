package server

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/httpbridge/internal/dialer"
	"github.com/die-net/httpbridge/internal/protocol"
)

const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultMaxSend           = 1 << 20
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultReapInterval      = 30 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
)

type Config struct {
	// Path is the mount path sessions live under.
	Path string

	DialTimeout time.Duration
	// WriteTimeout bounds how long one Send may spend writing its body to
	// the destination.
	WriteTimeout time.Duration
	// ChunkSize caps a Poll response body.
	ChunkSize int
	// MaxSend caps a Send request body.
	MaxSend int64

	// IdleTimeout expires sessions with no requests for this long. Zero
	// disables expiry.
	IdleTimeout  time.Duration
	ReapInterval time.Duration

	ReadHeaderTimeout time.Duration
	KeepAlive         net.KeepAliveConfig

	// Dialer connects to Open targets. Nil dials directly.
	Dialer  dialer.Dialer
	Logger  *zap.Logger
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = protocol.DefaultPath
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = protocol.DefaultChunkSize
	}
	if c.MaxSend <= 0 {
		c.MaxSend = DefaultMaxSend
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.Dialer == nil {
		c.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: c.DialTimeout, KeepAlive: c.KeepAlive})
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return c
}
