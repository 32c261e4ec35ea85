package testutil

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// Sink is a single-connection TCP server that records everything it reads
// until the peer closes.
type Sink struct {
	ln   net.Listener
	done chan struct{}

	mu   sync.Mutex
	conn net.Conn
	buf  bytes.Buffer
}

// StartSink starts a Sink. Reply, if non-nil, is written to the connection
// as soon as it is accepted.
func StartSink(ctx context.Context, t *testing.T, reply []byte) *Sink {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Sink{ln: ln, done: make(chan struct{})}
	t.Cleanup(s.Close)

	go func() {
		defer close(s.done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = c
		s.mu.Unlock()
		defer c.Close()

		if len(reply) > 0 {
			if _, err := c.Write(reply); err != nil {
				return
			}
		}
		buf := make([]byte, 32*1024)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				s.mu.Lock()
				s.buf.Write(buf[:n])
				s.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	return s
}

// Addr returns the listening address.
func (s *Sink) Addr() string {
	return s.ln.Addr().String()
}

// Conn returns the accepted connection, or nil if none was accepted yet.
func (s *Sink) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// WaitConn waits up to timeout for the sink to accept its connection.
func (s *Sink) WaitConn(timeout time.Duration) net.Conn {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c := s.Conn(); c != nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// Received returns a copy of the bytes read so far.
func (s *Sink) Received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

// Wait blocks until the peer closes the connection or timeout elapses, and
// reports whether the connection finished.
func (s *Sink) Wait(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close stops the listener and closes any accepted connection.
func (s *Sink) Close() {
	_ = s.ln.Close()
	if c := s.Conn(); c != nil {
		_ = c.Close()
	}
}
