//go:build linux || darwin || freebsd || netbsd || openbsd

package sock

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Conn wraps a TCP connection for non-blocking use. It exclusively owns the
// wrapped connection; Close closes it exactly once.
type Conn struct {
	nc net.Conn
	rc syscall.RawConn

	closeOnce sync.Once
	closeErr  error
}

// Wrap returns a non-blocking view of c. The Go runtime already puts network
// sockets in non-blocking mode; Wrap only needs raw descriptor access.
func Wrap(c net.Conn) (*Conn, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("sock: %T has no raw descriptor", c)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("sock: raw conn: %w", err)
	}
	return &Conn{nc: c, rc: rc}, nil
}

// Wait blocks in poll(2) until one of events is ready, an error condition is
// pending, or timeout elapses. A zero timeout peeks and returns immediately.
// An interrupted poll reports nothing ready.
func (c *Conn) Wait(events Events, timeout time.Duration) (Readiness, error) {
	var want int16
	if events&Readable != 0 {
		want |= unix.POLLIN
	}
	if events&Writable != 0 {
		want |= unix.POLLOUT
	}

	var (
		r       Readiness
		pollErr error
	)
	err := c.rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: want}}
		n, err := unix.Poll(fds, pollTimeout(timeout))
		if err != nil {
			if err != unix.EINTR {
				pollErr = err
			}
			return
		}
		if n == 0 {
			return
		}
		got := fds[0].Revents
		// A hangup makes the socket readable: the next read returns EOF.
		r.Readable = events&Readable != 0 && got&(unix.POLLIN|unix.POLLHUP) != 0
		r.Writable = events&Writable != 0 && got&unix.POLLOUT != 0
		r.Error = got&(unix.POLLERR|unix.POLLNVAL) != 0
	})
	if err != nil {
		return Readiness{}, fmt.Errorf("sock: wait: %w", err)
	}
	if pollErr != nil {
		return Readiness{}, fmt.Errorf("sock: poll: %w", pollErr)
	}
	return r, nil
}

// Read performs one non-blocking read into p.
func (c *Conn) Read(p []byte) (int, Outcome, error) {
	if len(p) == 0 {
		return 0, OK, nil
	}
	var (
		n       int
		readErr error
	)
	err := c.rc.Read(func(fd uintptr) bool {
		n, readErr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, closedOrFailed(err), err
	}
	if n < 0 {
		n = 0
	}
	if readErr != nil {
		o := classify(readErr)
		if o == WouldBlock {
			return 0, o, nil
		}
		return 0, o, readErr
	}
	if n == 0 {
		return 0, Closed, io.EOF
	}
	return n, OK, nil
}

// Write performs one non-blocking write of p, which may be partial.
func (c *Conn) Write(p []byte) (int, Outcome, error) {
	if len(p) == 0 {
		return 0, OK, nil
	}
	var (
		n        int
		writeErr error
	)
	err := c.rc.Write(func(fd uintptr) bool {
		n, writeErr = unix.Write(int(fd), p)
		return true
	})
	if err != nil {
		return 0, closedOrFailed(err), err
	}
	if n < 0 {
		n = 0
	}
	if writeErr != nil {
		o := classify(writeErr)
		if o == WouldBlock {
			return n, o, nil
		}
		return n, o, writeErr
	}
	if n == 0 {
		return 0, WouldBlock, nil
	}
	return n, OK, nil
}

// Close closes the underlying connection. Subsequent calls return the result
// of the first.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func classify(err error) Outcome {
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
		return WouldBlock
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE), errors.Is(err, unix.ENOTCONN):
		return Closed
	default:
		return Failed
	}
}

func closedOrFailed(err error) Outcome {
	if errors.Is(err, net.ErrClosed) {
		return Closed
	}
	return Failed
}
