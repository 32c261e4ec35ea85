//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package sock

import (
	"errors"
	"net"
	"time"
)

var errUnsupported = errors.New("sock: non-blocking sockets are only supported on unix")

type Conn struct {
	nc net.Conn
}

func Wrap(_ net.Conn) (*Conn, error) {
	return nil, errUnsupported
}

func (c *Conn) Wait(_ Events, _ time.Duration) (Readiness, error) {
	return Readiness{}, errUnsupported
}

func (c *Conn) Read(_ []byte) (int, Outcome, error) {
	return 0, Failed, errUnsupported
}

func (c *Conn) Write(_ []byte) (int, Outcome, error) {
	return 0, Failed, errUnsupported
}

func (c *Conn) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Close()
}
