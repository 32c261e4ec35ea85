package sock

import "time"

// Outcome classifies the result of a single non-blocking socket operation.
type Outcome int

const (
	// OK means at least one byte was transferred.
	OK Outcome = iota
	// WouldBlock means the socket is not ready; retry after Wait.
	WouldBlock
	// Closed means the peer closed the connection (EOF, reset or broken pipe).
	Closed
	// Failed means an unexpected socket error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case WouldBlock:
		return "would-block"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Events selects the readiness conditions Wait should report.
type Events uint8

const (
	Readable Events = 1 << iota
	Writable
)

// Readiness is the result of Wait. Error is always reported, whether or not
// it was requested.
type Readiness struct {
	Readable bool
	Writable bool
	Error    bool
}

// Ready reports whether any condition is set.
func (r Readiness) Ready() bool {
	return r.Readable || r.Writable || r.Error
}

// pollTimeout converts d to poll(2) milliseconds, rounding up so that a small
// positive timeout never becomes a zero-timeout peek.
func pollTimeout(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
