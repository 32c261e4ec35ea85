package protocol

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

const (
	// DefaultPath is the server mount path.
	DefaultPath = "/bridge"

	// DefaultChunkSize caps the body of a single Poll response.
	DefaultChunkSize = 64 * 1024

	// OffsetHeader carries a byte stream offset; see the package comment.
	OffsetHeader = "Bridge-Offset"

	// MaxTargetLen bounds the Open request body.
	MaxTargetLen = 1024
)

var (
	ErrRejected         = errors.New("bridge rejected the connection")
	ErrGone             = errors.New("destination connection gone")
	ErrNotFound         = errors.New("session not recognized by bridge")
	ErrConflict         = errors.New("stream offset mismatch")
	ErrUnexpectedStatus = errors.New("unexpected bridge response")
)

// Status is the protocol-level meaning of a response.
type Status int

const (
	StatusUnknown Status = iota
	// StatusOK: Open created the session, Send wrote every byte, Poll
	// returned data, or Close finished.
	StatusOK
	// StatusNoData: Poll found nothing ready.
	StatusNoData
	StatusRejected
	StatusGone
	StatusNotFound
	StatusConflict
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoData:
		return "no-data"
	case StatusRejected:
		return "rejected"
	case StatusGone:
		return "gone"
	case StatusNotFound:
		return "not-found"
	case StatusConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Err returns the sentinel error for a failure status, or nil.
func (s Status) Err() error {
	switch s {
	case StatusOK, StatusNoData:
		return nil
	case StatusRejected:
		return ErrRejected
	case StatusGone:
		return ErrGone
	case StatusNotFound:
		return ErrNotFound
	case StatusConflict:
		return ErrConflict
	default:
		return ErrUnexpectedStatus
	}
}

// Classify maps an HTTP response code for method to a Status. Codes that
// make no sense for method classify as StatusUnknown.
func Classify(method string, code int) Status {
	switch method {
	case http.MethodPost:
		switch code {
		case http.StatusCreated:
			return StatusOK
		case http.StatusNotAcceptable:
			return StatusRejected
		}
	case http.MethodPut:
		switch code {
		case http.StatusOK:
			return StatusOK
		case http.StatusGone:
			return StatusGone
		case http.StatusNotFound:
			return StatusNotFound
		case http.StatusConflict:
			return StatusConflict
		}
	case http.MethodGet:
		switch code {
		case http.StatusOK:
			return StatusOK
		case http.StatusNoContent:
			return StatusNoData
		case http.StatusGone:
			return StatusGone
		case http.StatusNotFound:
			return StatusNotFound
		case http.StatusConflict:
			return StatusConflict
		}
	case http.MethodDelete:
		if code == http.StatusOK {
			return StatusOK
		}
	}
	return StatusUnknown
}

// FormatTarget renders the Open request body.
func FormatTarget(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ParseTarget validates an Open request body and returns it as a dialable
// address. Surrounding whitespace is ignored.
func ParseTarget(body string) (string, error) {
	body = strings.TrimSpace(body)
	host, port, err := net.SplitHostPort(body)
	if err != nil {
		return "", fmt.Errorf("invalid target %q: %w", body, err)
	}
	if host == "" {
		return "", fmt.Errorf("invalid target %q: missing host", body)
	}
	if _, err := ParsePort(port); err != nil {
		return "", fmt.Errorf("invalid target %q: %w", body, err)
	}
	return net.JoinHostPort(host, port), nil
}

// ParsePort parses a decimal TCP port in 1-65535.
func ParsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}

// ParseOffset parses an OffsetHeader value. ok is false when the header is
// absent.
func ParseOffset(h http.Header) (offset int64, ok bool, err error) {
	v := h.Get(OffsetHeader)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("invalid %s %q", OffsetHeader, v)
	}
	return n, true, nil
}

// SetOffset sets the OffsetHeader on h.
func SetOffset(h http.Header, offset int64) {
	h.Set(OffsetHeader, strconv.FormatInt(offset, 10))
}
