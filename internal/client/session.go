package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/httpbridge/internal/protocol"
	"github.com/die-net/httpbridge/internal/sock"
)

// State is a Session's lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	errLocalSocket = errors.New("local socket error")
	errNotOpen     = errors.New("session not open")
)

// Session is one tunnel: a local connection and its bridge-side peer.
// Methods other than Close must be called from a single goroutine.
type Session struct {
	id     string
	cfg    Config
	bridge Bridge
	log    *zap.Logger
	local  *sock.Conn

	state     State
	connected bool
	closing   bool

	outbound []byte // read from local, not yet acknowledged by Send
	inbound  []byte // fetched by Poll, not yet written to local
	sent     int64
	received int64

	backoff  time.Duration
	failures int
	readBuf  []byte

	closeOnce sync.Once
	closeErr  error
}

// NewSession takes ownership of local. The session id is freshly minted.
func NewSession(cfg Config, b Bridge, local net.Conn) (*Session, error) {
	lc, err := sock.Wrap(local)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	id := protocol.NewSessionID()
	return &Session{
		id:      id,
		cfg:     cfg,
		bridge:  b,
		log:     cfg.Logger.With(zap.String("session", id)),
		local:   lc,
		readBuf: make([]byte, readChunk),
	}, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return s.state
}

// Open asks the bridge to connect to the configured target.
func (s *Session) Open(ctx context.Context) error {
	if s.state != StateConnecting {
		return fmt.Errorf("open: session is %s", s.state)
	}
	s.log.Info("opening connection over HTTP bridge", zap.String("target", s.cfg.Target))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()
	st, err := s.bridge.Open(ctx, s.id, s.cfg.Target)
	if err != nil {
		return fmt.Errorf("open: connection to bridge failed: %w", err)
	}
	switch st {
	case protocol.StatusOK:
		s.connected = true
		s.state = StateOpen
		return nil
	case protocol.StatusRejected:
		return fmt.Errorf("the bridge failed to connect to %s: %w", s.cfg.Target, protocol.ErrRejected)
	default:
		return fmt.Errorf("open: %w (%s)", st.Err(), st)
	}
}

// Run relays bytes until the tunnel finishes, fails, or ctx is done, and
// then closes the session.
func (s *Session) Run(ctx context.Context) error {
	if s.state != StateOpen {
		return errNotOpen
	}
	defer s.Close()

	for !s.finished() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
	s.log.Info("tunnel finished", zap.Int64("sent", s.sent), zap.Int64("received", s.received))
	return nil
}

// finished reports whether nothing is left to do: the bridge side is gone
// and every fetched byte reached the local connection.
func (s *Session) finished() bool {
	return !s.connected && len(s.inbound) == 0
}

func (s *Session) step(ctx context.Context) error {
	var events sock.Events
	if s.connected && !s.closing && len(s.outbound) < s.cfg.MaxBuffer {
		events |= sock.Readable
	}
	if len(s.inbound) > 0 {
		events |= sock.Writable
	}

	rd, err := s.local.Wait(events, s.waitTimeout())
	if err != nil {
		return fmt.Errorf("local wait: %w", err)
	}
	if rd.Error {
		return errLocalSocket
	}

	if rd.Readable {
		if err := s.readLocal(); err != nil {
			return err
		}
	}

	if s.connected && len(s.outbound) > 0 {
		if err := s.send(ctx); err != nil {
			return err
		}
	}

	if len(s.inbound) > 0 {
		if err := s.writeLocal(); err != nil {
			return err
		}
	}

	if !s.connected || len(s.inbound) > 0 {
		return nil
	}
	if s.closing {
		if len(s.outbound) == 0 {
			s.disconnect()
		}
		return nil
	}

	if err := s.poll(ctx); err != nil {
		return err
	}
	if len(s.inbound) > 0 {
		return s.writeLocal()
	}
	return nil
}

// waitTimeout picks how long to wait on the local socket. Pending inbound
// bytes wait for writability; otherwise the wait doubles as the Poll delay.
func (s *Session) waitTimeout() time.Duration {
	switch {
	case len(s.inbound) > 0:
		return s.cfg.LoopTimeout
	case s.connected && len(s.outbound) > 0 && s.failures == 0:
		return 0
	default:
		return min(s.backoff, s.cfg.LoopTimeout)
	}
}

func (s *Session) readLocal() error {
	for len(s.outbound) < s.cfg.MaxBuffer {
		room := min(len(s.readBuf), s.cfg.MaxBuffer-len(s.outbound))
		n, o, err := s.local.Read(s.readBuf[:room])
		switch o {
		case sock.OK:
			s.outbound = append(s.outbound, s.readBuf[:n]...)
			s.backoff = 0
		case sock.WouldBlock:
			return nil
		case sock.Closed:
			s.log.Info("local connection closed", zap.Int("pending", len(s.outbound)))
			s.closing = true
			s.state = StateClosing
			return nil
		default:
			return fmt.Errorf("local read: %w", err)
		}
	}
	return nil
}

func (s *Session) writeLocal() error {
	for len(s.inbound) > 0 {
		n, o, err := s.local.Write(s.inbound)
		s.inbound = s.inbound[n:]
		switch o {
		case sock.OK:
		case sock.WouldBlock:
			return nil
		default:
			return fmt.Errorf("local write: %w", err)
		}
	}
	s.inbound = nil
	return nil
}

func (s *Session) send(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	st, err := s.bridge.Send(ctx, s.id, s.outbound, s.sent)
	if err != nil {
		return s.transportFailure(ctx, "send", err)
	}
	s.failures = 0

	switch st {
	case protocol.StatusOK:
		s.log.Debug("sent", zap.Int("bytes", len(s.outbound)), zap.Int64("offset", s.sent))
		s.sent += int64(len(s.outbound))
		// The request may still reference the old slice.
		s.outbound = nil
		s.backoff = 0
		return nil
	case protocol.StatusGone, protocol.StatusNotFound:
		s.remoteGone(st)
		return nil
	default:
		return fmt.Errorf("send: %w (%s)", st.Err(), st)
	}
}

func (s *Session) poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	res, err := s.bridge.Poll(ctx, s.id, s.received)
	if err != nil {
		return s.transportFailure(ctx, "poll", err)
	}
	s.failures = 0

	switch res.Status {
	case protocol.StatusOK:
		if len(res.Data) == 0 {
			return fmt.Errorf("poll: %w: ok without data", protocol.ErrUnexpectedStatus)
		}
		if res.HasOffset && res.Offset != s.received {
			return fmt.Errorf("poll: %w: got offset %d, want %d", protocol.ErrConflict, res.Offset, s.received)
		}
		s.log.Debug("polled", zap.Int("bytes", len(res.Data)), zap.Int64("offset", s.received))
		s.inbound = append(s.inbound, res.Data...)
		s.received += int64(len(res.Data))
		s.backoff = 0
		return nil
	case protocol.StatusNoData:
		s.backoff = nextBackoff(s.backoff, s.cfg.MinPollInterval, s.cfg.MaxPollInterval)
		return nil
	case protocol.StatusGone, protocol.StatusNotFound:
		s.remoteGone(res.Status)
		return nil
	default:
		return fmt.Errorf("poll: %w (%s)", res.Status.Err(), res.Status)
	}
}

// transportFailure decides whether a failed bridge call ends the session.
// Timeouts are always retried; other failures only up to
// MaxTransportFailures in a row.
func (s *Session) transportFailure(ctx context.Context, op string, err error) error {
	if parent := context.Cause(ctx); parent != nil && !errors.Is(parent, context.DeadlineExceeded) {
		return parent
	}
	s.backoff = nextBackoff(s.backoff, s.cfg.MinPollInterval, s.cfg.MaxPollInterval)
	if isTimeout(err) {
		s.log.Debug("bridge timeout, retrying", zap.String("op", op), zap.Error(err))
		return nil
	}
	s.failures++
	if s.failures >= s.cfg.MaxTransportFailures {
		return fmt.Errorf("%s: connection to bridge failed: %w", op, err)
	}
	s.log.Warn("bridge request failed, retrying",
		zap.String("op", op),
		zap.Int("failures", s.failures),
		zap.Error(err))
	return nil
}

func (s *Session) remoteGone(st protocol.Status) {
	if st == protocol.StatusNotFound {
		s.log.Info("connection not recognized by bridge", zap.Error(st.Err()))
	} else {
		s.log.Info("bridge lost connection to remote", zap.Error(st.Err()))
	}
	if len(s.outbound) > 0 {
		s.log.Debug("discarding undeliverable bytes", zap.Int("bytes", len(s.outbound)))
	}
	s.connected = false
	s.outbound = nil
	s.state = StateClosing
}

// disconnect sends the final Close after every local byte was delivered.
func (s *Session) disconnect() {
	if !s.connected {
		return
	}
	s.connected = false
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	if err := s.bridge.Close(ctx, s.id); err != nil {
		s.log.Warn("close failed", zap.Error(err))
	}
}

// Close tears the session down: a best-effort bridge Close if still
// connected, then the local connection. It is safe to call more than once
// and from another goroutine once Run has returned.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.disconnect()
		s.state = StateClosed
		s.closeErr = s.local.Close()
	})
	return s.closeErr
}

func nextBackoff(cur, lo, hi time.Duration) time.Duration {
	if cur < lo {
		return lo
	}
	return min(cur*2, hi)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
