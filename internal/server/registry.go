package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/httpbridge/internal/sock"
)

// entry is one session's destination connection. wmu serializes writes and
// rmu serializes reads, so a stalled Send never holds up a Poll. closed and
// lastUsed may be read without either.
type entry struct {
	id     string
	target string
	conn   *sock.Conn

	lastUsed atomic.Int64
	closed   atomic.Bool

	wmu     sync.Mutex
	written int64 // bytes delivered to the destination

	rmu    sync.Mutex
	served int64  // bytes read from the destination
	last   []byte // most recent Poll body, kept for replay
}

func newEntry(id, target string, c *sock.Conn, now time.Time) *entry {
	e := &entry{id: id, target: target, conn: c}
	e.touch(now)
	return e
}

func (e *entry) touch(now time.Time) {
	e.lastUsed.Store(now.UnixNano())
}

func (e *entry) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastUsed.Load()))
}

// tryLockAll takes both locks if neither is held.
func (e *entry) tryLockAll() bool {
	if !e.wmu.TryLock() {
		return false
	}
	if !e.rmu.TryLock() {
		e.wmu.Unlock()
		return false
	}
	return true
}

func (e *entry) unlockAll() {
	e.rmu.Unlock()
	e.wmu.Unlock()
}

func (e *entry) close() {
	e.closed.Store(true)
	_ = e.conn.Close()
}

// Registry maps session ids to live destination connections. A present id
// always owns exactly one open connection.
type Registry struct {
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry(log *zap.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Registry{
		log:     log,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// add inserts e unless its id is already taken.
func (r *Registry) add(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.id]; ok {
		return false
	}
	r.entries[e.id] = e
	r.metrics.ActiveSessions.Inc()
	r.metrics.SessionsOpened.Inc()
	return true
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Contains reports whether id names a live session.
func (r *Registry) Contains(id string) bool {
	_, ok := r.get(id)
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Remove closes and forgets id. It reports whether id was present; removing
// an unknown id is not an error.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		r.metrics.ActiveSessions.Dec()
	}
	r.mu.Unlock()

	if ok {
		e.close()
	}
	return ok
}

// drop removes e if it is still the entry registered under its id, then
// closes it either way.
func (r *Registry) drop(e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[e.id]; ok && cur == e {
		delete(r.entries, e.id)
		r.metrics.ActiveSessions.Dec()
	}
	r.mu.Unlock()

	e.close()
}

// Expire removes sessions idle for at least maxIdle and returns how many
// it removed. Sessions with a request in flight are never idle.
func (r *Registry) Expire(maxIdle time.Duration) int {
	now := r.now()

	var idle []*entry
	r.mu.Lock()
	for id, e := range r.entries {
		if e.idleSince(now) < maxIdle {
			continue
		}
		if !e.tryLockAll() {
			continue
		}
		e.unlockAll()
		delete(r.entries, id)
		r.metrics.ActiveSessions.Dec()
		idle = append(idle, e)
	}
	r.mu.Unlock()

	for _, e := range idle {
		e.close()
		r.metrics.SessionsExpired.Inc()
		r.log.Info("session expired",
			zap.String("session", e.id),
			zap.String("target", e.target),
			zap.Duration("idle", e.idleSince(now)))
	}
	return len(idle)
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		delete(r.entries, id)
		all = append(all, e)
	}
	r.metrics.ActiveSessions.Sub(float64(len(all)))
	r.mu.Unlock()

	for _, e := range all {
		e.close()
	}
}

// RunReaper expires idle sessions every interval until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, interval, maxIdle time.Duration) {
	if maxIdle <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Expire(maxIdle)
		}
	}
}
