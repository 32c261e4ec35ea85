package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/httpbridge/internal/conn"
	"github.com/die-net/httpbridge/internal/protocol"
	"github.com/die-net/httpbridge/internal/sock"
)

var (
	errWriteTimeout = errors.New("destination write timed out")
	errDestination  = errors.New("destination socket error")
)

const allowedMethods = "POST, PUT, GET, DELETE"

// Handler serves tunnel requests under the configured mount path.
type Handler struct {
	cfg     Config
	mount   string
	reg     *Registry
	pool    *conn.BufferPool
	log     *zap.Logger
	metrics *Metrics
}

// NewHandler returns a Handler that keeps its sessions in reg.
func NewHandler(cfg Config, reg *Registry) *Handler {
	cfg = cfg.withDefaults()
	return &Handler{
		cfg:     cfg,
		mount:   protocol.CleanPath(cfg.Path),
		reg:     reg,
		pool:    conn.NewBufferPool(cfg.ChunkSize),
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			h.log.Error("panic serving request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", v),
				zap.Stack("stack"))
			if !sw.wroteHeader {
				reply(sw, http.StatusInternalServerError, "internal error")
			}
		}
		method := methodLabel(r.Method)
		h.metrics.RequestsTotal.WithLabelValues(method, strconv.Itoa(sw.code())).Inc()
		h.metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	id, ok := protocol.SessionIDFromPath(h.mount, r.URL.Path)
	if !ok {
		reply(sw, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.open(sw, r, id)
	case http.MethodPut:
		h.send(sw, r, id)
	case http.MethodGet:
		h.poll(sw, r, id)
	case http.MethodDelete:
		h.close(sw, id)
	default:
		sw.Header().Set("Allow", allowedMethods)
		reply(sw, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// methodLabel bounds the method label to the verbs the bridge serves.
func methodLabel(m string) string {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodGet, http.MethodDelete:
		return m
	default:
		return "other"
	}
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request, id string) {
	log := h.log.With(zap.String("session", id))

	body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxTargetLen+1))
	if err != nil || len(body) > protocol.MaxTargetLen {
		log.Debug("open rejected: unreadable target")
		reply(w, http.StatusNotAcceptable, "invalid target")
		return
	}
	target, err := protocol.ParseTarget(string(body))
	if err != nil {
		log.Debug("open rejected", zap.Error(err))
		reply(w, http.StatusNotAcceptable, "invalid target")
		return
	}
	log = log.With(zap.String("target", target))

	if h.reg.Contains(id) {
		log.Debug("open rejected: duplicate session")
		reply(w, http.StatusNotAcceptable, "session exists")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.DialTimeout)
	defer cancel()
	c, err := h.cfg.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Info("open failed", zap.Error(err))
		reply(w, http.StatusNotAcceptable, "connect failed")
		return
	}
	sc, err := sock.Wrap(c)
	if err != nil {
		_ = c.Close()
		log.Warn("open failed", zap.Error(err))
		reply(w, http.StatusNotAcceptable, "connect failed")
		return
	}

	if !h.reg.add(newEntry(id, target, sc, h.reg.now())) {
		_ = sc.Close()
		log.Debug("open rejected: duplicate session")
		reply(w, http.StatusNotAcceptable, "session exists")
		return
	}

	log.Info("session opened")
	reply(w, http.StatusCreated, "")
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request, id string) {
	e, ok := h.reg.get(id)
	if !ok {
		reply(w, http.StatusNotFound, "unknown session")
		return
	}
	offset, hasOffset, err := protocol.ParseOffset(r.Header)
	if err != nil {
		reply(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxSend))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reply(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		reply(w, http.StatusBadRequest, "short body")
		return
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.closed.Load() {
		reply(w, http.StatusNotFound, "unknown session")
		return
	}
	e.touch(h.reg.now())
	defer e.touch(h.reg.now())

	data := body
	if hasOffset {
		if offset > e.written || offset+int64(len(body)) < e.written {
			h.log.Debug("send offset mismatch",
				zap.String("session", id),
				zap.Int64("offset", offset),
				zap.Int64("written", e.written))
			reply(w, http.StatusConflict, "offset mismatch")
			return
		}
		data = body[e.written-offset:]
	}

	n, err := h.writeAll(e, data)
	e.written += int64(n)
	h.metrics.BytesTotal.WithLabelValues("to_destination").Add(float64(n))
	if err != nil {
		h.reg.drop(e)
		h.log.Info("destination gone",
			zap.String("session", id),
			zap.String("target", e.target),
			zap.Error(err))
		reply(w, http.StatusGone, "destination gone")
		return
	}

	h.log.Debug("send", zap.String("session", id), zap.Int("bytes", n))
	reply(w, http.StatusOK, "")
}

// writeAll writes p to the destination. The whole write, however many
// stalls it takes, must finish within WriteTimeout.
func (h *Handler) writeAll(e *entry, p []byte) (int, error) {
	deadline := time.Now().Add(h.cfg.WriteTimeout)
	written := 0
	for len(p) > 0 {
		n, o, err := e.conn.Write(p)
		written += n
		p = p[n:]

		switch o {
		case sock.OK:
		case sock.WouldBlock:
			left := time.Until(deadline)
			if left <= 0 {
				return written, errWriteTimeout
			}
			rd, err := e.conn.Wait(sock.Writable, left)
			switch {
			case err != nil:
				return written, err
			case rd.Writable:
			case rd.Error:
				return written, errDestination
			default:
				return written, errWriteTimeout
			}
		default:
			if err == nil {
				err = fmt.Errorf("write: %s", o)
			}
			return written, err
		}
	}
	return written, nil
}

func (h *Handler) poll(w http.ResponseWriter, r *http.Request, id string) {
	e, ok := h.reg.get(id)
	if !ok {
		reply(w, http.StatusNotFound, "unknown session")
		return
	}
	offset, hasOffset, err := protocol.ParseOffset(r.Header)
	if err != nil {
		reply(w, http.StatusBadRequest, err.Error())
		return
	}

	e.rmu.Lock()
	defer e.rmu.Unlock()
	if e.closed.Load() {
		reply(w, http.StatusNotFound, "unknown session")
		return
	}
	e.touch(h.reg.now())

	if hasOffset && offset != e.served {
		if len(e.last) > 0 && offset == e.served-int64(len(e.last)) {
			h.log.Debug("poll replay", zap.String("session", id), zap.Int64("offset", offset))
			writeChunk(w, offset, e.last)
			return
		}
		reply(w, http.StatusConflict, "offset mismatch")
		return
	}

	rd, err := e.conn.Wait(sock.Readable, 0)
	if err != nil {
		h.gone(w, e, err)
		return
	}
	if !rd.Readable && !rd.Error {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	buf := h.pool.Get()
	defer h.pool.Put(buf)

	n, o, err := e.conn.Read(buf)
	switch o {
	case sock.OK:
	case sock.WouldBlock:
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		h.gone(w, e, err)
		return
	}

	e.last = append(e.last[:0], buf[:n]...)
	start := e.served
	e.served += int64(n)
	h.metrics.BytesTotal.WithLabelValues("from_destination").Add(float64(n))
	h.log.Debug("poll", zap.String("session", id), zap.Int("bytes", n))
	writeChunk(w, start, e.last)
}

func (h *Handler) gone(w http.ResponseWriter, e *entry, err error) {
	h.reg.drop(e)
	h.log.Info("destination gone",
		zap.String("session", e.id),
		zap.String("target", e.target),
		zap.Int64("served", e.served),
		zap.Error(err))
	reply(w, http.StatusGone, "destination gone")
}

func (h *Handler) close(w http.ResponseWriter, id string) {
	if h.reg.Remove(id) {
		h.log.Info("session closed", zap.String("session", id))
	}
	reply(w, http.StatusOK, "")
}

func writeChunk(w http.ResponseWriter, offset int64, p []byte) {
	hdr := w.Header()
	hdr.Set("Content-Type", "application/octet-stream")
	hdr.Set("Content-Length", strconv.Itoa(len(p)))
	protocol.SetOffset(hdr, offset)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(p)
}

// reply writes a status with a short plain-text reason.
func reply(w http.ResponseWriter, code int, msg string) {
	if msg == "" {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, strings.TrimSpace(msg)+"\n")
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) code() int {
	if !w.wroteHeader {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
