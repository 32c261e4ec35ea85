package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// Server serves the bridge over HTTP and owns the session registry.
//
// Serve starts accepting requests on a listener; RunReaper expires idle
// sessions; Shutdown stops both and closes every session.
type Server struct {
	ctx context.Context
	cfg Config
	reg *Registry
	srv *http.Server
}

func New(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	reg := NewRegistry(cfg.Logger, cfg.Metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, "ok")
	})
	h := NewHandler(cfg, reg)
	if h.mount == "" {
		mux.Handle("/", h)
	} else {
		mux.Handle(h.mount+"/", h)
	}

	s := &Server{ctx: ctx, cfg: cfg, reg: reg}
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(cfg.Logger.Named("http")),
		BaseContext: func(net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

// Handler returns the root handler, including /healthz.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Registry() *Registry {
	return s.reg
}

// Serve serves bridge requests on ln. It returns nil once Shutdown or
// Close has been called.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunReaper expires idle sessions until ctx is done.
func (s *Server) RunReaper(ctx context.Context) {
	s.reg.RunReaper(ctx, s.cfg.ReapInterval, s.cfg.IdleTimeout)
}

// Shutdown stops accepting requests, waits for in-flight ones up to ctx, and
// then closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.reg.CloseAll()
	return err
}

// Close stops the HTTP server immediately and closes every session.
func (s *Server) Close() error {
	err := s.srv.Close()
	s.reg.CloseAll()
	return err
}
