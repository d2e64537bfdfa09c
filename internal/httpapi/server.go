package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"supd/internal/runtime/tasks"
	"supd/internal/storage"
	"supd/pkg/logx"
)

// Server runs the API under a self-healing serve loop and follows config reloads.
type Server struct {
	sup   Supervisor
	store storage.Store

	mu       sync.Mutex
	log      logx.Logger
	cfg      Config
	enabled  bool
	ln       net.Listener
	srv      *http.Server
	group    *tasks.Group
	stopDone chan struct{}
	bound    chan struct{}
}

func NewServer(sup Supervisor, store storage.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{sup: sup, store: store, log: log.With(logx.String("comp", "httpapi"))}
}

// Addr is the bound listener address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Bound is closed once the current serve loop has a listener.
func (s *Server) Bound() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == nil {
		s.bound = make(chan struct{})
	}
	return s.bound
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
// enabled=false stops it.
func (s *Server) Reconfigure(ctx context.Context, cfg Config, enabled bool) {
	s.mu.Lock()
	prev, wasEnabled := s.cfg, s.enabled
	running := s.group != nil
	s.cfg, s.enabled = cfg, enabled
	s.mu.Unlock()

	switch {
	case !enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case !wasEnabled || needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent; it waits for an in-flight Stop first.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.group != nil || !s.enabled {
			s.mu.Unlock()
			return
		}
		// the serve loop outlives the caller's ctx; Stop ends it
		g := tasks.New(context.WithoutCancel(ctx), tasks.WithLogger(s.log))
		s.group = g
		s.mu.Unlock()

		g.GoRestart("http.serve", s.serveOnce, tasks.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return
	}
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.group == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, g := s.srv, s.group
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		_ = g.Stop(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.group, s.stopDone, s.bound = nil, nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http api stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = g.Stop(ctx)
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if err := cfg.Check(); err != nil {
		s.log.Error("http api refused to start", logx.String("addr", cfg.addr()), logx.Err(err))
		return err
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.addr()) {
		s.log.Warn("http api running without token on non-loopback addr (insecure)", logx.String("addr", cfg.addr()))
	}

	ln, err := net.Listen("tcp", cfg.addr())
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      Handler(s.sup, s.store, s.log, cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	if s.bound == nil {
		s.bound = make(chan struct{})
	}
	close(s.bound)
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	})
	defer stop()

	s.log.Info("http api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.ln, s.srv, s.bound = nil, nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}
