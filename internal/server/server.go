// Package server mounts a compiled service on net/http: notebook routes,
// socket endpoints, /healthz, /metrics and, when enabled, pprof.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"cellserve/internal/binding"
	"cellserve/internal/ir"
	"cellserve/internal/runtime/supervisor"
	"cellserve/internal/storage"
	"cellserve/internal/ws"
	"cellserve/internal/ws/gorillaws"
	"cellserve/pkg/logx"
)

type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// MaxBodyBytes caps request bodies; 0 means 1 MiB.
	MaxBodyBytes int64

	Metrics     bool
	MetricsPath string

	Pprof      bool
	PprofToken string

	// WSReadLimit caps inbound socket messages; 0 means 1 MiB.
	WSReadLimit int64
	// AllowedOrigins restricts socket upgrades; empty allows every origin.
	AllowedOrigins []string
}

// Recorder receives request metrics. *metrics.Collector implements it.
type Recorder interface {
	RequestDone(method, route string, status int, took time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RequestDone(string, string, int, time.Duration) {}

type Deps struct {
	Log        logx.Logger
	Service    *ir.CompiledService
	Table      *binding.Table
	Dispatcher *ws.Dispatcher
	Metrics    Recorder
	// MetricsHandler serves MetricsPath when Config.Metrics is set.
	MetricsHandler http.Handler
	// Health adds a "scheduler" section to /healthz.
	Health func() any
	// Runs adds the latest scheduled runs to /healthz.
	Runs RunLister
}

// RunLister reads run history. storage.Store satisfies it.
type RunLister interface {
	RecentRuns(ctx context.Context, task string, limit int) ([]storage.RunRecord, error)
}

// Service owns the HTTP listener. Start and Stop may be called again
// after a Stop.
type Service struct {
	log     logx.Logger
	cfg     Config
	handler http.Handler
	disp    *ws.Dispatcher

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *supervisor.Supervisor

	sessions sync.WaitGroup
}

// New builds the handler tree. Pattern conflicts are returned as errors.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Service == nil {
		return nil, errors.New("server: no compiled service")
	}
	if deps.Table == nil {
		deps.Table = binding.NewTable()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = ws.NewDispatcher(nil, ws.Config{}, deps.Log, nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	s := &Service{
		log:  deps.Log.With(logx.Component("server")),
		cfg:  cfg,
		disp: deps.Dispatcher,
	}
	h, err := s.routes(deps)
	if err != nil {
		return nil, err
	}
	s.handler = h
	return s, nil
}

// Handler is the full handler tree, for tests and embedding.
func (s *Service) Handler() http.Handler { return s.handler }

// Addr is the bound address once started, else the configured one.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve failures are retried with backoff.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	if s.cfg.Pprof && s.cfg.PprofToken == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("pprof exposed without token on non-loopback addr", logx.String("addr", s.cfg.Addr))
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	s.log.Info("http started", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", s.cfg.Addr); err != nil {
			return err
		}
		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return context.Canceled
	}
	if err == nil {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Stop drains requests, closes open sockets and waits for their sessions,
// bounded by ctx and Config.ShutdownTimeout.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			_ = srv.Close()
		}
	}
	// Hijacked sockets are not tracked by Shutdown; cancelling the base
	// context closes them.
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("sockets still open: %w", ctx.Err()))
	}

	s.mu.Lock()
	s.ln, s.srv = nil, nil
	s.mu.Unlock()
	s.log.Info("http stopped")
	return errors.Join(errs...)
}

// Snapshot reports the serving goroutines, nil when stopped.
func (s *Service) Snapshot() *supervisor.Snapshot {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	snap := sup.Snapshot()
	return &snap
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return nil
		}
		set[strings.ToLower(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(origin)]
	}
}

func newUpgrader(cfg Config) *gorillaws.Upgrader {
	return gorillaws.NewUpgrader(gorillaws.Options{ReadLimit: cfg.WSReadLimit, CheckOrigin: originChecker(cfg.AllowedOrigins)})
}
