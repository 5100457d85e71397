package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hookrelay/internal/auth"
	"github.com/mattjoyce/hookrelay/internal/events"
	"github.com/mattjoyce/hookrelay/internal/metrics"
	"github.com/mattjoyce/hookrelay/internal/queue"
)

// Store is the queue surface the admin API reads and replays through.
type Store interface {
	Stats(ctx context.Context) (queue.Stats, error)
	ListPending(ctx context.Context, limit int) ([]queue.PendingEvent, error)
	ListDLQ(ctx context.Context, limit int) ([]queue.DLQEvent, error)
	Replay(ctx context.Context, eventID, actor string) (queue.ReplayResult, error)
	AuditLog(ctx context.Context, limit int) ([]queue.AuditEntry, error)
	Ping(ctx context.Context) error
}

// Config holds API server configuration
type Config struct {
	// Token is the admin bearer token (scope "*").
	Token string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// DBPath and MinFreeDisk drive the readiness disk headroom probe.
	DBPath          string
	MinFreeDisk     uint64
	ShutdownTimeout time.Duration
}

// heartbeat is a readiness probe over a component's last sign of life.
type heartbeat struct {
	name   string
	last   func() time.Time
	maxAge time.Duration
}

// Server represents the admin HTTP API server
type Server struct {
	config     Config
	store      Store
	metrics    *metrics.Metrics
	events     *events.Hub
	heartbeats []heartbeat
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
	now        func() time.Time
}

// Option configures a Server.
type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithHub(h *events.Hub) Option { return func(s *Server) { s.events = h } }

// WithHeartbeat adds a readiness probe that fails when last() is zero or
// older than maxAge.
func WithHeartbeat(name string, last func() time.Time, maxAge time.Duration) Option {
	return func(s *Server) {
		s.heartbeats = append(s.heartbeats, heartbeat{name: name, last: last, maxAge: maxAge})
	}
}

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// New creates a new API server instance
func New(config Config, store Store, logger *slog.Logger, opts ...Option) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		config: config,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.now()
	return s
}

// Serve runs the server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Event streams never go idle, so Shutdown cancels their request
	// contexts instead of waiting them out.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	s.server.RegisterOnShutdown(cancelBase)

	s.logger.Info("admin server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("admin server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("admin server error: %w", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes(auth.ScopeQueueRO)).Get("/queue", s.handleQueue)
		r.With(s.requireScopes(auth.ScopeDLQRO)).Get("/dlq", s.handleDLQ)
		r.With(s.requireScopes(auth.ScopeDLQRW)).Post("/dlq/replay/{eventID}", s.handleReplay)
		r.With(s.requireScopes(auth.ScopeAuditRO)).Get("/audit", s.handleAudit)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}
