package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hookrelay/internal/envelope"
	"github.com/mattjoyce/hookrelay/internal/events"
	"github.com/mattjoyce/hookrelay/internal/metrics"
	"github.com/mattjoyce/hookrelay/internal/queue"
	"github.com/mattjoyce/hookrelay/internal/ratelimit"
	"github.com/mattjoyce/hookrelay/internal/source"
)

// Server represents the webhook HTTP server.
type Server struct {
	config   Config
	registry *source.Registry
	queue    Acceptor
	notifier Notifier
	guard    *ratelimit.Guard
	resolver ratelimit.Resolver
	metrics  *metrics.Metrics
	events   *events.Hub
	logger   *slog.Logger
	now      func() time.Time
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

func WithNotifier(n Notifier) Option { return func(s *Server) { s.notifier = n } }

// WithGuard enables rate limiting; its resolver also supplies logged client
// addresses.
func WithGuard(g *ratelimit.Guard) Option {
	return func(s *Server) {
		s.guard = g
		if g != nil {
			s.resolver = g.Resolver
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithHub(h *events.Hub) Option { return func(s *Server) { s.events = h } }

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// New creates a new webhook server instance.
func New(config Config, registry *source.Registry, q Acceptor, logger *slog.Logger, opts ...Option) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Server{
		config:   config,
		registry: registry,
		queue:    q,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs the server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", ln.Addr().String(), "sources", s.registry.Names())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/webhook/{source}", func(w http.ResponseWriter, r *http.Request) {
		s.handleWebhook(w, r, chi.URLParam(r, "source"))
	})
	r.Post("/hooks/github-pr", func(w http.ResponseWriter, r *http.Request) {
		s.handleWebhook(w, r, "github")
	})
	r.Post("/hooks/linear", func(w http.ResponseWriter, r *http.Request) {
		s.handleWebhook(w, r, "linear")
	})

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"client_ip", s.resolver.ClientIP(r),
		)
	})
}

// handleWebhook runs one delivery through the ingress pipeline.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	logger := s.logger.With(
		"source", name,
		"request_id", middleware.GetReqID(ctx),
		"client_ip", s.resolver.ClientIP(r),
	)

	adm, rej := s.guard.CheckIP(r)
	if rej != nil {
		s.rateLimited(w, logger, rej)
		return
	}

	adapter, err := s.registry.Lookup(name)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "unknown source")
		return
	}

	if rej := s.guard.CheckSource(adm, name); rej != nil {
		s.rateLimited(w, logger, rej)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := adapter.Verify(body, r.Header); err != nil {
		s.metrics.Dropped(name, metrics.ReasonAuthFailure)
		logger.Warn("webhook signature verification failed", "error", err)
		s.respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.metrics.Received(name)

	payload, err := source.DecodePayload(name, body)
	if err != nil {
		s.reject(w, logger, name, metrics.ReasonInvalid, err)
		return
	}

	now := s.now()
	if err := adapter.CheckFreshness(payload, now); err != nil {
		s.reject(w, logger, name, metrics.ReasonStaleTimestamp, err)
		return
	}

	desc := adapter.Describe(r.Header, payload)
	logger = logger.With("delivery_id", desc.DeliveryID, "event_type", desc.EventType)

	if ok, why := source.Filter(adapter, desc); !ok {
		s.metrics.Dropped(name, metrics.ReasonFiltered)
		s.events.Publish(events.TypeDropped, map[string]any{
			"source": name, "event_type": desc.EventType, "reason": metrics.ReasonFiltered,
		})
		logger.Info("webhook filtered", "why", why)
		s.respondJSON(w, http.StatusOK, IgnoredResponse{Status: "ignored", Reason: metrics.ReasonFiltered})
		return
	}

	if err := source.RequireDelivery(desc); err != nil {
		s.reject(w, logger, name, metrics.ReasonInvalid, err)
		return
	}

	env := envelope.New(name, desc.EventType, json.RawMessage(body), now)
	_, err = s.queue.Accept(ctx, queue.AcceptRequest{
		Envelope: env,
		Meta: envelope.Meta{
			DeliveryID: desc.DeliveryID,
			Action:     desc.Action,
			EntityID:   desc.EntityID,
			Headers:    adapter.ForwardHeaders(desc),
		},
		DedupKey:    desc.DedupKey(),
		CooldownKey: desc.CooldownKey(),
		Cooldown:    adapter.Cooldown(),
	})

	var (
		dup      *queue.DuplicateDeliveryError
		cooldown *queue.CooldownThrottleError
		storage  *queue.StorageError
	)
	switch {
	case err == nil:
	case errors.As(err, &dup):
		s.ignore(w, logger, name, desc.EventType, metrics.ReasonDuplicate)
		return
	case errors.As(err, &cooldown):
		logger = logger.With("cooldown_remaining", cooldown.Remaining)
		s.ignore(w, logger, name, desc.EventType, metrics.ReasonCooldown)
		return
	case errors.As(err, &storage):
		logger.Error("failed to enqueue webhook event", "error", err)
		s.respondError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	default:
		logger.Error("failed to enqueue webhook event", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.notifier != nil {
		s.notifier.Notify()
	}
	s.events.Publish(events.TypeAccepted, map[string]any{
		"event_id": env.ID, "source": name, "event_type": env.EventType, "delivery_id": desc.DeliveryID,
	})
	logger.Info("webhook event accepted", "event_id", env.ID)
	s.respondJSON(w, http.StatusOK, AcceptedResponse{Status: "accepted", ID: env.ID})
}

func (s *Server) ignore(w http.ResponseWriter, logger *slog.Logger, name, eventType, reason string) {
	s.metrics.Dropped(name, reason)
	s.events.Publish(events.TypeDropped, map[string]any{
		"source": name, "event_type": eventType, "reason": reason,
	})
	logger.Info("webhook event ignored", "reason", reason)
	s.respondJSON(w, http.StatusOK, IgnoredResponse{Status: "ignored", Reason: reason})
}

// reject answers a validation failure with the status it carries.
func (s *Server) reject(w http.ResponseWriter, logger *slog.Logger, name, reason string, err error) {
	status := http.StatusBadRequest
	message := "invalid request"
	var verr *source.ValidationError
	if errors.As(err, &verr) {
		status = verr.HTTPStatus()
		message = verr.Reason
		if verr.Reason == metrics.ReasonStaleTimestamp {
			reason = metrics.ReasonStaleTimestamp
		}
	}
	s.metrics.Dropped(name, reason)
	logger.Warn("webhook rejected", "status", status, "error", err)
	s.respondError(w, status, message)
}

func (s *Server) rateLimited(w http.ResponseWriter, logger *slog.Logger, rej *ratelimit.Rejection) {
	s.metrics.RateLimited(rej.Scope)
	logger.Warn("webhook rate limited", "scope", rej.Scope, "retry_after", rej.RetryAfter)
	ratelimit.WriteRejection(w, rej)
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
