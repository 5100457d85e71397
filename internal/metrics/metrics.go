// Package metrics exposes the relay's Prometheus instruments on a private
// registry so tests and multiple servers in one process never collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hookrelay"

// Drop reasons recorded on the dropped counter.
const (
	ReasonDuplicate      = "duplicate"
	ReasonCooldown       = "cooldown"
	ReasonFiltered       = "filtered"
	ReasonAuthFailure    = "auth-failure"
	ReasonStaleTimestamp = "stale-timestamp"
	ReasonInvalid        = "invalid"
)

// Forward attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

// Metrics holds every instrument. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	received        *prometheus.CounterVec
	forwarded       *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	replays         *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	inFlight        prometheus.Gauge
	dlqDepth        prometheus.Gauge
	oldestPending   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.received = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_received_total",
		Help:      "Webhook requests that passed signature verification",
	}, []string{"source"})
	m.forwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_forwarded_total",
		Help:      "Events delivered to the gateway",
	}, []string{"source"})
	m.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Webhook requests dropped at ingress by reason",
	}, []string{"source", "reason"})
	m.deadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dead_lettered_total",
		Help:      "Events moved to the dead-letter queue",
	}, []string{"source"})
	m.attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forward_attempts_total",
		Help:      "Forward attempts by outcome",
	}, []string{"source", "outcome"})
	m.forwardDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "forward_duration_seconds",
		Help:      "Latency of forward attempts",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})
	m.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"scope"})
	m.replays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dlq_replays_total",
		Help:      "DLQ replay requests by outcome",
	}, []string{"outcome"})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Pending events awaiting a forward attempt",
	})
	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_in_flight",
		Help:      "Events currently leased by a worker",
	})
	m.dlqDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dlq_depth",
		Help:      "Events in the dead-letter queue",
	})
	m.oldestPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_oldest_pending_age_seconds",
		Help:      "Age of the oldest queued event",
	})

	m.registry.MustRegister(
		m.received, m.forwarded, m.dropped, m.deadLettered,
		m.attempts, m.forwardDuration, m.rateLimited, m.replays,
		m.queueDepth, m.inFlight, m.dlqDepth, m.oldestPending,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for callers that add collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Received(source string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(source).Inc()
}

func (m *Metrics) Dropped(source, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) Forwarded(source string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(source).Inc()
}

func (m *Metrics) DeadLettered(source string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(source).Inc()
}

// ForwardAttempt records one attempt's outcome and latency.
func (m *Metrics) ForwardAttempt(source, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(source, outcome).Inc()
	m.forwardDuration.WithLabelValues(source).Observe(took.Seconds())
}

// RateLimited counts a rejection; scope is "ip" or "source".
func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) Replayed(outcome string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(outcome).Inc()
}

// SetQueue refreshes the occupancy gauges. oldest is the zero time when the
// queue is empty.
func (m *Metrics) SetQueue(pending, inFlight, dlq int, oldest time.Time, now time.Time) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(pending))
	m.inFlight.Set(float64(inFlight))
	m.dlqDepth.Set(float64(dlq))
	if oldest.IsZero() {
		m.oldestPending.Set(0)
		return
	}
	m.oldestPending.Set(now.Sub(oldest).Seconds())
}
