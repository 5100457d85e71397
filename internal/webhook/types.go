package webhook

import (
	"context"
	"time"

	"github.com/mattjoyce/hookrelay/internal/queue"
)

// Acceptor records and enqueues an authenticated delivery.
type Acceptor interface {
	Accept(ctx context.Context, req queue.AcceptRequest) (*queue.PendingEvent, error)
}

// Notifier is woken after each successful enqueue.
type Notifier interface {
	Notify()
}

// Config holds webhook server configuration.
type Config struct {
	// MaxBodySize caps request bodies in bytes (default 1 MiB).
	MaxBodySize int64
	// ShutdownTimeout bounds graceful shutdown of the listener.
	ShutdownTimeout time.Duration
}

// AcceptedResponse is returned when a delivery is queued.
type AcceptedResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// IgnoredResponse is returned for authentic deliveries that are dropped.
type IgnoredResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1 << 20
	DefaultShutdownTimeout = 5 * time.Second
)
