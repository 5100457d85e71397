package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mattjoyce/hookrelay/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/hookrelay/internal/dispatch Queue,Forwarder

// Queue is the subset of the durable queue the workers drive.
type Queue interface {
	Lease(ctx context.Context, owner string, ttl time.Duration) (*queue.PendingEvent, error)
	SaveSanitized(ctx context.Context, id, owner string, body json.RawMessage) error
	Complete(ctx context.Context, id, owner string) error
	Retry(ctx context.Context, id, owner string, next time.Time, reason string) error
	DeadLetter(ctx context.Context, id, owner, reason string) error
	ReleaseLeases(ctx context.Context, owner string) (int, error)
}

// Forwarder delivers one request to the gateway. Failures are returned as
// *TransientForwardError or *PermanentForwardError.
type Forwarder interface {
	Forward(ctx context.Context, req ForwardRequest) error
}

// ForwardRequest is one delivery attempt.
type ForwardRequest struct {
	EventID    string
	Source     string
	EventType  string
	DeliveryID string
	// Headers are the source-specific headers captured at ingress.
	Headers map[string]string
	Body    []byte
}
