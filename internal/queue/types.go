package queue

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/hookrelay/internal/envelope"
)

// Status is the delivery state of a queued event.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in_flight"
	StatusCompleted    Status = "completed"
	StatusDeadLettered Status = "dead_lettered"
)

// DefaultDedupTTL is how long a delivery key suppresses redeliveries.
const DefaultDedupTTL = 7 * 24 * time.Hour

// PendingEvent is a queued envelope and its delivery state.
type PendingEvent struct {
	Envelope envelope.Envelope
	Meta     envelope.Meta
	DedupKey string
	// Forward is the sanitized request body, persisted before the first
	// forward attempt. Nil until then.
	Forward        json.RawMessage
	Status         Status
	Attempts       int
	NextRetryAt    *time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	FirstAttemptAt *time.Time
	LastError      string
	CreatedAt      time.Time
}

// ID is the envelope id, which also keys the queue row.
func (p *PendingEvent) ID() string { return p.Envelope.ID }

// DLQEvent is an event whose forwarding permanently failed or exhausted its
// retry budget.
type DLQEvent struct {
	EventID       string
	Source        string
	EventType     string
	DedupKey      string
	Envelope      envelope.Envelope
	Meta          envelope.Meta
	FailureReason string
	Attempts      int
	ReplayCount   int
	FailedAt      time.Time
	CreatedAt     time.Time
	Digest        string
	// Replaying is true while a replayed copy sits in the pending queue.
	Replaying bool
}

// AuditEntry is an append-only record of an admin action.
type AuditEntry struct {
	ID        int64
	Action    string
	EventID   string
	Actor     string
	Outcome   string
	Digest    string
	Detail    string
	CreatedAt time.Time
}

// AcceptRequest is everything the ingress path hands to Accept.
type AcceptRequest struct {
	Envelope    envelope.Envelope
	Meta        envelope.Meta
	DedupKey    string
	CooldownKey string
	Cooldown    time.Duration
}

// ReplayOutcome describes what a DLQ replay did.
type ReplayOutcome string

const (
	// ReplayRequeued re-enqueued the envelope.
	ReplayRequeued ReplayOutcome = "requeued"
	// ReplayDuplicate found the delivery already accepted again and removed
	// the DLQ entry without enqueuing.
	ReplayDuplicate ReplayOutcome = "duplicate"
	// ReplayInFlight found an earlier replay still queued and changed nothing.
	ReplayInFlight ReplayOutcome = "in_flight"
)

// ReplayResult reports a replay's outcome.
type ReplayResult struct {
	EventID     string
	Outcome     ReplayOutcome
	ReplayCount int
}

// Stats summarizes queue occupancy.
type Stats struct {
	Pending         int
	InFlight        int
	DeadLettered    int
	DedupKeys       int
	CooldownKeys    int
	OldestPendingAt *time.Time
}
