package api

import (
	"time"

	"github.com/mattjoyce/hookrelay/internal/events"
	"github.com/mattjoyce/hookrelay/internal/queue"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadyResponse is returned by GET /ready. Checks maps each probe to "ok" or
// its failure.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// StatsView summarizes queue occupancy.
type StatsView struct {
	Pending         int        `json:"pending"`
	InFlight        int        `json:"in_flight"`
	DeadLettered    int        `json:"dead_lettered"`
	DedupKeys       int        `json:"dedup_keys"`
	CooldownKeys    int        `json:"cooldown_keys"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

// PendingView is a queued event without its payload.
type PendingView struct {
	EventID     string     `json:"event_id"`
	Source      string     `json:"source"`
	EventType   string     `json:"event_type"`
	DeliveryID  string     `json:"delivery_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	Sanitized   bool       `json:"sanitized"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LeaseOwner  string     `json:"lease_owner,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// QueueResponse is returned by GET /admin/queue.
type QueueResponse struct {
	Stats StatsView     `json:"stats"`
	Items []PendingView `json:"items"`
}

// DLQView is a dead-lettered event without its payload.
type DLQView struct {
	EventID       string    `json:"event_id"`
	Source        string    `json:"source"`
	EventType     string    `json:"event_type"`
	DeliveryID    string    `json:"delivery_id"`
	FailureReason string    `json:"failure_reason"`
	Attempts      int       `json:"attempts"`
	ReplayCount   int       `json:"replay_count"`
	Digest        string    `json:"digest"`
	Replaying     bool      `json:"replaying"`
	FailedAt      time.Time `json:"failed_at"`
}

// DLQResponse is returned by GET /admin/dlq.
type DLQResponse struct {
	Items []DLQView `json:"items"`
}

// ReplayResponse is returned by POST /admin/dlq/replay/{event_id}.
type ReplayResponse struct {
	EventID     string `json:"event_id"`
	Outcome     string `json:"outcome"`
	ReplayCount int    `json:"replay_count"`
}

// AuditView is one audit log entry.
type AuditView struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	EventID   string    `json:"event_id"`
	Actor     string    `json:"actor"`
	Outcome   string    `json:"outcome"`
	Digest    string    `json:"digest,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditResponse is returned by GET /admin/audit.
type AuditResponse struct {
	Items []AuditView `json:"items"`
}

// EventsResponse is returned by GET /admin/events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
}

func statsView(st queue.Stats) StatsView {
	return StatsView{
		Pending:         st.Pending,
		InFlight:        st.InFlight,
		DeadLettered:    st.DeadLettered,
		DedupKeys:       st.DedupKeys,
		CooldownKeys:    st.CooldownKeys,
		OldestPendingAt: st.OldestPendingAt,
	}
}

func pendingView(p queue.PendingEvent) PendingView {
	return PendingView{
		EventID:     p.ID(),
		Source:      p.Envelope.Source,
		EventType:   p.Envelope.EventType,
		DeliveryID:  p.Meta.DeliveryID,
		Status:      string(p.Status),
		Attempts:    p.Attempts,
		Sanitized:   len(p.Forward) > 0,
		NextRetryAt: p.NextRetryAt,
		LeaseOwner:  p.LeaseOwner,
		LastError:   p.LastError,
		CreatedAt:   p.CreatedAt,
	}
}

func dlqView(d queue.DLQEvent) DLQView {
	return DLQView{
		EventID:       d.EventID,
		Source:        d.Source,
		EventType:     d.EventType,
		DeliveryID:    d.Meta.DeliveryID,
		FailureReason: d.FailureReason,
		Attempts:      d.Attempts,
		ReplayCount:   d.ReplayCount,
		Digest:        d.Digest,
		Replaying:     d.Replaying,
		FailedAt:      d.FailedAt,
	}
}

func auditView(a queue.AuditEntry) AuditView {
	return AuditView{
		ID:        a.ID,
		Action:    a.Action,
		EventID:   a.EventID,
		Actor:     a.Actor,
		Outcome:   a.Outcome,
		Digest:    a.Digest,
		Detail:    a.Detail,
		CreatedAt: a.CreatedAt,
	}
}
