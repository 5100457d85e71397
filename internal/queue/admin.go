package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/hookrelay/internal/envelope"
)

const defaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

// Stats counts pending, in-flight and dead-lettered events.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st     Stats
		oldest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
  MIN(created_at),
  (SELECT COUNT(*) FROM dlq_events),
  (SELECT COUNT(*) FROM dedup_index),
  (SELECT COUNT(*) FROM cooldown_index)
FROM pending_events;
`, StatusPending, StatusInFlight).Scan(&st.Pending, &st.InFlight, &oldest, &st.DeadLettered, &st.DedupKeys, &st.CooldownKeys)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	st.OldestPendingAt = nullTime(oldest)
	return st, nil
}

// ListPending returns queued events, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]PendingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+pendingColumns+` FROM pending_events
ORDER BY created_at ASC, rowid ASC
LIMIT ?;
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	out := make([]PendingEvent, 0)
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const dlqColumns = `d.event_id, d.source, d.event_type, d.dedup_key, d.meta, d.envelope, d.failure_reason,
  d.attempts, d.replay_count, d.failed_at, d.created_at,
  EXISTS(SELECT 1 FROM pending_events p WHERE p.id = d.event_id)`

func scanDLQ(row rowScanner) (*DLQEvent, error) {
	var (
		d         DLQEvent
		metaS     string
		envS      string
		failedAt  int64
		createdAt int64
	)
	if err := row.Scan(&d.EventID, &d.Source, &d.EventType, &d.DedupKey, &metaS, &envS, &d.FailureReason,
		&d.Attempts, &d.ReplayCount, &failedAt, &createdAt, &d.Replaying); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(envS), &d.Envelope); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", d.EventID, err)
	}
	if err := json.Unmarshal([]byte(metaS), &d.Meta); err != nil {
		return nil, fmt.Errorf("decode meta %s: %w", d.EventID, err)
	}
	d.Digest = envelope.Digest([]byte(envS))
	d.FailedAt = fromMS(failedAt)
	d.CreatedAt = fromMS(createdAt)
	return &d, nil
}

// ListDLQ returns dead-lettered events, most recent failure first.
func (s *Store) ListDLQ(ctx context.Context, limit int) ([]DLQEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+dlqColumns+` FROM dlq_events d
ORDER BY d.failed_at DESC, d.rowid DESC
LIMIT ?;
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()

	out := make([]DLQEvent, 0)
	for rows.Next() {
		d, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dlq: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetDLQ returns one DLQ entry or ErrNotFound.
func (s *Store) GetDLQ(ctx context.Context, eventID string) (*DLQEvent, error) {
	d, err := scanDLQ(s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dlq_events d WHERE d.event_id = ?;`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dlq entry: %w", err)
	}
	return d, nil
}

// Replay sends a DLQ entry back through the dedup index. If the delivery key
// is held again (the producer redelivered and it was accepted meanwhile) the
// entry is dropped without enqueuing; otherwise the key is re-recorded and
// the original envelope queued with a fresh retry budget. Every call appends
// an audit entry in the same transaction.
func (s *Store) Replay(ctx context.Context, eventID, actor string) (ReplayResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("begin replay: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	d, err := scanDLQ(tx.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dlq_events d WHERE d.event_id = ?;`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return ReplayResult{}, ErrNotFound
	}
	if err != nil {
		return ReplayResult{}, fmt.Errorf("load dlq entry: %w", err)
	}

	now := s.now().UTC()
	result := ReplayResult{EventID: eventID, ReplayCount: d.ReplayCount}

	var seenAt int64
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM dedup_index WHERE key = ?;`, d.DedupKey).Scan(&seenAt)
	held := err == nil && s.dedupLive(seenAt, now)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ReplayResult{}, fmt.Errorf("read dedup index: %w", err)
	}

	switch {
	case d.Replaying:
		result.Outcome = ReplayInFlight

	case held:
		result.Outcome = ReplayDuplicate
		if _, err := tx.ExecContext(ctx, `DELETE FROM dlq_events WHERE event_id = ?;`, eventID); err != nil {
			return ReplayResult{}, fmt.Errorf("drop duplicate dlq entry: %w", err)
		}

	default:
		result.Outcome = ReplayRequeued
		result.ReplayCount++

		envJSON, err := json.Marshal(d.Envelope)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("encode envelope: %w", err)
		}
		metaJSON, err := json.Marshal(d.Meta)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("encode meta: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO dedup_index(key, created_at) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET created_at = excluded.created_at;
`, d.DedupKey, ms(now)); err != nil {
			return ReplayResult{}, fmt.Errorf("record dedup key: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO pending_events(id, source, event_type, dedup_key, meta, envelope, status, attempts, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?);
`, eventID, d.Source, d.EventType, d.DedupKey, string(metaJSON), string(envJSON), StatusPending, ms(now)); err != nil {
			return ReplayResult{}, fmt.Errorf("requeue event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE dlq_events SET replay_count = replay_count + 1 WHERE event_id = ?;
`, eventID); err != nil {
			return ReplayResult{}, fmt.Errorf("bump replay count: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO audit_log(action, event_id, actor, outcome, digest, detail, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, "dlq.replay", eventID, actor, string(result.Outcome), d.Digest,
		fmt.Sprintf("source=%s event_type=%s replay_count=%d", d.Source, d.EventType, result.ReplayCount),
		ms(now)); err != nil {
		return ReplayResult{}, fmt.Errorf("append audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ReplayResult{}, fmt.Errorf("commit replay: %w", err)
	}
	s.logger.Info("dlq replay", "event_id", eventID, "actor", actor, "outcome", result.Outcome, "replay_count", result.ReplayCount)
	return result, nil
}

// AuditLog returns the most recent audit entries first.
func (s *Store) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, action, event_id, actor, outcome, digest, detail, created_at
FROM audit_log
ORDER BY id DESC
LIMIT ?;
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var (
			e         AuditEntry
			digest    sql.NullString
			detail    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.EventID, &e.Actor, &e.Outcome, &digest, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Digest = digest.String
		e.Detail = detail.String
		e.CreatedAt = fromMS(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping proves the store accepts writes.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO health_probe(id, checked_at) VALUES(1, ?)
ON CONFLICT(id) DO UPDATE SET checked_at = excluded.checked_at;
`, ms(s.now())); err != nil {
		return storageErr("write probe", err)
	}
	return nil
}
