package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/hookrelay/internal/log"
)

// Store is the relay's durable queue: dedup and cooldown indexes, pending
// events, the dead-letter queue and the audit log all live in one SQLite
// database and change only inside its transactions.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	dedupTTL time.Duration
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithDedupTTL sets how long delivery keys are retained. Zero or negative
// keeps them until pruned explicitly.
func WithDedupTTL(ttl time.Duration) Option {
	return func(s *Store) { s.dedupTTL = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		logger:   log.WithComponent("queue"),
		dedupTTL: DefaultDedupTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

// dedupLive reports whether a dedup row created at createdAt still counts.
func (s *Store) dedupLive(createdAt int64, now time.Time) bool {
	if s.dedupTTL <= 0 {
		return true
	}
	return now.Sub(fromMS(createdAt)) < s.dedupTTL
}

// Accept records the delivery key, applies the entity cooldown and enqueues
// the envelope in a single transaction. It returns *DuplicateDeliveryError
// or *CooldownThrottleError when the event must be dropped; a cooldown drop
// rolls back the delivery key too, so the same delivery is accepted once the
// window has passed.
func (s *Store) Accept(ctx context.Context, req AcceptRequest) (*PendingEvent, error) {
	if req.DedupKey == "" {
		return nil, fmt.Errorf("accept: dedup key is empty")
	}
	if req.Envelope.ID == "" {
		return nil, fmt.Errorf("accept: envelope id is empty")
	}

	envJSON, err := json.Marshal(req.Envelope)
	if err != nil {
		return nil, fmt.Errorf("accept: encode envelope: %w", err)
	}
	metaJSON, err := json.Marshal(req.Meta)
	if err != nil {
		return nil, fmt.Errorf("accept: encode meta: %w", err)
	}

	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin accept", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seenAt int64
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM dedup_index WHERE key = ?;`, req.DedupKey).Scan(&seenAt)
	switch {
	case err == nil:
		if s.dedupLive(seenAt, now) {
			return nil, &DuplicateDeliveryError{Key: req.DedupKey}
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, storageErr("read dedup index", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO dedup_index(key, created_at) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET created_at = excluded.created_at;
`, req.DedupKey, ms(now)); err != nil {
		return nil, storageErr("write dedup index", err)
	}

	if req.CooldownKey != "" && req.Cooldown > 0 {
		var last int64
		err := tx.QueryRowContext(ctx, `SELECT last_accepted_at FROM cooldown_index WHERE key = ?;`, req.CooldownKey).Scan(&last)
		switch {
		case err == nil:
			if elapsed := now.Sub(fromMS(last)); elapsed < req.Cooldown {
				return nil, &CooldownThrottleError{Key: req.CooldownKey, Remaining: req.Cooldown - elapsed}
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return nil, storageErr("read cooldown index", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO cooldown_index(key, last_accepted_at) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET last_accepted_at = excluded.last_accepted_at;
`, req.CooldownKey, ms(now)); err != nil {
			return nil, storageErr("write cooldown index", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO pending_events(id, source, event_type, dedup_key, meta, envelope, status, attempts, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?);
`, req.Envelope.ID, req.Envelope.Source, req.Envelope.EventType, req.DedupKey, string(metaJSON), string(envJSON),
		StatusPending, ms(now)); err != nil {
		return nil, storageErr("enqueue", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit accept", err)
	}

	return &PendingEvent{
		Envelope:  req.Envelope,
		Meta:      req.Meta,
		DedupKey:  req.DedupKey,
		Status:    StatusPending,
		CreatedAt: fromMS(ms(now)),
	}, nil
}

const pendingColumns = `id, dedup_key, meta, envelope, sanitized, status, attempts, next_retry_at,
  lease_owner, lease_expires_at, first_attempt_at, last_error, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (*PendingEvent, error) {
	var (
		p          PendingEvent
		id         string
		metaS      string
		envS       string
		forward    sql.NullString
		status     string
		nextRetry  sql.NullInt64
		owner      sql.NullString
		leaseUntil sql.NullInt64
		firstTry   sql.NullInt64
		lastError  sql.NullString
		createdAt  int64
	)
	if err := row.Scan(&id, &p.DedupKey, &metaS, &envS, &forward, &status, &p.Attempts, &nextRetry,
		&owner, &leaseUntil, &firstTry, &lastError, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(envS), &p.Envelope); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(metaS), &p.Meta); err != nil {
		return nil, fmt.Errorf("decode meta %s: %w", id, err)
	}
	if forward.Valid {
		p.Forward = json.RawMessage(forward.String)
	}
	p.Status = Status(status)
	p.NextRetryAt = nullTime(nextRetry)
	p.LeaseOwner = owner.String
	p.LeaseExpiresAt = nullTime(leaseUntil)
	p.FirstAttemptAt = nullTime(firstTry)
	p.LastError = lastError.String
	p.CreatedAt = fromMS(createdAt)
	return &p, nil
}

// Lease claims the oldest due event for owner until now+ttl and counts the
// attempt. Due means pending with no retry time or a past one, or in flight
// under an expired lease (its worker is gone). Returns ErrEmpty when idle.
func (s *Store) Lease(ctx context.Context, owner string, ttl time.Duration) (*PendingEvent, error) {
	if owner == "" {
		return nil, fmt.Errorf("lease: owner is empty")
	}
	now := ms(s.now())

	row := s.db.QueryRowContext(ctx, `
UPDATE pending_events
SET status = ?, lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1,
    first_attempt_at = COALESCE(first_attempt_at, ?)
WHERE id = (
  SELECT id FROM pending_events
  WHERE (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
     OR (status = ? AND lease_expires_at <= ?)
  ORDER BY COALESCE(next_retry_at, created_at) ASC, created_at ASC, rowid ASC
  LIMIT 1
)
RETURNING `+pendingColumns+`;
`, StatusInFlight, owner, now+ttl.Milliseconds(), now, StatusPending, now, StatusInFlight, now)

	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	return p, nil
}

// guarded runs an owner-guarded UPDATE/DELETE and maps zero affected rows to
// ErrLeaseLost.
func guarded(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SaveSanitized stores the forward body computed before the first attempt.
func (s *Store) SaveSanitized(ctx context.Context, id, owner string, body json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE pending_events SET sanitized = ?
WHERE id = ? AND lease_owner = ? AND status = ?;
`, string(body), id, owner, StatusInFlight)
	return guarded(res, err, "save sanitized")
}

// Complete removes a successfully forwarded event and, if it was a replay,
// its DLQ entry.
func (s *Store) Complete(ctx context.Context, id, owner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
DELETE FROM pending_events WHERE id = ? AND lease_owner = ? AND status = ?;
`, id, owner, StatusInFlight)
	if err := guarded(res, err, "complete"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dlq_events WHERE event_id = ?;`, id); err != nil {
		return fmt.Errorf("clear replayed dlq entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

// Retry returns a leased event to pending, due at next.
func (s *Store) Retry(ctx context.Context, id, owner string, next time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE pending_events
SET status = ?, next_retry_at = ?, last_error = ?, lease_owner = NULL, lease_expires_at = NULL
WHERE id = ? AND lease_owner = ? AND status = ?;
`, StatusPending, ms(next), reason, id, owner, StatusInFlight)
	return guarded(res, err, "retry")
}

// DeadLetter moves a leased event to the DLQ with reason. The delivery key is
// released so a producer redelivery of the same delivery is accepted again;
// a later replay detects that through the dedup index.
func (s *Store) DeadLetter(ctx context.Context, id, owner, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead-letter: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPending(tx.QueryRowContext(ctx, `
SELECT `+pendingColumns+` FROM pending_events
WHERE id = ? AND lease_owner = ? AND status = ?;
`, id, owner, StatusInFlight))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("load event for dead-letter: %w", err)
	}

	envJSON, err := json.Marshal(p.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	metaJSON, err := json.Marshal(p.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	now := ms(s.now())
	if _, err := tx.ExecContext(ctx, `
INSERT INTO dlq_events(event_id, source, event_type, dedup_key, meta, envelope, failure_reason, attempts, replay_count, failed_at, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(event_id) DO UPDATE SET
  failure_reason = excluded.failure_reason,
  attempts = excluded.attempts,
  failed_at = excluded.failed_at;
`, id, p.Envelope.Source, p.Envelope.EventType, p.DedupKey, string(metaJSON), string(envJSON),
		reason, p.Attempts, now, ms(p.CreatedAt)); err != nil {
		return fmt.Errorf("insert dlq entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_events WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("remove pending event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dedup_index WHERE key = ?;`, p.DedupKey); err != nil {
		return fmt.Errorf("release dedup key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead-letter: %w", err)
	}
	s.logger.Warn("event dead-lettered", "event_id", id, "source", p.Envelope.Source, "attempts", p.Attempts, "reason", reason)
	return nil
}

// ReleaseLeases returns every event leased by owner to pending. Called on
// shutdown so unfinished work resurfaces on the next start.
func (s *Store) ReleaseLeases(ctx context.Context, owner string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE pending_events
SET status = ?, lease_owner = NULL, lease_expires_at = NULL
WHERE status = ? AND lease_owner = ?;
`, StatusPending, StatusInFlight, owner)
	if err != nil {
		return 0, fmt.Errorf("release leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReclaimExpired returns events whose lease has expired to pending.
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE pending_events
SET status = ?, lease_owner = NULL, lease_expires_at = NULL
WHERE status = ? AND lease_expires_at <= ?;
`, StatusPending, StatusInFlight, ms(s.now()))
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneDedup deletes delivery keys older than the dedup TTL.
func (s *Store) PruneDedup(ctx context.Context) (int, error) {
	if s.dedupTTL <= 0 {
		return 0, nil
	}
	cutoff := ms(s.now().Add(-s.dedupTTL))
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup_index WHERE created_at <= ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune dedup index: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
