package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqlitePragmas are applied on every connection the driver opens.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(FULL)",
	"foreign_keys(1)",
}

// OpenSQLite opens (and creates if needed) the relay database at path,
// checks it lives on a local filesystem, and bootstraps the schema.
//
// The pool is capped at a single connection: the store is the relay's only
// shared mutable resource and every mutation goes through one writer.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}

// BootstrapSQLite creates tables and indexes if missing. Timestamps are
// stored as Unix milliseconds so range predicates compare numerically.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pending_events (
  id               TEXT PRIMARY KEY,
  source           TEXT NOT NULL,
  event_type       TEXT NOT NULL,
  dedup_key        TEXT NOT NULL,
  meta             JSON NOT NULL DEFAULT '{}',
  envelope         JSON NOT NULL,
  sanitized        JSON,
  status           TEXT NOT NULL,
  attempts         INTEGER NOT NULL DEFAULT 0,
  next_retry_at    INTEGER,
  lease_owner      TEXT,
  lease_expires_at INTEGER,
  first_attempt_at INTEGER,
  last_error       TEXT,
  created_at       INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS dlq_events (
  event_id       TEXT PRIMARY KEY,
  source         TEXT NOT NULL,
  event_type     TEXT NOT NULL,
  dedup_key      TEXT NOT NULL,
  meta           JSON NOT NULL DEFAULT '{}',
  envelope       JSON NOT NULL,
  failure_reason TEXT NOT NULL,
  attempts       INTEGER NOT NULL,
  replay_count   INTEGER NOT NULL DEFAULT 0,
  failed_at      INTEGER NOT NULL,
  created_at     INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS dedup_index (
  key        TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS cooldown_index (
  key              TEXT PRIMARY KEY,
  last_accepted_at INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  action     TEXT NOT NULL,
  event_id   TEXT NOT NULL,
  actor      TEXT NOT NULL,
  outcome    TEXT NOT NULL,
  digest     TEXT,
  detail     TEXT,
  created_at INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS health_probe (
  id         INTEGER PRIMARY KEY CHECK (id = 1),
  checked_at INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS pending_events_status_due_idx ON pending_events(status, next_retry_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS pending_events_lease_idx ON pending_events(status, lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS dedup_index_created_at_idx ON dedup_index(created_at);`,
		`CREATE INDEX IF NOT EXISTS dlq_events_failed_at_idx ON dlq_events(failed_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
