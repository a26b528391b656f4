// Package store provides the durable storage layer for the sync engine.
//
// It wraps an embedded SQLite database (libSQL-compatible) holding the
// per-family event log plus the family, child, device and pending-push
// tables. The event log is the source of truth; everything else is either
// registration state or dispatch bookkeeping.
//
// The database runs in WAL mode so reads proceed concurrently with the
// single writer per family that the event log layer enforces.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store wraps the database connection used by every engine component.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// Plain paths open an embedded SQLite file (created if missing, along with
// its parent directory). A DSN beginning with "libsql://" selects the libSQL
// driver for hosted-replica deployments and requires the libsql build tag.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	driver, dsn, err := driverFor(path)
	if err != nil {
		return nil, err
	}

	if driver == "sqlite3" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	// WAL keeps readers unblocked while a family's append is in flight.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the path or DSN the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS families (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS children (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		name TEXT NOT NULL,
		birth_date TEXT,
		FOREIGN KEY (family_id) REFERENCES families(id)
	);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT '',
		push_token TEXT,
		last_acked_seq INTEGER NOT NULL DEFAULT 0,
		last_seen_at TEXT NOT NULL,
		FOREIGN KEY (family_id) REFERENCES families(id)
	);

	-- The append-only event log. (family_id, seq) is the ordering authority;
	-- the idempotency index is the backstop against retransmitted creates.
	CREATE TABLE IF NOT EXISTS events (
		family_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		author_device_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		server_ts TEXT NOT NULL,
		client_ts TEXT NOT NULL,
		PRIMARY KEY (family_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_idem
	    ON events(family_id, idempotency_key);

	-- Durable push bookkeeping: one row per (device, event) awaiting delivery.
	CREATE TABLE IF NOT EXISTS push_pending (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		family_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		event_seq INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_devices_family ON devices(family_id);
	CREATE INDEX IF NOT EXISTS idx_children_family ON children(family_id);
	CREATE INDEX IF NOT EXISTS idx_push_pending_due ON push_pending(next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_push_pending_device ON push_pending(device_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
