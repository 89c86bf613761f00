// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

// Package prismlite is the local-first client core of the Contacts-prism
// application: a SQLite store for contacts and groups, a durable outbox of
// pending mutations, a push/pull sync engine with conflict resolution, and
// an append-only sync log.
package prismlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the client database: business rows, the outbox queue, sync
// logs and the sync checkpoint/credential state. All mutations run inside
// SQLite transactions; writes are serialized to avoid SQLite lock churn.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
}

// Open opens (or creates) the client database at path and initializes the
// schema. Use ":memory:" for throwaway databases in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing SQLite handle and initializes the schema.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for read-only consumers (live queries in
// the UI layer). Writers must go through Store methods.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS groups (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			color      TEXT NOT NULL DEFAULT '',
			version    INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT,
			conflict   INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS contacts (
			id         TEXT PRIMARY KEY,
			first_name TEXT NOT NULL DEFAULT '',
			last_name  TEXT NOT NULL DEFAULT '',
			phone      TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL DEFAULT '',
			company    TEXT NOT NULL DEFAULT '',
			group_id   TEXT,
			version    INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT,
			conflict   INTEGER NOT NULL DEFAULT 0
		)`,

		// Durable queue of pending mutations. One row per logical mutation,
		// status moves strictly forward: queued -> sending -> done|error.
		`CREATE TABLE IF NOT EXISTS outbox_queue (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			entity      TEXT NOT NULL CHECK (entity IN ('contacts','groups')),
			entity_id   TEXT NOT NULL,
			op          TEXT NOT NULL CHECK (op IN ('insert','update','delete')),
			payload     TEXT,
			client_time TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'queued'
				CHECK (status IN ('queued','sending','done','error')),
			try_count   INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_outbox_status
			ON outbox_queue (status, client_time, id)`,

		// Append-only audit trail, one row per completed sync cycle.
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at           TEXT NOT NULL,
			ended_at             TEXT NOT NULL,
			duration_ms          INTEGER NOT NULL,
			ok                   INTEGER NOT NULL,
			try_count            INTEGER NOT NULL DEFAULT 1,
			push_attempted       INTEGER NOT NULL DEFAULT 0,
			push_sent            INTEGER NOT NULL DEFAULT 0,
			push_applied         INTEGER NOT NULL DEFAULT 0,
			push_conflicts       INTEGER NOT NULL DEFAULT 0,
			push_errors          INTEGER NOT NULL DEFAULT 0,
			pull_contact_upserts INTEGER NOT NULL DEFAULT 0,
			pull_contact_deletes INTEGER NOT NULL DEFAULT 0,
			pull_group_upserts   INTEGER NOT NULL DEFAULT 0,
			pull_group_deletes   INTEGER NOT NULL DEFAULT 0,
			pull_total           INTEGER NOT NULL DEFAULT 0,
			endpoint_used        TEXT NOT NULL DEFAULT '',
			last_sync_before     TEXT,
			last_sync_after      TEXT,
			error                TEXT NOT NULL DEFAULT ''
		)`,

		// Single-row checkpoint and credential state.
		`CREATE TABLE IF NOT EXISTS sync_state (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			last_sync    TEXT,
			endpoint     TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if _, err := db.Exec(`INSERT OR IGNORE INTO sync_state (id) VALUES (1)`); err != nil {
		return fmt.Errorf("failed to seed sync state: %w", err)
	}
	return nil
}

// Checkpoint returns the timestamp of the last successful pull, or nil when
// the client has never completed a pull.
func (s *Store) Checkpoint(ctx context.Context) (*time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_sync FROM sync_state WHERE id = 1`).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return parseNullTime(raw)
}

// SetCheckpoint advances the pull checkpoint. Only the sync engine calls
// this, after a successful pull phase.
func (s *Store) SetCheckpoint(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET last_sync = ? WHERE id = 1`, formatTime(t))
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}
	return nil
}

// Credentials returns the stored sync endpoint and access token. Either may
// be empty when the user has not configured sync yet.
func (s *Store) Credentials(ctx context.Context) (endpoint, token string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT endpoint, access_token FROM sync_state WHERE id = 1`).Scan(&endpoint, &token)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials: %w", err)
	}
	return endpoint, token, nil
}

// SetCredentials stores the sync endpoint and access token.
func (s *Store) SetCredentials(ctx context.Context, endpoint, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET endpoint = ?, access_token = ? WHERE id = 1`, endpoint, token)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return nil
}

// Timestamps are stored as RFC 3339 text so rows stay readable in the DB
// browser and sortable lexicographically.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return t, nil
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
