// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogFilter selects which sync log entries to return.
type LogFilter string

const (
	LogFilterAll     LogFilter = "all"
	LogFilterSuccess LogFilter = "success"
	LogFilterError   LogFilter = "error"
)

// PushStats summarizes the push phase of one sync cycle.
type PushStats struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// CollectionStats counts pull-phase effects on one collection.
type CollectionStats struct {
	Upserts int `json:"upserts"`
	Deletes int `json:"deletes"`
}

// PullStats summarizes the pull phase of one sync cycle.
type PullStats struct {
	Contacts CollectionStats `json:"contacts"`
	Groups   CollectionStats `json:"groups"`
	Total    int             `json:"total"`
}

// SyncLogEntry is the immutable audit record of one sync cycle. Appended
// exclusively by the sync engine, never mutated, removed only by an
// explicit ClearSyncLogs.
type SyncLogEntry struct {
	ID             int64      `json:"id"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        time.Time  `json:"endedAt"`
	DurationMs     int64      `json:"durationMs"`
	OK             bool       `json:"ok"`
	TryCount       int        `json:"tryCount"`
	Push           PushStats  `json:"pushStats"`
	Pull           PullStats  `json:"pullStats"`
	EndpointUsed   string     `json:"endpointUsed"`
	LastSyncBefore *time.Time `json:"lastSyncBefore,omitempty"`
	LastSyncAfter  *time.Time `json:"lastSyncAfter,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// AppendSyncLog persists one cycle record and fills in the entry ID.
func (s *Store) AppendSyncLog(ctx context.Context, e *SyncLogEntry) error {
	ok := 0
	if e.OK {
		ok = 1
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (started_at, ended_at, duration_ms, ok, try_count,
			push_attempted, push_sent, push_applied, push_conflicts, push_errors,
			pull_contact_upserts, pull_contact_deletes, pull_group_upserts, pull_group_deletes, pull_total,
			endpoint_used, last_sync_before, last_sync_after, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, formatTime(e.StartedAt), formatTime(e.EndedAt), e.DurationMs, ok, e.TryCount,
		e.Push.Attempted, e.Push.Sent, e.Push.Applied, e.Push.Conflicts, e.Push.Errors,
		e.Pull.Contacts.Upserts, e.Pull.Contacts.Deletes,
		e.Pull.Groups.Upserts, e.Pull.Groups.Deletes, e.Pull.Total,
		e.EndpointUsed, formatNullTime(e.LastSyncBefore), formatNullTime(e.LastSyncAfter), e.Error)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read sync log id: %w", err)
	}
	return nil
}

// SyncLogs returns up to limit entries, most recent first.
func (s *Store) SyncLogs(ctx context.Context, filter LogFilter, limit int) ([]SyncLogEntry, error) {
	query := `
		SELECT id, started_at, ended_at, duration_ms, ok, try_count,
			push_attempted, push_sent, push_applied, push_conflicts, push_errors,
			pull_contact_upserts, pull_contact_deletes, pull_group_upserts, pull_group_deletes, pull_total,
			endpoint_used, last_sync_before, last_sync_after, error
		FROM sync_logs`
	switch filter {
	case LogFilterSuccess:
		query += ` WHERE ok = 1`
	case LogFilterError:
		query += ` WHERE ok = 0`
	case LogFilterAll, "":
	default:
		return nil, fmt.Errorf("unknown log filter %q", filter)
	}
	query += ` ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var entries []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		var startedAt, endedAt string
		var before, after sql.NullString
		var ok int
		if err := rows.Scan(&e.ID, &startedAt, &endedAt, &e.DurationMs, &ok, &e.TryCount,
			&e.Push.Attempted, &e.Push.Sent, &e.Push.Applied, &e.Push.Conflicts, &e.Push.Errors,
			&e.Pull.Contacts.Upserts, &e.Pull.Contacts.Deletes,
			&e.Pull.Groups.Upserts, &e.Pull.Groups.Deletes, &e.Pull.Total,
			&e.EndpointUsed, &before, &after, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		e.OK = ok != 0
		if e.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if e.EndedAt, err = parseTime(endedAt); err != nil {
			return nil, err
		}
		if e.LastSyncBefore, err = parseNullTime(before); err != nil {
			return nil, err
		}
		if e.LastSyncAfter, err = parseNullTime(after); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearSyncLogs removes all entries. Explicit administrative action.
func (s *Store) ClearSyncLogs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_logs`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear sync logs: %w", err)
	}
	return res.RowsAffected()
}
