// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Outbox item statuses. Items move strictly forward
// (queued -> sending -> done|error); errored items return to queued only
// through an explicit RequeueErrors call.
const (
	StatusQueued  = "queued"
	StatusSending = "sending"
	StatusDone    = "done"
	StatusError   = "error"
)

// OutboxItem is one pending local mutation awaiting transmission.
type OutboxItem struct {
	ID         int64
	Entity     string
	EntityID   string
	Op         string
	Payload    json.RawMessage
	ClientTime time.Time
	Status     string
	TryCount   int
	LastError  string
}

// enqueueInTx appends an outbox entry inside the transaction of the local
// mutation it accompanies. Durability invariant: either both the entity
// write and the queue entry commit, or neither does.
func enqueueInTx(ctx context.Context, tx *sql.Tx, entity, entityID, op string, payload []byte, clientTime time.Time) error {
	var payloadArg any
	if payload != nil {
		payloadArg = string(payload)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_queue (entity, entity_id, op, payload, client_time, status, try_count)
		VALUES (?, ?, ?, ?, ?, 'queued', 0)
	`, entity, entityID, op, payloadArg, formatTime(clientTime))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox item: %w", err)
	}
	return nil
}

// QueuedItems returns up to limit queued items in FIFO order (oldest client
// time first). Items whose try_count reached maxTry are held back;
// maxTry <= 0 means unbounded retries.
func (s *Store) QueuedItems(ctx context.Context, limit, maxTry int) ([]OutboxItem, error) {
	query := `
		SELECT id, entity, entity_id, op, payload, client_time, status, try_count, last_error
		FROM outbox_queue
		WHERE status = 'queued'`
	args := []any{}
	if maxTry > 0 {
		query += ` AND try_count < ?`
		args = append(args, maxTry)
	}
	query += ` ORDER BY client_time, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()
	return scanOutboxItems(rows)
}

// OutboxItems returns items in the given status, oldest first. An empty
// status returns everything.
func (s *Store) OutboxItems(ctx context.Context, status string, limit int) ([]OutboxItem, error) {
	query := `
		SELECT id, entity, entity_id, op, payload, client_time, status, try_count, last_error
		FROM outbox_queue`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY client_time, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()
	return scanOutboxItems(rows)
}

func scanOutboxItems(rows *sql.Rows) ([]OutboxItem, error) {
	var items []OutboxItem
	for rows.Next() {
		var item OutboxItem
		var payload sql.NullString
		var clientTime string
		if err := rows.Scan(&item.ID, &item.Entity, &item.EntityID, &item.Op,
			&payload, &clientTime, &item.Status, &item.TryCount, &item.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox item: %w", err)
		}
		if payload.Valid {
			item.Payload = json.RawMessage(payload.String)
		}
		t, err := parseTime(clientTime)
		if err != nil {
			return nil, err
		}
		item.ClientTime = t
		items = append(items, item)
	}
	return items, rows.Err()
}

// markSending transitions the given queued items to sending in one
// transaction, immediately before they go on the wire.
func (s *Store) markSending(ctx context.Context, ids []int64) error {
	return s.updateStatus(ctx, ids, StatusQueued, StatusSending)
}

// revertSending returns in-flight items to queued after a transport failure
// so the next cycle retries them. Never leaves items stuck in sending.
func (s *Store) revertSending(ctx context.Context, ids []int64) error {
	return s.updateStatus(ctx, ids, StatusSending, StatusQueued)
}

func (s *Store) updateStatus(ctx context.Context, ids []int64, from, to string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{to, from}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_queue SET status = ? WHERE status = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox status %s->%s: %w", from, to, err)
	}
	return nil
}

// markItemDone finalizes a successfully applied item. Done payloads are
// never mutated afterwards.
func (s *Store) markItemDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_queue SET status = 'done', try_count = try_count + 1, last_error = ''
		WHERE id = ? AND status = 'sending'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox item %d done: %w", id, err)
	}
	return nil
}

// markItemError records a per-item failure without blocking the rest of the
// batch. The item stays visible for manual inspection and retry.
func (s *Store) markItemError(ctx context.Context, id int64, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_queue SET status = 'error', try_count = try_count + 1, last_error = ?
		WHERE id = ? AND status = 'sending'
	`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox item %d errored: %w", id, err)
	}
	return nil
}

// ErrorItems returns items that the server rejected, for the error list in
// the UI.
func (s *Store) ErrorItems(ctx context.Context, limit int) ([]OutboxItem, error) {
	return s.OutboxItems(ctx, StatusError, limit)
}

// RequeueErrors puts every errored item back in the queue for the next
// cycle. This is the user-initiated retry path; try counts are preserved.
func (s *Store) RequeueErrors(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_queue SET status = 'queued' WHERE status = 'error'`)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue errored items: %w", err)
	}
	return res.RowsAffected()
}

// ClearDone removes completed items. Explicit maintenance action; nothing
// else ever deletes queue entries.
func (s *Store) ClearDone(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox_queue WHERE status = 'done'`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear done items: %w", err)
	}
	return res.RowsAffected()
}
