// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcuteangel/Contacts-prism-sub001/prismsync"
)

// CreateGroup inserts a new group and enqueues the matching outbox entry in
// the same transaction.
func (s *Store) CreateGroup(ctx context.Context, g *Group) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	g.Version = 1
	g.CreatedAt = now
	g.UpdatedAt = now
	g.DeletedAt = nil
	g.Conflict = false

	payload, err := json.Marshal(g.Record())
	if err != nil {
		return fmt.Errorf("failed to marshal group payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (id, name, color, version, created_at, updated_at, deleted_at, conflict)
		VALUES (?, ?, ?, 1, ?, ?, NULL, 0)
	`, g.ID, g.Name, g.Color, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert group: %w", err)
	}
	if err := enqueueInTx(ctx, tx, prismsync.EntityGroups, g.ID, prismsync.OpInsert, payload, now); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateGroup overwrites the business fields of an existing group, bumps
// its version and enqueues the outbox entry atomically.
func (s *Store) UpdateGroup(ctx context.Context, g *Group) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int64
	var createdAt string
	err = tx.QueryRowContext(ctx,
		`SELECT version, created_at FROM groups WHERE id = ? AND deleted_at IS NULL`,
		g.ID).Scan(&version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("group %s: %w", g.ID, ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to read group: %w", err)
	}

	now := time.Now().UTC()
	g.Version = version + 1
	g.UpdatedAt = now
	g.DeletedAt = nil
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE groups SET name = ?, color = ?, version = ?, updated_at = ?, conflict = 0
		WHERE id = ?
	`, g.Name, g.Color, g.Version, formatTime(now), g.ID)
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}

	payload, err := json.Marshal(g.Record())
	if err != nil {
		return fmt.Errorf("failed to marshal group payload: %w", err)
	}
	if err := enqueueInTx(ctx, tx, prismsync.EntityGroups, g.ID, prismsync.OpUpdate, payload, now); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteGroup soft-deletes a group and enqueues the delete.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM groups WHERE id = ? AND deleted_at IS NULL`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("group %s: %w", id, ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to read group: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE groups SET deleted_at = ?, updated_at = ?, version = ? WHERE id = ?
	`, formatTime(now), formatTime(now), version+1, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete group: %w", err)
	}

	payload, err := json.Marshal(prismsync.GroupRecord{
		ID: id, Version: version + 1, UpdatedAt: now, DeletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tombstone payload: %w", err)
	}
	if err := enqueueInTx(ctx, tx, prismsync.EntityGroups, id, prismsync.OpDelete, payload, now); err != nil {
		return err
	}
	return tx.Commit()
}

// GetGroup returns a group visible to the UI.
func (s *Store) GetGroup(ctx context.Context, id string) (*Group, error) {
	g, err := s.getGroupAny(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil || g.DeletedAt != nil {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	return g, nil
}

// ListGroups returns all groups that are not soft-deleted.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, color, version, created_at, updated_at, deleted_at, conflict
		FROM groups
		WHERE deleted_at IS NULL
		ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func (s *Store) getGroupAny(ctx context.Context, id string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, color, version, created_at, updated_at, deleted_at, conflict
		FROM groups WHERE id = ?
	`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func scanGroup(row rowScanner) (*Group, error) {
	var g Group
	var createdAt, updatedAt string
	var deletedAt sql.NullString
	var conflict int
	err := row.Scan(&g.ID, &g.Name, &g.Color, &g.Version,
		&createdAt, &updatedAt, &deletedAt, &conflict)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if g.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	g.Conflict = conflict != 0
	return &g, nil
}

func (s *Store) upsertRemoteGroup(ctx context.Context, rec prismsync.GroupRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, color, version, created_at, updated_at, deleted_at, conflict)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			name       = excluded.name,
			color      = excluded.color,
			version    = excluded.version,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			conflict   = 0
	`, rec.ID, rec.Name, rec.Color, rec.Version,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatNullTime(rec.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert remote group %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) softDeleteRemoteGroup(ctx context.Context, id string, deletedAt time.Time, remoteVersion int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE groups
		SET deleted_at = ?, updated_at = ?,
			version = CASE WHEN version < ? THEN ? ELSE version END,
			conflict = 0
		WHERE id = ?
	`, formatTime(deletedAt), formatTime(deletedAt), remoteVersion, remoteVersion, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete group %s: %w", id, err)
	}
	return nil
}

func (s *Store) markGroupConflict(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE groups SET conflict = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to flag group conflict %s: %w", id, err)
	}
	return nil
}

func (s *Store) setGroupVersion(ctx context.Context, id string, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE groups SET version = ? WHERE id = ? AND version < ?`, version, id, version)
	if err != nil {
		return fmt.Errorf("failed to set group version %s: %w", id, err)
	}
	return nil
}
