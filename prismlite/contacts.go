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

// ErrNotFound is returned when an entity does not exist or is soft-deleted.
var ErrNotFound = errors.New("entity not found")

// CreateContact inserts a new contact (version 1) and enqueues the matching
// outbox entry in the same transaction. An empty ID gets a fresh UUID.
func (s *Store) CreateContact(ctx context.Context, c *Contact) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	c.DeletedAt = nil
	c.Conflict = false

	payload, err := json.Marshal(c.Record())
	if err != nil {
		return fmt.Errorf("failed to marshal contact payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contacts (id, first_name, last_name, phone, email, company, group_id,
			version, created_at, updated_at, deleted_at, conflict)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, NULL, 0)
	`, c.ID, c.FirstName, c.LastName, c.Phone, c.Email, c.Company, c.GroupID,
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert contact: %w", err)
	}
	if err := enqueueInTx(ctx, tx, prismsync.EntityContacts, c.ID, prismsync.OpInsert, payload, now); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateContact overwrites the business fields of an existing contact,
// bumps its version and enqueues the outbox entry atomically.
func (s *Store) UpdateContact(ctx context.Context, c *Contact) error {
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
		`SELECT version, created_at FROM contacts WHERE id = ? AND deleted_at IS NULL`,
		c.ID).Scan(&version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("contact %s: %w", c.ID, ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to read contact: %w", err)
	}

	now := time.Now().UTC()
	c.Version = version + 1
	c.UpdatedAt = now
	c.DeletedAt = nil
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE contacts
		SET first_name = ?, last_name = ?, phone = ?, email = ?, company = ?, group_id = ?,
			version = ?, updated_at = ?, conflict = 0
		WHERE id = ?
	`, c.FirstName, c.LastName, c.Phone, c.Email, c.Company, c.GroupID,
		c.Version, formatTime(now), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}

	payload, err := json.Marshal(c.Record())
	if err != nil {
		return fmt.Errorf("failed to marshal contact payload: %w", err)
	}
	if err := enqueueInTx(ctx, tx, prismsync.EntityContacts, c.ID, prismsync.OpUpdate, payload, now); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteContact soft-deletes a contact (tombstone) and enqueues the delete.
// The row is kept so the deletion can propagate to other devices.
func (s *Store) DeleteContact(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM contacts WHERE id = ? AND deleted_at IS NULL`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("contact %s: %w", id, ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to read contact: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE contacts SET deleted_at = ?, updated_at = ?, version = ? WHERE id = ?
	`, formatTime(now), formatTime(now), version+1, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete contact: %w", err)
	}

	payload, err := json.Marshal(prismsync.ContactRecord{
		ID: id, Version: version + 1, UpdatedAt: now, DeletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tombstone payload: %w", err)
	}
	if err := enqueueInTx(ctx, tx, prismsync.EntityContacts, id, prismsync.OpDelete, payload, now); err != nil {
		return err
	}
	return tx.Commit()
}

// GetContact returns a contact visible to the UI (soft-deleted rows are
// excluded).
func (s *Store) GetContact(ctx context.Context, id string) (*Contact, error) {
	c, err := s.getContactAny(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil || c.DeletedAt != nil {
		return nil, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// ListContacts returns all contacts that are not soft-deleted, sorted by
// name.
func (s *Store) ListContacts(ctx context.Context) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, phone, email, company, group_id,
			version, created_at, updated_at, deleted_at, conflict
		FROM contacts
		WHERE deleted_at IS NULL
		ORDER BY first_name, last_name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// getContactAny reads a contact including tombstones. Returns (nil, nil)
// when the row does not exist; used by the pull phase.
func (s *Store) getContactAny(ctx context.Context, id string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, phone, email, company, group_id,
			version, created_at, updated_at, deleted_at, conflict
		FROM contacts WHERE id = ?
	`, id)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	var groupID sql.NullString
	var createdAt, updatedAt string
	var deletedAt sql.NullString
	var conflict int
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Phone, &c.Email, &c.Company,
		&groupID, &c.Version, &createdAt, &updatedAt, &deletedAt, &conflict)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}
	if groupID.Valid {
		c.GroupID = &groupID.String
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if c.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	c.Conflict = conflict != 0
	return &c, nil
}

// upsertRemoteContact materializes a pulled remote row, overwriting local
// fields, version and tombstone state. No outbox entry is written: remote
// applies must never echo back to the server.
func (s *Store) upsertRemoteContact(ctx context.Context, rec prismsync.ContactRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, first_name, last_name, phone, email, company, group_id,
			version, created_at, updated_at, deleted_at, conflict)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name  = excluded.last_name,
			phone      = excluded.phone,
			email      = excluded.email,
			company    = excluded.company,
			group_id   = excluded.group_id,
			version    = excluded.version,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			conflict   = 0
	`, rec.ID, rec.FirstName, rec.LastName, rec.Phone, rec.Email, rec.Company, rec.GroupID,
		rec.Version, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatNullTime(rec.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert remote contact %s: %w", rec.ID, err)
	}
	return nil
}

// softDeleteRemoteContact applies a remote tombstone while keeping the
// local business fields (delete-priority path). The version is raised to
// the remote one when higher, never lowered.
func (s *Store) softDeleteRemoteContact(ctx context.Context, id string, deletedAt time.Time, remoteVersion int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts
		SET deleted_at = ?, updated_at = ?,
			version = CASE WHEN version < ? THEN ? ELSE version END,
			conflict = 0
		WHERE id = ?
	`, formatTime(deletedAt), formatTime(deletedAt), remoteVersion, remoteVersion, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete contact %s: %w", id, err)
	}
	return nil
}

// markContactConflict flags a contact whose remote copy diverged, for
// manual resolution in the UI.
func (s *Store) markContactConflict(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE contacts SET conflict = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to flag contact conflict %s: %w", id, err)
	}
	return nil
}

// setContactVersion adopts the server-assigned version after a push item
// was applied.
func (s *Store) setContactVersion(ctx context.Context, id string, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET version = ? WHERE id = ? AND version < ?`, version, id, version)
	if err != nil {
		return fmt.Errorf("failed to set contact version %s: %w", id, err)
	}
	return nil
}
