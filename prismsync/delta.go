// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismsync

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProcessDelta returns every row of the user changed after since, including
// tombstones so deletions propagate. A nil since means a full snapshot for
// a fresh client, which skips tombstones - there is nothing to undelete.
// ServerTime is read from the database clock inside the same transaction,
// so checkpoints are immune to client clock skew.
func (s *SyncService) ProcessDelta(ctx context.Context, userID string, since *time.Time) (*DeltaResponse, error) {
	resp := &DeltaResponse{
		Contacts: []ContactRecord{},
		Groups:   []GroupRecord{},
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&resp.ServerTime); err != nil {
			return fmt.Errorf("failed to read server time: %w", err)
		}

		contacts, err := s.deltaContacts(ctx, tx, userID, since)
		if err != nil {
			return err
		}
		resp.Contacts = contacts

		groups, err := s.deltaGroups(ctx, tx, userID, since)
		if err != nil {
			return err
		}
		resp.Groups = groups
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *SyncService) deltaContacts(ctx context.Context, tx pgx.Tx, userID string, since *time.Time) ([]ContactRecord, error) {
	query := `
		SELECT id, first_name, last_name, phone, email, company, group_id,
			version, created_at, updated_at, deleted_at
		FROM contacts
		WHERE user_id = $1`
	args := []any{userID}
	if since != nil {
		query += ` AND updated_at > $2`
		args = append(args, *since)
	} else {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY updated_at, id`

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contact delta: %w", err)
	}
	defer rows.Close()

	records := []ContactRecord{}
	for rows.Next() {
		var rec ContactRecord
		if err := rows.Scan(&rec.ID, &rec.FirstName, &rec.LastName, &rec.Phone,
			&rec.Email, &rec.Company, &rec.GroupID, &rec.Version,
			&rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contact delta row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SyncService) deltaGroups(ctx context.Context, tx pgx.Tx, userID string, since *time.Time) ([]GroupRecord, error) {
	query := `
		SELECT id, name, color, version, created_at, updated_at, deleted_at
		FROM groups
		WHERE user_id = $1`
	args := []any{userID}
	if since != nil {
		query += ` AND updated_at > $2`
		args = append(args, *since)
	} else {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY updated_at, id`

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query group delta: %w", err)
	}
	defer rows.Close()

	records := []GroupRecord{}
	for rows.Next() {
		var rec GroupRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Color, &rec.Version,
			&rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group delta row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
