// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrBatchTooLarge is returned when a push batch exceeds MaxBatchSize.
// Rejected as a whole so the client can re-chunk and retry.
var ErrBatchTooLarge = errors.New("push batch exceeds the configured maximum")

// ProcessPush applies a batch of client mutations, one result per item.
// Each item runs in its own transaction so a bad item never poisons the
// rest of the batch: its failure is isolated into an error result.
//
// Apply rules mirror the client's pull-side resolution: an insert/update
// with a strictly higher version than the stored row wins; an equal version
// with identical content is an idempotent replay (applied); an equal or
// lower version with divergent content is a conflict. Deletes tombstone the
// row - a hard delete could never propagate to the user's other devices -
// and deleting an absent or already-deleted row is applied (idempotent).
func (s *SyncService) ProcessPush(ctx context.Context, userID, sourceID string, req *PushRequest) (*PushResponse, error) {
	if s.config.MaxBatchSize > 0 && len(req.Batch) > s.config.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(req.Batch), s.config.MaxBatchSize)
	}

	resp := &PushResponse{Results: make([]PushResult, 0, len(req.Batch))}
	for _, change := range req.Batch {
		result := s.applyChange(ctx, userID, change)
		if result.Status != StApplied {
			s.logger.Debug("push item not applied",
				"user_id", userID, "source_id", sourceID,
				"entity", change.Entity, "entity_id", change.EntityID,
				"op", change.Op, "status", result.Status, "message", result.Message)
		}
		resp.Results = append(resp.Results, result)
	}
	return resp, nil
}

func (s *SyncService) applyChange(ctx context.Context, userID string, change PushChange) PushResult {
	result := PushResult{ChangeID: change.ChangeID, Entity: change.Entity, EntityID: change.EntityID}

	if s.config.MaxPayloadBytes > 0 && len(change.Payload) > s.config.MaxPayloadBytes {
		result.Status = StError
		result.Message = fmt.Sprintf("payload exceeds %d bytes", s.config.MaxPayloadBytes)
		return result
	}

	var status string
	var newVersion *int64
	var message string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		switch change.Entity {
		case EntityContacts:
			status, newVersion, message, err = s.applyContactChange(ctx, tx, userID, change)
		case EntityGroups:
			status, newVersion, message, err = s.applyGroupChange(ctx, tx, userID, change)
		default:
			status, message = StError, fmt.Sprintf("unknown entity %q", change.Entity)
		}
		return err
	})
	if err != nil {
		s.logger.Error("failed to apply push change",
			"entity", change.Entity, "entity_id", change.EntityID, "error", err)
		result.Status = StError
		result.Message = "internal error applying change"
		return result
	}

	result.Status = status
	result.NewVersion = newVersion
	result.Message = message
	return result
}

func (s *SyncService) applyContactChange(ctx context.Context, tx pgx.Tx, userID string, change PushChange) (string, *int64, string, error) {
	if change.Op == OpDelete {
		var version int64
		err := tx.QueryRow(ctx, `
			UPDATE contacts
			SET deleted_at = now(), updated_at = now(), version = version + 1
			WHERE user_id = $1 AND id = $2 AND deleted_at IS NULL
			RETURNING version
		`, userID, change.EntityID).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			// Absent or already tombstoned: the delete is idempotent.
			return StApplied, nil, "", nil
		} else if err != nil {
			return "", nil, "", fmt.Errorf("failed to tombstone contact: %w", err)
		}
		return StApplied, &version, "", nil
	}

	var rec ContactRecord
	if err := json.Unmarshal(change.Payload, &rec); err != nil {
		return StError, nil, fmt.Sprintf("malformed contact payload: %v", err), nil
	}
	if rec.ID == "" {
		rec.ID = change.EntityID
	}
	if rec.Version < 1 {
		rec.Version = 1
	}

	var cur ContactRecord
	err := tx.QueryRow(ctx, `
		SELECT first_name, last_name, phone, email, company, group_id, version, deleted_at
		FROM contacts WHERE user_id = $1 AND id = $2
	`, userID, change.EntityID).Scan(&cur.FirstName, &cur.LastName, &cur.Phone,
		&cur.Email, &cur.Company, &cur.GroupID, &cur.Version, &cur.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = tx.Exec(ctx, `
			INSERT INTO contacts (user_id, id, first_name, last_name, phone, email, company,
				group_id, version, created_at, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now(), NULL)
		`, userID, change.EntityID, rec.FirstName, rec.LastName, rec.Phone,
			rec.Email, rec.Company, rec.GroupID, rec.Version)
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to insert contact: %w", err)
		}
		return StApplied, &rec.Version, "", nil
	} else if err != nil {
		return "", nil, "", fmt.Errorf("failed to read contact: %w", err)
	}

	if rec.Version > cur.Version {
		_, err = tx.Exec(ctx, `
			UPDATE contacts
			SET first_name = $3, last_name = $4, phone = $5, email = $6, company = $7,
				group_id = $8, version = $9, updated_at = now(), deleted_at = NULL
			WHERE user_id = $1 AND id = $2
		`, userID, change.EntityID, rec.FirstName, rec.LastName, rec.Phone,
			rec.Email, rec.Company, rec.GroupID, rec.Version)
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to update contact: %w", err)
		}
		return StApplied, &rec.Version, "", nil
	}

	if rec.Version == cur.Version && SameContactContent(rec, cur) {
		version := cur.Version
		return StApplied, &version, "", nil
	}
	return StConflict, nil,
		fmt.Sprintf("incoming version %d is not newer than server version %d", rec.Version, cur.Version), nil
}

func (s *SyncService) applyGroupChange(ctx context.Context, tx pgx.Tx, userID string, change PushChange) (string, *int64, string, error) {
	if change.Op == OpDelete {
		var version int64
		err := tx.QueryRow(ctx, `
			UPDATE groups
			SET deleted_at = now(), updated_at = now(), version = version + 1
			WHERE user_id = $1 AND id = $2 AND deleted_at IS NULL
			RETURNING version
		`, userID, change.EntityID).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return StApplied, nil, "", nil
		} else if err != nil {
			return "", nil, "", fmt.Errorf("failed to tombstone group: %w", err)
		}
		return StApplied, &version, "", nil
	}

	var rec GroupRecord
	if err := json.Unmarshal(change.Payload, &rec); err != nil {
		return StError, nil, fmt.Sprintf("malformed group payload: %v", err), nil
	}
	if rec.ID == "" {
		rec.ID = change.EntityID
	}
	if rec.Version < 1 {
		rec.Version = 1
	}

	var cur GroupRecord
	err := tx.QueryRow(ctx, `
		SELECT name, color, version, deleted_at
		FROM groups WHERE user_id = $1 AND id = $2
	`, userID, change.EntityID).Scan(&cur.Name, &cur.Color, &cur.Version, &cur.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = tx.Exec(ctx, `
			INSERT INTO groups (user_id, id, name, color, version, created_at, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5, now(), now(), NULL)
		`, userID, change.EntityID, rec.Name, rec.Color, rec.Version)
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to insert group: %w", err)
		}
		return StApplied, &rec.Version, "", nil
	} else if err != nil {
		return "", nil, "", fmt.Errorf("failed to read group: %w", err)
	}

	if rec.Version > cur.Version {
		_, err = tx.Exec(ctx, `
			UPDATE groups
			SET name = $3, color = $4, version = $5, updated_at = now(), deleted_at = NULL
			WHERE user_id = $1 AND id = $2
		`, userID, change.EntityID, rec.Name, rec.Color, rec.Version)
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to update group: %w", err)
		}
		return StApplied, &rec.Version, "", nil
	}

	if rec.Version == cur.Version && SameGroupContent(rec, cur) {
		version := cur.Version
		return StApplied, &version, "", nil
	}
	return StConflict, nil,
		fmt.Sprintf("incoming version %d is not newer than server version %d", rec.Version, cur.Version), nil
}
