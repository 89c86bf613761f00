// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// newTestService connects to the database named by TEST_DATABASE_URL and
// skips the test when it is not set, so the suite stays runnable without
// Postgres.
func newTestService(t *testing.T) *SyncService {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	svc, err := NewSyncService(pool, DefaultServiceConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return svc
}

// testUserID gives each test its own user so runs do not interfere.
func testUserID(t *testing.T) string {
	t.Helper()
	return "test-" + uuid.NewString()
}

var changeSeq atomic.Int64

func contactChange(t *testing.T, op string, rec ContactRecord) PushChange {
	t.Helper()
	payload, err := json.Marshal(rec)
	require.NoError(t, err)
	return PushChange{
		ChangeID:   changeSeq.Add(1),
		Entity:     EntityContacts,
		EntityID:   rec.ID,
		Op:         op,
		Payload:    payload,
		ClientTime: time.Now().UTC(),
	}
}

func TestPushInsertThenDelta(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := testUserID(t)

	now := time.Now().UTC()
	rec := ContactRecord{
		ID: uuid.NewString(), FirstName: "سارا", LastName: "کریمی",
		Phone: "+98 912 000 0000", Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	change := contactChange(t, OpInsert, rec)
	resp, err := svc.ProcessPush(ctx, userID, "device-a", &PushRequest{
		Batch:      []PushChange{change},
		ClientTime: now,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, StApplied, resp.Results[0].Status)
	require.Equal(t, change.ChangeID, resp.Results[0].ChangeID)
	require.NotNil(t, resp.Results[0].NewVersion)
	require.EqualValues(t, 1, *resp.Results[0].NewVersion)

	delta, err := svc.ProcessDelta(ctx, userID, nil)
	require.NoError(t, err)
	require.Len(t, delta.Contacts, 1)
	require.Equal(t, rec.ID, delta.Contacts[0].ID)
	require.Equal(t, "سارا", delta.Contacts[0].FirstName)
	require.False(t, delta.ServerTime.IsZero())
}

func TestPushIdempotentReplay(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := testUserID(t)

	now := time.Now().UTC()
	rec := ContactRecord{ID: uuid.NewString(), FirstName: "replay", Version: 1,
		CreatedAt: now, UpdatedAt: now}
	req := &PushRequest{Batch: []PushChange{contactChange(t, OpInsert, rec)}, ClientTime: now}

	for i := 0; i < 2; i++ {
		resp, err := svc.ProcessPush(ctx, userID, "device-a", req)
		require.NoError(t, err)
		require.Equal(t, StApplied, resp.Results[0].Status, "replay %d", i)
	}

	delta, err := svc.ProcessDelta(ctx, userID, nil)
	require.NoError(t, err)
	require.Len(t, delta.Contacts, 1)
}

func TestPushStaleVersionConflicts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := testUserID(t)

	now := time.Now().UTC()
	id := uuid.NewString()
	v2 := ContactRecord{ID: id, FirstName: "current", Version: 2, CreatedAt: now, UpdatedAt: now}
	resp, err := svc.ProcessPush(ctx, userID, "device-a", &PushRequest{
		Batch: []PushChange{contactChange(t, OpInsert, v2)}, ClientTime: now})
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Results[0].Status)

	// A second device pushing version 2 with different content loses.
	other := ContactRecord{ID: id, FirstName: "contender", Version: 2, CreatedAt: now, UpdatedAt: now}
	resp, err = svc.ProcessPush(ctx, userID, "device-b", &PushRequest{
		Batch: []PushChange{contactChange(t, OpUpdate, other)}, ClientTime: now})
	require.NoError(t, err)
	require.Equal(t, StConflict, resp.Results[0].Status)
	require.Contains(t, resp.Results[0].Message, "not newer")

	// Version 3 wins.
	other.Version = 3
	resp, err = svc.ProcessPush(ctx, userID, "device-b", &PushRequest{
		Batch: []PushChange{contactChange(t, OpUpdate, other)}, ClientTime: now})
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Results[0].Status)
}

func TestDeleteTombstonesAndDelta(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := testUserID(t)

	now := time.Now().UTC()
	rec := ContactRecord{ID: uuid.NewString(), FirstName: "doomed", Version: 1,
		CreatedAt: now, UpdatedAt: now}
	_, err := svc.ProcessPush(ctx, userID, "device-a", &PushRequest{
		Batch: []PushChange{contactChange(t, OpInsert, rec)}, ClientTime: now})
	require.NoError(t, err)

	before, err := svc.ProcessDelta(ctx, userID, nil)
	require.NoError(t, err)

	deletedAt := time.Now().UTC()
	tomb := ContactRecord{ID: rec.ID, Version: 2, UpdatedAt: deletedAt, DeletedAt: &deletedAt}
	resp, err := svc.ProcessPush(ctx, userID, "device-a", &PushRequest{
		Batch: []PushChange{contactChange(t, OpDelete, tomb)}, ClientTime: deletedAt})
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Results[0].Status)

	// Deleting again is idempotent.
	resp, err = svc.ProcessPush(ctx, userID, "device-a", &PushRequest{
		Batch: []PushChange{contactChange(t, OpDelete, tomb)}, ClientTime: deletedAt})
	require.NoError(t, err)
	require.Equal(t, StApplied, resp.Results[0].Status)

	// Incremental delta carries the tombstone to other devices.
	delta, err := svc.ProcessDelta(ctx, userID, &before.ServerTime)
	require.NoError(t, err)
	require.Len(t, delta.Contacts, 1)
	require.NotNil(t, delta.Contacts[0].DeletedAt)

	// Full snapshots leave tombstones out.
	snapshot, err := svc.ProcessDelta(ctx, userID, nil)
	require.NoError(t, err)
	require.Empty(t, snapshot.Contacts)
}

func TestUsersAreIsolated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userA, userB := testUserID(t), testUserID(t)

	now := time.Now().UTC()
	rec := ContactRecord{ID: uuid.NewString(), FirstName: "private", Version: 1,
		CreatedAt: now, UpdatedAt: now}
	_, err := svc.ProcessPush(ctx, userA, "device-a", &PushRequest{
		Batch: []PushChange{contactChange(t, OpInsert, rec)}, ClientTime: now})
	require.NoError(t, err)

	delta, err := svc.ProcessDelta(ctx, userB, nil)
	require.NoError(t, err)
	require.Empty(t, delta.Contacts)
}

func TestPushBatchCap(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	batch := make([]PushChange, svc.Config().MaxBatchSize+1)
	now := time.Now().UTC()
	for i := range batch {
		batch[i] = contactChange(t, OpInsert, ContactRecord{
			ID: uuid.NewString(), FirstName: fmt.Sprintf("bulk-%d", i), Version: 1,
			CreatedAt: now, UpdatedAt: now,
		})
	}
	_, err := svc.ProcessPush(ctx, testUserID(t), "device-a", &PushRequest{
		Batch: batch, ClientTime: now})
	require.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestPushRejectsOversizedPayload(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	userID := testUserID(t)

	now := time.Now().UTC()
	rec := ContactRecord{
		ID: uuid.NewString(), FirstName: "heavy",
		Company: strings.Repeat("x", svc.Config().MaxPayloadBytes+1),
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	resp, err := svc.ProcessPush(ctx, userID, "device-a", &PushRequest{
		Batch: []PushChange{contactChange(t, OpInsert, rec)}, ClientTime: now})
	require.NoError(t, err)
	require.Equal(t, StError, resp.Results[0].Status)

	delta, err := svc.ProcessDelta(ctx, userID, nil)
	require.NoError(t, err)
	require.Empty(t, delta.Contacts, "rejected payloads must not be stored")
}

func TestPushMalformedPayload(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	resp, err := svc.ProcessPush(ctx, testUserID(t), "device-a", &PushRequest{
		Batch: []PushChange{{
			ChangeID:   changeSeq.Add(1),
			Entity:     EntityContacts,
			EntityID:   uuid.NewString(),
			Op:         OpInsert,
			Payload:    json.RawMessage(`{"version": "not-a-number"}`),
			ClientTime: time.Now().UTC(),
		}},
		ClientTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, StError, resp.Results[0].Status)
}
