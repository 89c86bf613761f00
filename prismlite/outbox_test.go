// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcuteangel/Contacts-prism-sub001/prismsync"
)

func TestEveryMutationEnqueues(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	c := &Contact{FirstName: "Reza"}
	require.NoError(t, store.CreateContact(ctx, c))
	c.LastName = "Karimi"
	require.NoError(t, store.UpdateContact(ctx, c))
	require.NoError(t, store.DeleteContact(ctx, c.ID))

	items, err := store.QueuedItems(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// FIFO by client time: the order mutations happened.
	require.Equal(t, prismsync.OpInsert, items[0].Op)
	require.Equal(t, prismsync.OpUpdate, items[1].Op)
	require.Equal(t, prismsync.OpDelete, items[2].Op)
	for _, item := range items {
		require.Equal(t, prismsync.EntityContacts, item.Entity)
		require.Equal(t, c.ID, item.EntityID)
		require.Equal(t, StatusQueued, item.Status)
		require.Zero(t, item.TryCount)
		require.NotEmpty(t, item.Payload)
	}
}

func TestOutboxStatusTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateContact(ctx, &Contact{FirstName: "A"}))
	require.NoError(t, store.CreateContact(ctx, &Contact{FirstName: "B"}))

	items, err := store.QueuedItems(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)

	ids := []int64{items[0].ID, items[1].ID}
	require.NoError(t, store.markSending(ctx, ids))

	// Items in flight are not picked up again.
	queued, err := store.QueuedItems(ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, queued)

	require.NoError(t, store.markItemDone(ctx, items[0].ID))
	require.NoError(t, store.markItemError(ctx, items[1].ID, "duplicate phone"))

	done, err := store.OutboxItems(ctx, StatusDone, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)

	errored, err := store.ErrorItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errored, 1)
	require.Equal(t, 1, errored[0].TryCount)
	require.Equal(t, "duplicate phone", errored[0].LastError)

	// Manual retry path puts errored items back in the queue.
	n, err := store.RequeueErrors(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	queued, err = store.QueuedItems(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	// Done items only leave through explicit maintenance.
	n, err = store.ClearDone(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	all, err := store.OutboxItems(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRevertSendingAfterTransportFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateGroup(ctx, &Group{Name: "همکاران"}))
	items, err := store.QueuedItems(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, store.markSending(ctx, []int64{items[0].ID}))
	require.NoError(t, store.revertSending(ctx, []int64{items[0].ID}))

	queued, err := store.QueuedItems(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Zero(t, queued[0].TryCount)
}

func TestQueuedItemsHonorsTryCap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.CreateContact(ctx, &Contact{FirstName: "C"}))
	items, err := store.QueuedItems(ctx, 10, 0)
	require.NoError(t, err)
	require.NoError(t, store.markSending(ctx, []int64{items[0].ID}))
	require.NoError(t, store.markItemError(ctx, items[0].ID, "rejected"))
	_, err = store.RequeueErrors(ctx)
	require.NoError(t, err)

	// try_count is now 1; a cap of 1 holds the item back, 0 means
	// unbounded retries.
	capped, err := store.QueuedItems(ctx, 10, 1)
	require.NoError(t, err)
	require.Empty(t, capped)

	unbounded, err := store.QueuedItems(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, unbounded, 1)
}
