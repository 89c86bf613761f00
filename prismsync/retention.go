// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismsync

import (
	"context"
	"fmt"
	"time"
)

// PurgeTombstones hard-deletes rows that were tombstoned before the
// retention horizon. Clients that have not synced within the retention
// window fall back to a full snapshot, so dropping old tombstones is safe.
// Returns the number of rows removed across both collections.
func (s *SyncService) PurgeTombstones(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	var total int64
	for _, table := range []string{"contacts", "groups"} {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM `+table+` WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to purge %s tombstones: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	if total > 0 {
		s.logger.Info("purged expired tombstones", "rows", total, "cutoff", cutoff)
	}
	return total, nil
}

// RunTombstoneJanitor purges expired tombstones on the given interval until
// the context is cancelled. Intended to run as one goroutine per server.
func (s *SyncService) RunTombstoneJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeTombstones(ctx, s.config.TombstoneRetention); err != nil {
				s.logger.Error("tombstone purge failed", "error", err)
			}
		}
	}
}
