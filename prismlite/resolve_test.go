// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismlite

import (
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	later := base.Add(time.Hour)
	earlier := base.Add(-time.Hour)

	cases := []struct {
		name        string
		local       RowState
		remote      RowState
		sameContent bool
		want        Resolution
	}{
		{
			name:   "higher remote version wins",
			local:  RowState{Version: 2, UpdatedAt: base},
			remote: RowState{Version: 3, UpdatedAt: later},
			want:   ResolutionNewer,
		},
		{
			name:   "lower remote version is stale",
			local:  RowState{Version: 5, UpdatedAt: base},
			remote: RowState{Version: 4, UpdatedAt: later},
			want:   ResolutionStale,
		},
		{
			name:        "equal versions same content is idempotent replay",
			local:       RowState{Version: 3, UpdatedAt: base},
			remote:      RowState{Version: 3, UpdatedAt: base},
			sameContent: true,
			want:        ResolutionStale,
		},
		{
			name:   "equal versions divergent content is a conflict",
			local:  RowState{Version: 3, UpdatedAt: base},
			remote: RowState{Version: 3, UpdatedAt: later},
			want:   ResolutionConflict,
		},
		{
			name:   "newer remote tombstone outranks version numbers",
			local:  RowState{Version: 9, UpdatedAt: base},
			remote: RowState{Version: 1, UpdatedAt: later, DeletedAt: &later},
			want:   ResolutionDeletePriority,
		},
		{
			name:   "stale remote tombstone falls back to version comparison",
			local:  RowState{Version: 9, UpdatedAt: base},
			remote: RowState{Version: 1, UpdatedAt: earlier, DeletedAt: &earlier},
			want:   ResolutionStale,
		},
		{
			name:   "newer tombstone with higher version still delete-priority",
			local:  RowState{Version: 2, UpdatedAt: base},
			remote: RowState{Version: 7, UpdatedAt: later, DeletedAt: &later},
			want:   ResolutionDeletePriority,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.local, tc.remote, tc.sameContent)
			if got != tc.want {
				t.Fatalf("Resolve() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveVersionMonotonicity(t *testing.T) {
	// A remote row with version <= local must never win unless it is a
	// newer tombstone.
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for remoteVersion := int64(1); remoteVersion <= 5; remoteVersion++ {
		local := RowState{Version: 5, UpdatedAt: base}
		remote := RowState{Version: remoteVersion, UpdatedAt: base}
		got := Resolve(local, remote, remoteVersion == 5)
		if remoteVersion < 5 && got != ResolutionStale {
			t.Fatalf("remote version %d: got %v, want stale", remoteVersion, got)
		}
		if remoteVersion == 5 && got != ResolutionStale {
			t.Fatalf("equal version identical content: got %v, want stale", got)
		}
	}
}
