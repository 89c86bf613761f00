// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismlite

import "time"

// Resolution is the outcome of comparing a local row against a pulled
// remote row.
type Resolution int

const (
	// ResolutionStale means the remote row carries nothing new; the local
	// copy is left untouched. Includes the idempotent-replay case of equal
	// versions with identical content.
	ResolutionStale Resolution = iota
	// ResolutionNewer means the remote row wins and overwrites the local
	// fields and version.
	ResolutionNewer
	// ResolutionConflict means both sides changed independently (equal
	// versions, divergent content); the local row is flagged for manual
	// resolution and kept as-is.
	ResolutionConflict
	// ResolutionDeletePriority means a remote tombstone newer than the
	// local update soft-deletes the local row regardless of version
	// numbers. Delete outranks update so deleted data is never resurrected
	// by a concurrent edit.
	ResolutionDeletePriority
)

func (r Resolution) String() string {
	switch r {
	case ResolutionStale:
		return "stale"
	case ResolutionNewer:
		return "newer"
	case ResolutionConflict:
		return "conflict"
	case ResolutionDeletePriority:
		return "delete-priority"
	default:
		return "unknown"
	}
}

// RowState is the sync metadata of one row, local or remote.
type RowState struct {
	Version   int64
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Resolve decides whether a pulled remote row overwrites the local copy.
// sameContent reports whether the business fields of both rows are equal;
// it only matters when the versions tie.
func Resolve(local, remote RowState, sameContent bool) Resolution {
	if remote.DeletedAt != nil && remote.DeletedAt.After(local.UpdatedAt) {
		return ResolutionDeletePriority
	}
	switch {
	case remote.Version > local.Version:
		return ResolutionNewer
	case remote.Version < local.Version:
		return ResolutionStale
	}
	if sameContent {
		return ResolutionStale
	}
	return ResolutionConflict
}
