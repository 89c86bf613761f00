// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismsync

import (
	"encoding/json"
	"time"
)

// Wire models for the sync HTTP API. The prismlite client uses these same
// types when talking to the server, so the two sides cannot drift apart.

// Entity collection names accepted by the sync API.
const (
	EntityContacts = "contacts"
	EntityGroups   = "groups"
)

// Mutation operations carried by outbox items.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Per-item push statuses.
const (
	StApplied  = "applied"
	StConflict = "conflict"
	StError    = "error"
)

// ContactRecord is the wire representation of a contact row, business fields
// plus sync metadata. A non-nil DeletedAt marks a tombstone.
type ContactRecord struct {
	ID        string     `json:"id"`
	FirstName string     `json:"firstName"`
	LastName  string     `json:"lastName"`
	Phone     string     `json:"phone"`
	Email     string     `json:"email,omitempty"`
	Company   string     `json:"company,omitempty"`
	GroupID   *string    `json:"groupId,omitempty"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// GroupRecord is the wire representation of a contact group row.
type GroupRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Color     string     `json:"color,omitempty"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// DeltaResponse is the body of GET /sync-delta: every row changed since the
// requested checkpoint, plus the server clock reading the client must store
// as its next checkpoint.
type DeltaResponse struct {
	ServerTime time.Time       `json:"serverTime"`
	Contacts   []ContactRecord `json:"contacts"`
	Groups     []GroupRecord   `json:"groups"`
}

// PushChange is one queued client mutation inside a push batch.
// ChangeID is the client-assigned outbox row id; the server echoes it in
// the matching result, so correlation survives batches carrying several
// mutations of the same entity. Payload is the full entity record at
// mutation time (nil allowed only for deletes, where the entity id is all
// the server needs).
type PushChange struct {
	ChangeID   int64           `json:"changeId" validate:"required"`
	Entity     string          `json:"entity" validate:"required,oneof=contacts groups"`
	EntityID   string          `json:"entityId" validate:"required"`
	Op         string          `json:"op" validate:"required,oneof=insert update delete"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ClientTime time.Time       `json:"clientTime"`
}

// PushRequest is the body of POST /sync-push.
type PushRequest struct {
	Batch      []PushChange `json:"batch" validate:"required,min=1,dive"`
	ClientTime time.Time    `json:"clientTime"`
}

// PushResult reports the outcome of a single batch item. Order in the
// response is not guaranteed; clients correlate by changeId.
type PushResult struct {
	ChangeID   int64  `json:"changeId"`
	Entity     string `json:"entity"`
	EntityID   string `json:"entityId"`
	Status     string `json:"status"`
	NewVersion *int64 `json:"newVersion,omitempty"`
	Message    string `json:"message,omitempty"`
}

// PushResponse is the body of the push endpoint response.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// ErrorResponse is the JSON error envelope for all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse is returned by GET /sync-status.
type StatusResponse struct {
	Status  string `json:"status"`
	AppName string `json:"app_name"`
	Version string `json:"version"`
}

// SameContactContent reports whether two contact records carry the same
// business fields, ignoring sync metadata. Used on both sides to tell an
// idempotent replay apart from a genuine concurrent edit.
func SameContactContent(a, b ContactRecord) bool {
	if a.FirstName != b.FirstName || a.LastName != b.LastName ||
		a.Phone != b.Phone || a.Email != b.Email || a.Company != b.Company {
		return false
	}
	if (a.GroupID == nil) != (b.GroupID == nil) {
		return false
	}
	if a.GroupID != nil && *a.GroupID != *b.GroupID {
		return false
	}
	return (a.DeletedAt == nil) == (b.DeletedAt == nil)
}

// SameGroupContent is the group analogue of SameContactContent.
func SameGroupContent(a, b GroupRecord) bool {
	if a.Name != b.Name || a.Color != b.Color {
		return false
	}
	return (a.DeletedAt == nil) == (b.DeletedAt == nil)
}
