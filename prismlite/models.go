// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismlite

import (
	"time"

	"github.com/mcuteangel/Contacts-prism-sub001/prismsync"
)

// Contact is the local copy of a contact row. Version, UpdatedAt and
// DeletedAt are the sync metadata; Conflict is a local-only flag set when a
// pull finds a divergent remote copy that cannot be auto-merged.
type Contact struct {
	ID        string
	FirstName string
	LastName  string
	Phone     string
	Email     string
	Company   string
	GroupID   *string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
	Conflict  bool
}

// Record converts the local contact to its wire representation.
func (c *Contact) Record() prismsync.ContactRecord {
	return prismsync.ContactRecord{
		ID:        c.ID,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Phone:     c.Phone,
		Email:     c.Email,
		Company:   c.Company,
		GroupID:   c.GroupID,
		Version:   c.Version,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		DeletedAt: c.DeletedAt,
	}
}

func (c *Contact) rowState() RowState {
	return RowState{Version: c.Version, UpdatedAt: c.UpdatedAt, DeletedAt: c.DeletedAt}
}

// Group is the local copy of a contact group row.
type Group struct {
	ID        string
	Name      string
	Color     string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
	Conflict  bool
}

// Record converts the local group to its wire representation.
func (g *Group) Record() prismsync.GroupRecord {
	return prismsync.GroupRecord{
		ID:        g.ID,
		Name:      g.Name,
		Color:     g.Color,
		Version:   g.Version,
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
		DeletedAt: g.DeletedAt,
	}
}

func (g *Group) rowState() RowState {
	return RowState{Version: g.Version, UpdatedAt: g.UpdatedAt, DeletedAt: g.DeletedAt}
}

func remoteContactState(rec prismsync.ContactRecord) RowState {
	return RowState{Version: rec.Version, UpdatedAt: rec.UpdatedAt, DeletedAt: rec.DeletedAt}
}

func remoteGroupState(rec prismsync.GroupRecord) RowState {
	return RowState{Version: rec.Version, UpdatedAt: rec.UpdatedAt, DeletedAt: rec.DeletedAt}
}
