// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the server schema migrations.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
