// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

// Package prismsync is the server side of the Contacts-prism sync protocol:
// a Postgres-backed service exposing the delta-pull and batch-push
// endpoints, wire models shared with the prismlite client, JWT
// authentication and tombstone retention.
package prismsync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceConfig holds sync service tuning.
type ServiceConfig struct {
	AppName            string
	MaxBatchSize       int           // push batch cap, 0 = unlimited
	MaxPayloadBytes    int           // per-item payload cap, 0 = unlimited
	TombstoneRetention time.Duration // how long deleted rows are kept for propagation
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		AppName:            "prism-sync",
		MaxBatchSize:       500,
		MaxPayloadBytes:    1 << 20,
		TombstoneRetention: 30 * 24 * time.Hour,
	}
}

// SyncService implements the two sync endpoints over a Postgres pool.
// Rows are scoped per user; deletes tombstone (deleted_at) rather than
// remove, so deletions propagate to every device before retention cleanup.
type SyncService struct {
	pool   *pgxpool.Pool
	config *ServiceConfig
	logger *slog.Logger
}

// NewSyncService creates a sync service from an existing pool. The caller
// owns the pool; migrations are expected to have run (see RunMigrations).
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if config == nil {
		config = DefaultServiceConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{pool: pool, config: config, logger: logger}, nil
}

// Pool exposes the underlying pool for operational tooling.
func (s *SyncService) Pool() *pgxpool.Pool { return s.pool }

// Config returns the active configuration.
func (s *SyncService) Config() *ServiceConfig { return s.config }
