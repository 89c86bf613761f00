// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mcuteangel/Contacts-prism-sub001/prismsync"
)

// ErrSyncInProgress is returned when Sync is called while another cycle is
// running. The caller relies on the next scheduled tick instead of queueing.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrNoEndpoint is returned when no valid http(s) endpoint can be resolved.
var ErrNoEndpoint = errors.New("no valid sync endpoint configured")

// ErrNoToken is returned when no access token is available for the
// resolved endpoint.
var ErrNoToken = errors.New("no access token configured")

// PreflightGuard is evaluated before a cycle enters the syncing state.
// Returning an error skips the cycle entirely (no log entry, no network).
type PreflightGuard func(ctx context.Context, reason string) error

// Config holds sync engine and scheduler tuning.
type Config struct {
	BatchSize   int           // outbox items per push batch
	Interval    time.Duration // scheduler tick between cycles
	BackoffMin  time.Duration // scheduler wait after the first failure
	BackoffMax  time.Duration // scheduler wait cap under repeated failures
	MaxTryCount int           // per-item transmission cap, 0 = unbounded
	Guards      []PreflightGuard
}

// DefaultConfig returns the tuning used by the application shell.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:  200,
		Interval:   5 * time.Minute,
		BackoffMin: 1 * time.Second,
		BackoffMax: 60 * time.Second,
	}
}

// Options tunes a single Sync call.
type Options struct {
	Endpoint  string // overrides the stored/env endpoint for this cycle
	BatchSize int    // overrides Config.BatchSize when > 0
	Reason    string // why the cycle was triggered, for guards and logs
}

// SyncResult describes one completed cycle (successful or failed).
type SyncResult struct {
	StartedAt        time.Time
	EndedAt          time.Time
	OK               bool
	TryCount         int
	Push             PushStats
	Pull             PullStats
	Endpoint         string
	CheckpointBefore *time.Time
	CheckpointAfter  *time.Time
	Error            string
}

// Engine orchestrates push-then-pull reconciliation against the remote
// backend, with at most one cycle running at a time.
type Engine struct {
	store  *Store
	config *Config
	logger *slog.Logger

	// HTTP and Token are swappable for tests and for callers that refresh
	// tokens out of band. Token, when set, takes precedence over the token
	// stored in sync_state.
	HTTP  *http.Client
	Token func(ctx context.Context) (string, error)

	syncing  atomic.Bool
	attempts int // consecutive-failure streak, touched only while syncing
	hub      eventHub
}

// NewEngine creates a sync engine over the given store.
func NewEngine(store *Store, config *Config, logger *slog.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		config: config,
		logger: logger,
		HTTP:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Syncing reports whether a cycle is currently running.
func (e *Engine) Syncing() bool { return e.syncing.Load() }

// Sync runs one push-then-pull cycle. Overlapping calls are rejected with
// ErrSyncInProgress; pre-flight guard rejections return the guard's error.
// Everything else - configuration, network and per-item failures - is
// captured in the returned SyncResult and the sync log rather than raised,
// so a failed cycle never takes the caller down.
func (e *Engine) Sync(ctx context.Context, opts *Options) (*SyncResult, error) {
	if opts == nil {
		opts = &Options{}
	}
	for _, guard := range e.config.Guards {
		if err := guard(ctx, opts.Reason); err != nil {
			return nil, fmt.Errorf("sync pre-flight rejected: %w", err)
		}
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	e.attempts++
	res := &SyncResult{StartedAt: time.Now().UTC(), TryCount: e.attempts}
	if before, err := e.store.Checkpoint(ctx); err == nil {
		res.CheckpointBefore = before
	}

	endpoint, token, err := e.resolveTarget(ctx, opts)
	if err != nil {
		return e.finish(ctx, opts.Reason, res, err), nil
	}
	res.Endpoint = endpoint

	batchSize := e.config.BatchSize
	if opts.BatchSize > 0 {
		batchSize = opts.BatchSize
	}

	res.Push, err = e.pushPhase(ctx, endpoint, token, batchSize)
	if err != nil {
		// Transport failure: items already reverted to queued. The pull is
		// skipped so the checkpoint cannot advance past unpushed mutations.
		return e.finish(ctx, opts.Reason, res, fmt.Errorf("push phase: %w", err)), nil
	}

	pull, serverTime, err := e.pullPhase(ctx, endpoint, token, res.CheckpointBefore)
	res.Pull = pull
	if err != nil {
		// Push results stand (partial success); the cycle as a whole fails.
		return e.finish(ctx, opts.Reason, res, fmt.Errorf("pull phase: %w", err)), nil
	}

	if err := e.store.SetCheckpoint(ctx, *serverTime); err != nil {
		return e.finish(ctx, opts.Reason, res, err), nil
	}
	res.CheckpointAfter = serverTime

	return e.finish(ctx, opts.Reason, res, nil), nil
}

// finish closes out a cycle: result bookkeeping, exactly one log entry, and
// the completion/failure notification.
func (e *Engine) finish(ctx context.Context, reason string, res *SyncResult, cause error) *SyncResult {
	res.EndedAt = time.Now().UTC()
	res.OK = cause == nil
	if cause != nil {
		res.Error = cause.Error()
	}
	if res.CheckpointAfter == nil {
		res.CheckpointAfter = res.CheckpointBefore
	}
	if res.OK {
		e.attempts = 0
	}

	entry := &SyncLogEntry{
		StartedAt:      res.StartedAt,
		EndedAt:        res.EndedAt,
		DurationMs:     res.EndedAt.Sub(res.StartedAt).Milliseconds(),
		OK:             res.OK,
		TryCount:       res.TryCount,
		Push:           res.Push,
		Pull:           res.Pull,
		EndpointUsed:   res.Endpoint,
		LastSyncBefore: res.CheckpointBefore,
		LastSyncAfter:  res.CheckpointAfter,
		Error:          res.Error,
	}
	if err := e.store.AppendSyncLog(ctx, entry); err != nil {
		e.logger.Error("failed to record sync log", "error", err)
	}

	if res.OK {
		e.logger.Info("sync cycle completed",
			"reason", reason, "pushed", res.Push.Applied, "pulled", res.Pull.Total,
			"duration_ms", entry.DurationMs)
		e.notify(Event{Kind: EventCompleted, Reason: reason, Result: res})
	} else {
		e.logger.Warn("sync cycle failed",
			"reason", reason, "error", res.Error, "try_count", res.TryCount)
		e.notify(Event{Kind: EventFailed, Reason: res.Error, Result: res})
	}
	return res
}

// pushPhase sends all queued outbox items as one batch and applies the
// per-item results. A transport failure reverts every in-flight item back
// to queued and is returned as the phase error.
func (e *Engine) pushPhase(ctx context.Context, endpoint, token string, batchSize int) (PushStats, error) {
	var stats PushStats

	items, err := e.store.QueuedItems(ctx, batchSize, e.config.MaxTryCount)
	if err != nil {
		return stats, err
	}
	stats.Attempted = len(items)
	if len(items) == 0 {
		return stats, nil
	}

	ids := make([]int64, len(items))
	batch := make([]prismsync.PushChange, len(items))
	for i, item := range items {
		ids[i] = item.ID
		batch[i] = prismsync.PushChange{
			ChangeID:   item.ID,
			Entity:     item.Entity,
			EntityID:   item.EntityID,
			Op:         item.Op,
			Payload:    item.Payload,
			ClientTime: item.ClientTime,
		}
	}
	if err := e.store.markSending(ctx, ids); err != nil {
		return stats, err
	}

	req := &prismsync.PushRequest{Batch: batch, ClientTime: time.Now().UTC()}
	resp, err := e.sendPush(ctx, endpoint, token, req)
	if err != nil {
		if revertErr := e.store.revertSending(ctx, ids); revertErr != nil {
			e.logger.Error("failed to revert sending items", "error", revertErr)
		}
		return stats, err
	}
	stats.Sent = len(items)

	// Response order is not guaranteed; correlate by the echoed change id.
	// An offline session can queue several mutations of the same entity
	// into one batch, so (entity, entityId) is not unique here.
	results := make(map[int64]prismsync.PushResult, len(resp.Results))
	for _, r := range resp.Results {
		results[r.ChangeID] = r
	}

	for i, item := range items {
		result, ok := results[item.ID]
		if !ok {
			stats.Errors++
			if err := e.store.markItemError(ctx, item.ID, "no result returned for item"); err != nil {
				e.releaseInFlight(ctx, ids[i:])
				return stats, err
			}
			continue
		}
		switch result.Status {
		case prismsync.StApplied:
			stats.Applied++
			if err := e.store.markItemDone(ctx, item.ID); err != nil {
				e.releaseInFlight(ctx, ids[i:])
				return stats, err
			}
			if result.NewVersion != nil {
				if err := e.adoptServerVersion(ctx, item.Entity, item.EntityID, *result.NewVersion); err != nil {
					e.releaseInFlight(ctx, ids[i:])
					return stats, err
				}
			}
		case prismsync.StConflict:
			stats.Conflicts++
			msg := result.Message
			if msg == "" {
				msg = "server reported a conflict"
			}
			if err := e.store.markItemError(ctx, item.ID, msg); err != nil {
				e.releaseInFlight(ctx, ids[i:])
				return stats, err
			}
		default:
			stats.Errors++
			msg := result.Message
			if msg == "" {
				msg = "server rejected the item"
			}
			if err := e.store.markItemError(ctx, item.ID, msg); err != nil {
				e.releaseInFlight(ctx, ids[i:])
				return stats, err
			}
		}
	}
	return stats, nil
}

// releaseInFlight returns still-sending items to queued after a local
// bookkeeping failure mid-batch. The status guard on the update leaves
// already-resolved (done/error) items untouched.
func (e *Engine) releaseInFlight(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	if err := e.store.revertSending(ctx, ids); err != nil {
		e.logger.Error("failed to release in-flight outbox items", "error", err)
	}
}

func (e *Engine) adoptServerVersion(ctx context.Context, entity, entityID string, version int64) error {
	switch entity {
	case prismsync.EntityContacts:
		return e.store.setContactVersion(ctx, entityID, version)
	case prismsync.EntityGroups:
		return e.store.setGroupVersion(ctx, entityID, version)
	default:
		return fmt.Errorf("unknown entity %q", entity)
	}
}

// pullPhase fetches every remote row changed since the checkpoint and
// reconciles it into the local store. Returns the server clock reading to
// store as the next checkpoint.
func (e *Engine) pullPhase(ctx context.Context, endpoint, token string, since *time.Time) (PullStats, *time.Time, error) {
	var stats PullStats

	delta, err := e.sendDelta(ctx, endpoint, token, since)
	if err != nil {
		return stats, nil, err
	}

	for _, rec := range delta.Contacts {
		upserted, deleted, err := e.applyRemoteContact(ctx, rec)
		if err != nil {
			return stats, nil, err
		}
		stats.Contacts.Upserts += upserted
		stats.Contacts.Deletes += deleted
	}
	for _, rec := range delta.Groups {
		upserted, deleted, err := e.applyRemoteGroup(ctx, rec)
		if err != nil {
			return stats, nil, err
		}
		stats.Groups.Upserts += upserted
		stats.Groups.Deletes += deleted
	}
	stats.Total = stats.Contacts.Upserts + stats.Contacts.Deletes +
		stats.Groups.Upserts + stats.Groups.Deletes

	return stats, &delta.ServerTime, nil
}

func (e *Engine) applyRemoteContact(ctx context.Context, rec prismsync.ContactRecord) (upserted, deleted int, err error) {
	local, err := e.store.getContactAny(ctx, rec.ID)
	if err != nil {
		return 0, 0, err
	}
	if local == nil {
		if rec.DeletedAt != nil {
			// Tombstone for a row this client never had.
			return 0, 0, nil
		}
		return 1, 0, e.store.upsertRemoteContact(ctx, rec)
	}

	switch Resolve(local.rowState(), remoteContactState(rec), prismsync.SameContactContent(local.Record(), rec)) {
	case ResolutionDeletePriority:
		if local.DeletedAt != nil {
			return 0, 0, nil
		}
		return 0, 1, e.store.softDeleteRemoteContact(ctx, rec.ID, *rec.DeletedAt, rec.Version)
	case ResolutionNewer:
		if rec.DeletedAt != nil {
			deleted = 1
		} else {
			upserted = 1
		}
		return upserted, deleted, e.store.upsertRemoteContact(ctx, rec)
	case ResolutionConflict:
		e.logger.Warn("contact diverged, flagged for manual resolution",
			"id", rec.ID, "version", rec.Version)
		return 0, 0, e.store.markContactConflict(ctx, rec.ID)
	default: // ResolutionStale
		return 0, 0, nil
	}
}

func (e *Engine) applyRemoteGroup(ctx context.Context, rec prismsync.GroupRecord) (upserted, deleted int, err error) {
	local, err := e.store.getGroupAny(ctx, rec.ID)
	if err != nil {
		return 0, 0, err
	}
	if local == nil {
		if rec.DeletedAt != nil {
			return 0, 0, nil
		}
		return 1, 0, e.store.upsertRemoteGroup(ctx, rec)
	}

	switch Resolve(local.rowState(), remoteGroupState(rec), prismsync.SameGroupContent(local.Record(), rec)) {
	case ResolutionDeletePriority:
		if local.DeletedAt != nil {
			return 0, 0, nil
		}
		return 0, 1, e.store.softDeleteRemoteGroup(ctx, rec.ID, *rec.DeletedAt, rec.Version)
	case ResolutionNewer:
		if rec.DeletedAt != nil {
			deleted = 1
		} else {
			upserted = 1
		}
		return upserted, deleted, e.store.upsertRemoteGroup(ctx, rec)
	case ResolutionConflict:
		e.logger.Warn("group diverged, flagged for manual resolution",
			"id", rec.ID, "version", rec.Version)
		return 0, 0, e.store.markGroupConflict(ctx, rec.ID)
	default:
		return 0, 0, nil
	}
}
