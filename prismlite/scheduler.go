// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismlite

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Bootstrapper owns the process-wide lifecycle of the sync engine: a
// periodic timer with exponential backoff on failure, plus on-demand
// triggers (auth changes, connectivity/visibility events) funneled through
// the same Sync entry point. Constructed and injected by the composition
// root; there is no package-level instance.
type Bootstrapper struct {
	engine *Engine
	logger *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	requests chan string
}

// NewBootstrapper creates a stopped bootstrapper for the given engine.
func NewBootstrapper(engine *Engine, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		engine: engine,
		logger: logger,
		// Capacity 1 coalesces bursts of triggers into a single cycle.
		requests: make(chan string, 1),
	}
}

// Start launches the timer loop. Idempotent: a second Start while running
// is a no-op, never a second timer.
func (b *Bootstrapper) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.loop(loopCtx, b.done)
}

// Stop cancels the timer loop and waits for it to exit. A cycle already in
// flight finishes but is not restarted.
func (b *Bootstrapper) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Request triggers an on-demand cycle with the given reason (for example
// "auth-change", "online", "visibility", "manual"). Non-blocking: when a
// request is already pending the new one coalesces into it.
func (b *Bootstrapper) Request(reason string) {
	select {
	case b.requests <- reason:
	default:
	}
}

func (b *Bootstrapper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	cfg := b.engine.config
	wait := cfg.Interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	backoff := cfg.BackoffMin
	for {
		var reason string
		select {
		case <-ctx.Done():
			return
		case reason = <-b.requests:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			reason = "interval"
		}

		res, err := b.engine.Sync(ctx, &Options{Reason: reason})
		switch {
		case errors.Is(err, ErrSyncInProgress):
			// Another trigger got there first; this one is coalesced.
			wait = cfg.Interval
		case err != nil:
			b.logger.Warn("sync trigger rejected", "reason", reason, "error", err)
			wait = cfg.Interval
		case res.OK:
			backoff = cfg.BackoffMin
			wait = cfg.Interval
		default:
			// Failed cycle: retry sooner, backing off up to the cap.
			wait = backoff
			backoff *= 2
			if backoff > cfg.BackoffMax {
				backoff = cfg.BackoffMax
			}
		}
		timer.Reset(wait)
	}
}
