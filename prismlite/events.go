// Copyright 2025 Contacts Prism Authors
// SPDX-License-Identifier: Apache-2.0

package prismlite

import "sync"

// EventKind is the outcome kind of a completed sync cycle.
type EventKind int

const (
	EventCompleted EventKind = iota
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventCompleted:
		return "sync:completed"
	case EventFailed:
		return "sync:failed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after each sync cycle. Delivery is
// best-effort at-most-once; nothing is retained for listeners registered
// later.
type Event struct {
	Kind   EventKind
	Reason string
	Result *SyncResult
}

type eventHub struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Event)
}

// Subscribe registers an observer for sync outcomes and returns its
// unsubscribe function. Callbacks run synchronously on the syncing
// goroutine; keep them short.
func (e *Engine) Subscribe(fn func(Event)) func() {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if e.hub.subs == nil {
		e.hub.subs = make(map[int]func(Event))
	}
	id := e.hub.next
	e.hub.next++
	e.hub.subs[id] = fn
	return func() {
		e.hub.mu.Lock()
		defer e.hub.mu.Unlock()
		delete(e.hub.subs, id)
	}
}

func (e *Engine) notify(ev Event) {
	e.hub.mu.Lock()
	fns := make([]func(Event), 0, len(e.hub.subs))
	for _, fn := range e.hub.subs {
		fns = append(fns, fn)
	}
	e.hub.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
