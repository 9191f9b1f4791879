// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package opqueue

import "sync"

// EventKind names a queue lifecycle event.
type EventKind string

const (
	EventAdded        EventKind = "added"
	EventBatchStarted EventKind = "batchStarted"
	EventCompleted    EventKind = "completed"
	EventFailed       EventKind = "failed"
)

// Event describes one queue lifecycle transition.
type Event struct {
	Kind        EventKind
	OperationID string // empty for batch events
	BatchSize   int    // set for batchStarted
	Err         string // set for failed
}

// Subscription is the handle returned by Subscribe. Disposing it via
// Unsubscribe is the only way to stop receiving events; there is no
// remove-by-callback API, so listeners cannot leak by identity mismatch.
type Subscription struct {
	id   uint64
	subs *subscribers
}

// Unsubscribe detaches the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.subs == nil {
		return
	}
	s.subs.remove(s.id)
	s.subs = nil
}

type subscriber struct {
	fn    func(Event)
	kinds map[EventKind]bool // nil means all kinds
}

type subscribers struct {
	mu   sync.RWMutex
	next uint64
	m    map[uint64]subscriber
}

func newSubscribers() *subscribers {
	return &subscribers{m: make(map[uint64]subscriber)}
}

// Subscribe registers fn for the given event kinds (all kinds when none are
// named). Events are delivered synchronously on the publishing goroutine.
func (q *Queue) Subscribe(fn func(Event), kinds ...EventKind) *Subscription {
	return q.subs.add(fn, kinds)
}

func (s *subscribers) add(fn func(Event), kinds []EventKind) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	sub := subscriber{fn: fn}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	s.m[s.next] = sub
	return &Subscription{id: s.next, subs: s}
}

func (s *subscribers) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

func (s *subscribers) publish(ev Event) {
	s.mu.RLock()
	fns := make([]func(Event), 0, len(s.m))
	for _, sub := range s.m {
		if sub.kinds == nil || sub.kinds[ev.Kind] {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
