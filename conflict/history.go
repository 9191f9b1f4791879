// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/localledger/localledger/entity"
)

// DefaultHistoryCap bounds the retained resolution history.
const DefaultHistoryCap = 1000

// Resolution records one applied conflict resolution for audit.
type Resolution struct {
	Kind       entity.Kind `json:"entityKind"`
	EntityID   string      `json:"entityId"`
	ResolvedAt int64       `json:"resolvedAt"` // epoch millis
	Strategy   Strategy    `json:"strategyUsed"`
}

// History is a capped, thread-safe log of applied resolutions. Oldest
// entries fall off when the cap is reached.
type History struct {
	mu      sync.Mutex
	cap     int
	entries []Resolution
}

// NewHistory creates a history; cap <= 0 uses DefaultHistoryCap.
func NewHistory(cap int) *History {
	if cap <= 0 {
		cap = DefaultHistoryCap
	}
	return &History{cap: cap}
}

// Add appends a resolution, evicting the oldest entry past the cap.
func (h *History) Add(r Resolution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, r)
	if len(h.entries) > h.cap {
		h.entries = h.entries[len(h.entries)-h.cap:]
	}
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// List returns a copy of the retained entries, oldest first.
func (h *History) List() []Resolution {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Resolution, len(h.entries))
	copy(out, h.entries)
	return out
}

// ExportJSON serializes the history for persistence or audit export.
func (h *History) ExportJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, err := json.Marshal(h.entries)
	if err != nil {
		return nil, fmt.Errorf("failed to export resolution history: %w", err)
	}
	return data, nil
}

// ImportJSON replaces the history with previously exported entries,
// re-applying the cap.
func (h *History) ImportJSON(data []byte) error {
	var entries []Resolution
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to import resolution history: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(entries) > h.cap {
		entries = entries[len(entries)-h.cap:]
	}
	h.entries = entries
	return nil
}
