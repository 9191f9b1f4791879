// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package entity defines the typed record model shared by the local store,
// the operation queue, the conflict detector and the sync manager.
//
// Every record kind is a member of a closed union: the engine never moves
// untyped maps around, it moves Record values whose Payload is one of the
// concrete per-kind structs below.
package entity

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies one record kind in the closed union.
type Kind string

const (
	KindExpense        Kind = "expense"
	KindIncome         Kind = "income"
	KindCategory       Kind = "category"
	KindAccount        Kind = "account"
	KindReferenceValue Kind = "reference_value"
)

// Kinds lists every kind in a fixed order. Checksums and snapshot
// serialization iterate this slice so output is deterministic.
var Kinds = []Kind{KindExpense, KindIncome, KindCategory, KindAccount, KindReferenceValue}

// Valid reports whether k is a member of the union.
func (k Kind) Valid() bool {
	switch k {
	case KindExpense, KindIncome, KindCategory, KindAccount, KindReferenceValue:
		return true
	}
	return false
}

// SyncStatus tracks where a record stands relative to the remote authority.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
	StatusFailed   SyncStatus = "failed"
)

// Payload is implemented by exactly the five per-kind structs.
type Payload interface {
	Kind() Kind
	// Validate checks structural validity. It returns a *ValidationError
	// naming the offending field, never a bare error.
	Validate() error
	// Normalize returns the checksum/diff-relevant view of the payload with
	// set-valued fields deduplicated and sorted.
	Normalize() map[string]any
}

// Record is the base shape of every stored entity (spec'd base fields plus
// the typed payload).
type Record struct {
	ID           string     `json:"id"`
	LocalID      string     `json:"localId"`
	RemoteID     string     `json:"remoteId,omitempty"`
	SyncStatus   SyncStatus `json:"syncStatus"`
	Version      int64      `json:"version"`
	CreatedAt    int64      `json:"createdAt"` // epoch milliseconds
	UpdatedAt    int64      `json:"updatedAt"` // epoch milliseconds
	LastSyncedAt int64      `json:"lastSyncedAt,omitempty"`
	Payload      Payload    `json:"-"`
}

// Kind returns the record's kind, derived from its payload.
func (r Record) Kind() Kind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

// Normalize returns the content view of the record used for checksums and
// field-level diffs. Sync bookkeeping (localId, remoteId, syncStatus,
// version, lastSyncedAt) is excluded: two replicas holding the same user
// data must normalize identically regardless of sync progress.
func (r Record) Normalize() map[string]any {
	m := map[string]any{
		"id":        r.ID,
		"createdAt": r.CreatedAt,
		"updatedAt": r.UpdatedAt,
	}
	if r.Payload != nil {
		for k, v := range r.Payload.Normalize() {
			m[k] = v
		}
	}
	return m
}

// recordJSON is the wire/storage form of Record with an explicit kind
// discriminator for the payload union.
type recordJSON struct {
	Kind         Kind            `json:"kind"`
	ID           string          `json:"id"`
	LocalID      string          `json:"localId"`
	RemoteID     string          `json:"remoteId,omitempty"`
	SyncStatus   SyncStatus      `json:"syncStatus"`
	Version      int64           `json:"version"`
	CreatedAt    int64           `json:"createdAt"`
	UpdatedAt    int64           `json:"updatedAt"`
	LastSyncedAt int64           `json:"lastSyncedAt,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the record with its kind discriminator.
func (r Record) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", r.Kind(), err)
	}
	return json.Marshal(recordJSON{
		Kind:         r.Kind(),
		ID:           r.ID,
		LocalID:      r.LocalID,
		RemoteID:     r.RemoteID,
		SyncStatus:   r.SyncStatus,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		LastSyncedAt: r.LastSyncedAt,
		Payload:      payload,
	})
}

// UnmarshalJSON decodes the record, dispatching the payload on its kind.
func (r *Record) UnmarshalJSON(data []byte) error {
	var rj recordJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	payload, err := DecodePayload(rj.Kind, rj.Payload)
	if err != nil {
		return err
	}
	*r = Record{
		ID:           rj.ID,
		LocalID:      rj.LocalID,
		RemoteID:     rj.RemoteID,
		SyncStatus:   rj.SyncStatus,
		Version:      rj.Version,
		CreatedAt:    rj.CreatedAt,
		UpdatedAt:    rj.UpdatedAt,
		LastSyncedAt: rj.LastSyncedAt,
		Payload:      payload,
	}
	return nil
}

// DecodePayload decodes raw JSON into the typed payload for kind.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindExpense:
		var v Expense
		err = json.Unmarshal(raw, &v)
		p = &v
	case KindIncome:
		var v Income
		err = json.Unmarshal(raw, &v)
		p = &v
	case KindCategory:
		var v Category
		err = json.Unmarshal(raw, &v)
		p = &v
	case KindAccount:
		var v Account
		err = json.Unmarshal(raw, &v)
		p = &v
	case KindReferenceValue:
		var v ReferenceValue
		err = json.Unmarshal(raw, &v)
		p = &v
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return p, nil
}

// normalizeSet returns a deduplicated, sorted copy of labels. A nil input
// normalizes to an empty (non-nil) slice so JSON output is stable.
func normalizeSet(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
