// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot is a point-in-time copy of every record, grouped by kind.
// Snapshots flow between the store, the conflict detector and the remote
// authority; they carry the schema version so detection can flag mismatches.
type Snapshot struct {
	SchemaVersion int               `json:"schemaVersion"`
	ExportedAt    int64             `json:"exportedAt"` // epoch milliseconds
	Records       map[Kind][]Record `json:"records"`
}

// NewSnapshot returns an empty snapshot at the given schema version.
func NewSnapshot(schemaVersion int) *Snapshot {
	return &Snapshot{
		SchemaVersion: schemaVersion,
		Records:       make(map[Kind][]Record),
	}
}

// TotalRecords counts records across all kinds.
func (s *Snapshot) TotalRecords() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, recs := range s.Records {
		n += len(recs)
	}
	return n
}

// IsEmpty reports whether the snapshot holds no records at all.
func (s *Snapshot) IsEmpty() bool { return s.TotalRecords() == 0 }

// LastModified returns the greatest updatedAt across all records (0 when empty).
func (s *Snapshot) LastModified() int64 {
	var max int64
	if s == nil {
		return 0
	}
	for _, recs := range s.Records {
		for _, r := range recs {
			if r.UpdatedAt > max {
				max = r.UpdatedAt
			}
		}
	}
	return max
}

// Checksum computes the deterministic digest over normalized contents.
// Sync bookkeeping fields are excluded (see Record.Normalize), kinds are
// visited in fixed order and records sorted by id, so two stores holding
// the same user data produce the same digest byte for byte.
func (s *Snapshot) Checksum() string {
	h := sha256.New()
	for _, kind := range Kinds {
		recs := append([]Record(nil), s.Records[kind]...)
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
		for _, r := range recs {
			h.Write([]byte(kind))
			h.Write([]byte{0})
			writeCanonical(h, r.Normalize())
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeCanonical writes a key-sorted JSON rendering of v to w. encoding/json
// already sorts map keys, but normalized values can nest maps produced from
// decoded JSON (map[string]any), so we render through a single Marshal call
// which handles both levels deterministically.
func writeCanonical(w interface{ Write(p []byte) (int, error) }, v map[string]any) {
	b, err := json.Marshal(v)
	if err != nil {
		// Normalized views are built from plain maps, slices and scalars;
		// marshal cannot fail for them.
		panic(fmt.Sprintf("canonical marshal: %v", err))
	}
	w.Write(b)
}

// Add appends a record under its kind.
func (s *Snapshot) Add(r Record) {
	kind := r.Kind()
	s.Records[kind] = append(s.Records[kind], r)
}

// Find returns the record with the given id under kind, if present.
func (s *Snapshot) Find(kind Kind, id string) (Record, bool) {
	for _, r := range s.Records[kind] {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Clone returns a deep-enough copy: record slices are copied, payloads are
// re-decoded so callers can mutate the clone freely.
func (s *Snapshot) Clone() (*Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if out.Records == nil {
		out.Records = make(map[Kind][]Record)
	}
	return &out, nil
}
