// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package conflict compares a local and a remote data snapshot and decides
// how they should converge. It is pure comparison/merge logic: no I/O, no
// clocks, no stored state beyond the optional resolution history.
package conflict

import (
	"reflect"
	"time"

	"github.com/localledger/localledger/entity"
)

// Severity grades how risky a conflict is to resolve.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Reason classifies why two snapshots (or two records) disagree.
type Reason string

const (
	ReasonMissingRemote  Reason = "missing_remote"
	ReasonCorruptedLocal Reason = "corrupted_local"
	ReasonSchemaMismatch Reason = "schema_mismatch"
	ReasonLocalOnly      Reason = "local_only"
	ReasonRemoteOnly     Reason = "remote_only"
	ReasonDivergent      Reason = "divergent"
)

// Action is the detector's overall recommendation.
type Action string

const (
	ActionNone           Action = "none"
	ActionUploadLocal    Action = "upload_local"
	ActionDownloadRemote Action = "download_remote"
	ActionManualMerge    Action = "manual_merge"
)

// Item is one detected conflict.
type Item struct {
	Kind           entity.Kind `json:"entityKind"`
	EntityID       string      `json:"entityId"`
	LocalVersion   int64       `json:"localVersion"`
	RemoteVersion  int64       `json:"remoteVersion"`
	Reason         Reason      `json:"reason"`
	AutoResolvable bool        `json:"autoResolvable"`
	Severity       Severity    `json:"severity"`
}

// Report is the detector's verdict over two snapshots.
type Report struct {
	HasConflicts      bool     `json:"hasConflicts"`
	Items             []Item   `json:"items"`
	Severity          Severity `json:"severity"`
	RecommendedAction Action   `json:"recommendedAction"`
}

// Thresholds hold the tunable heuristics. The defaults reproduce the
// engine's historical behavior; none of them is derived from measurement,
// so domains with different edit patterns should tune them.
type Thresholds struct {
	// AutoResolveDelta: a divergent pair is auto-resolvable only when the
	// two updatedAt values differ by more than this. Smaller skews are
	// ambiguous and go to manual resolution.
	AutoResolveDelta time.Duration
	// CountRatio: either side holding this many times the other's records
	// favors that side for the overall recommendation.
	CountRatio float64
	// AutoFraction: minimum fraction of auto-resolvable items for an
	// automatic upload/download recommendation.
	AutoFraction float64
}

// DefaultThresholds returns the historical defaults (5s, 1.5x, 80%).
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoResolveDelta: 5 * time.Second,
		CountRatio:       1.5,
		AutoFraction:     0.8,
	}
}

// Detector runs conflict detection with a fixed set of thresholds.
type Detector struct {
	thresholds Thresholds
}

// NewDetector creates a detector; zero threshold fields fall back to the
// defaults.
func NewDetector(t Thresholds) *Detector {
	def := DefaultThresholds()
	if t.AutoResolveDelta <= 0 {
		t.AutoResolveDelta = def.AutoResolveDelta
	}
	if t.CountRatio <= 0 {
		t.CountRatio = def.CountRatio
	}
	if t.AutoFraction <= 0 {
		t.AutoFraction = def.AutoFraction
	}
	return &Detector{thresholds: t}
}

// Detect compares two snapshots in two phases: cheap integrity checks
// first, then a per-kind field-level diff only when integrity finds
// nothing.
func (d *Detector) Detect(local, remote *entity.Snapshot) Report {
	localEmpty := local.IsEmpty()
	remoteEmpty := remote.IsEmpty()

	// Identical (including both-empty) snapshots are clean by definition.
	if localEmpty && remoteEmpty {
		return Report{RecommendedAction: ActionNone}
	}
	if !localEmpty && !remoteEmpty && local.Checksum() == remote.Checksum() {
		return Report{RecommendedAction: ActionNone}
	}

	// Integrity phase.
	if remoteEmpty {
		return Report{
			HasConflicts:      true,
			Items:             []Item{{Reason: ReasonMissingRemote, AutoResolvable: true, Severity: SeverityHigh}},
			Severity:          SeverityHigh,
			RecommendedAction: ActionUploadLocal,
		}
	}
	if localEmpty {
		return Report{
			HasConflicts:      true,
			Items:             []Item{{Reason: ReasonCorruptedLocal, AutoResolvable: true, Severity: SeverityHigh}},
			Severity:          SeverityHigh,
			RecommendedAction: ActionDownloadRemote,
		}
	}
	if local.SchemaVersion != remote.SchemaVersion {
		return Report{
			HasConflicts:      true,
			Items:             []Item{{Reason: ReasonSchemaMismatch, Severity: SeverityCritical}},
			Severity:          SeverityCritical,
			RecommendedAction: ActionManualMerge,
		}
	}

	// Entity phase.
	var items []Item
	for _, kind := range entity.Kinds {
		items = append(items, d.diffKind(kind, local.Records[kind], remote.Records[kind])...)
	}
	if len(items) == 0 {
		return Report{RecommendedAction: ActionNone}
	}
	return Report{
		HasConflicts:      true,
		Items:             items,
		Severity:          maxSeverity(items),
		RecommendedAction: d.recommend(local, remote, items),
	}
}

// identityKey maps a record to its cross-replica identity: the remote id
// once assigned, else the stable id (remote records carry their remote id
// as id).
func identityKey(r entity.Record) string {
	if r.RemoteID != "" {
		return r.RemoteID
	}
	return r.ID
}

func (d *Detector) diffKind(kind entity.Kind, local, remote []entity.Record) []Item {
	remoteByID := make(map[string]entity.Record, len(remote))
	for _, r := range remote {
		remoteByID[identityKey(r)] = r
	}
	localByID := make(map[string]entity.Record, len(local))
	for _, r := range local {
		localByID[identityKey(r)] = r
	}

	var items []Item
	for _, lr := range local {
		key := identityKey(lr)
		rr, ok := remoteByID[key]
		if !ok {
			// Only records the remote once accepted can be "missing" there;
			// records without a remote id simply have not propagated yet.
			if lr.RemoteID != "" {
				items = append(items, Item{
					Kind:         kind,
					EntityID:     key,
					LocalVersion: lr.Version,
					Reason:       ReasonLocalOnly,
					Severity:     SeverityMedium,
				})
			}
			continue
		}
		if !reflect.DeepEqual(normalizedPayload(lr), normalizedPayload(rr)) {
			delta := lr.UpdatedAt - rr.UpdatedAt
			if delta < 0 {
				delta = -delta
			}
			auto := time.Duration(delta)*time.Millisecond > d.thresholds.AutoResolveDelta
			sev := SeverityMedium
			if !auto {
				sev = SeverityHigh
			}
			items = append(items, Item{
				Kind:           kind,
				EntityID:       key,
				LocalVersion:   lr.Version,
				RemoteVersion:  rr.Version,
				Reason:         ReasonDivergent,
				AutoResolvable: auto,
				Severity:       sev,
			})
		}
	}
	for _, rr := range remote {
		if _, ok := localByID[identityKey(rr)]; !ok {
			items = append(items, Item{
				Kind:           kind,
				EntityID:       identityKey(rr),
				RemoteVersion:  rr.Version,
				Reason:         ReasonRemoteOnly,
				AutoResolvable: true,
				Severity:       SeverityLow,
			})
		}
	}
	return items
}

// normalizedPayload is the diff view: user content only, sync bookkeeping
// and timestamps excluded.
func normalizedPayload(r entity.Record) map[string]any {
	if r.Payload == nil {
		return nil
	}
	return r.Payload.Normalize()
}

func maxSeverity(items []Item) Severity {
	out := SeverityLow
	for _, it := range items {
		if severityRank[it.Severity] > severityRank[out] {
			out = it.Severity
		}
	}
	return out
}

// recommend picks the overall action for entity-phase conflicts: a clear
// record-count imbalance favors the bigger side; otherwise a high enough
// auto-resolvable fraction lets the most recently modified side win; the
// rest goes to manual merge.
func (d *Detector) recommend(local, remote *entity.Snapshot, items []Item) Action {
	lc := float64(local.TotalRecords())
	rc := float64(remote.TotalRecords())
	if rc > 0 && lc >= d.thresholds.CountRatio*rc {
		return ActionUploadLocal
	}
	if lc > 0 && rc >= d.thresholds.CountRatio*lc {
		return ActionDownloadRemote
	}

	auto := 0
	for _, it := range items {
		if it.AutoResolvable {
			auto++
		}
	}
	if float64(auto) >= d.thresholds.AutoFraction*float64(len(items)) {
		if local.LastModified() >= remote.LastModified() {
			return ActionUploadLocal
		}
		return ActionDownloadRemote
	}
	return ActionManualMerge
}
