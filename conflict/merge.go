// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/localledger/localledger/entity"
)

// Strategy selects how two snapshots (or two records) combine.
type Strategy string

const (
	StrategyLocalWins       Strategy = "local_wins"
	StrategyRemoteWins      Strategy = "remote_wins"
	StrategyLatestTimestamp Strategy = "latest_timestamp"
	StrategyFieldMerge      Strategy = "field_merge"
)

// MergeSnapshots applies a whole-snapshot strategy. The first three
// strategies serve the integrity-phase recommendations; field_merge walks
// record pairs and merges them field by field.
func MergeSnapshots(local, remote *entity.Snapshot, strategy Strategy) (*entity.Snapshot, error) {
	switch strategy {
	case StrategyLocalWins:
		return local.Clone()
	case StrategyRemoteWins:
		return remote.Clone()
	case StrategyLatestTimestamp:
		if local.LastModified() >= remote.LastModified() {
			return local.Clone()
		}
		return remote.Clone()
	case StrategyFieldMerge:
		return mergeSnapshotsByField(local, remote)
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
}

func mergeSnapshotsByField(local, remote *entity.Snapshot) (*entity.Snapshot, error) {
	out := entity.NewSnapshot(local.SchemaVersion)
	out.ExportedAt = local.ExportedAt
	if remote.ExportedAt > out.ExportedAt {
		out.ExportedAt = remote.ExportedAt
	}
	for _, kind := range entity.Kinds {
		remoteByID := make(map[string]entity.Record)
		for _, r := range remote.Records[kind] {
			remoteByID[identityKey(r)] = r
		}
		seen := make(map[string]bool)
		for _, lr := range local.Records[kind] {
			key := identityKey(lr)
			seen[key] = true
			rr, ok := remoteByID[key]
			if !ok {
				out.Add(lr)
				continue
			}
			merged, err := MergeRecords(lr, rr)
			if err != nil {
				return nil, err
			}
			out.Add(merged)
		}
		for _, rr := range remote.Records[kind] {
			if !seen[identityKey(rr)] {
				out.Add(rr)
			}
		}
	}
	return out, nil
}

// MergeRecords combines two versions of the same logical record with the
// field-level CRDT-like rules: set union for label sets, max for numbers,
// non-empty/longer for strings (local keeps equal-length ties), larger
// value for timestamps, shallow local-precedence merge for nested objects.
// The result's version is bumped past both inputs so it reads as a fresh
// committed mutation on either replica.
func MergeRecords(local, remote entity.Record) (entity.Record, error) {
	if local.Kind() != remote.Kind() {
		return entity.Record{}, fmt.Errorf("cannot merge %s with %s", local.Kind(), remote.Kind())
	}

	lm, err := payloadMap(local.Payload)
	if err != nil {
		return entity.Record{}, err
	}
	rm, err := payloadMap(remote.Payload)
	if err != nil {
		return entity.Record{}, err
	}

	merged := make(map[string]any, len(lm))
	for k, lv := range lm {
		rv, ok := rm[k]
		if !ok {
			merged[k] = lv
			continue
		}
		merged[k] = mergeValue(lv, rv)
	}
	for k, rv := range rm {
		if _, ok := lm[k]; !ok {
			merged[k] = rv
		}
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return entity.Record{}, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	payload, err := entity.DecodePayload(local.Kind(), raw)
	if err != nil {
		return entity.Record{}, err
	}

	out := local
	out.Payload = payload
	if remote.RemoteID != "" {
		out.RemoteID = remote.RemoteID
	}
	out.Version = maxInt64(local.Version, remote.Version) + 1
	out.UpdatedAt = maxInt64(local.UpdatedAt, remote.UpdatedAt)
	if remote.CreatedAt > 0 && (out.CreatedAt == 0 || remote.CreatedAt < out.CreatedAt) {
		out.CreatedAt = remote.CreatedAt
	}
	return out, nil
}

func payloadMap(p entity.Payload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return m, nil
}

// mergeValue applies the per-shape rule to one field pair. The rules are
// commutative except for the documented local-precedence tie-breaks, so
// repeated or reordered application converges.
func mergeValue(local, remote any) any {
	switch lv := local.(type) {
	case []any:
		if rv, ok := remote.([]any); ok {
			return setUnion(lv, rv)
		}
	case float64:
		if rv, ok := remote.(float64); ok {
			// Covers both numeric fields (never silently reduce an amount)
			// and timestamp-like fields (last writer, i.e. larger value,
			// wins).
			if rv > lv {
				return rv
			}
			return lv
		}
	case string:
		if rv, ok := remote.(string); ok {
			return mergeString(lv, rv)
		}
	case map[string]any:
		if rv, ok := remote.(map[string]any); ok {
			out := make(map[string]any, len(lv)+len(rv))
			for k, v := range rv {
				out[k] = v
			}
			for k, v := range lv { // local precedence on key collisions
				out[k] = v
			}
			return out
		}
	}
	if local == nil {
		return remote
	}
	return local
}

// setUnion merges two label sets: commutative, idempotent, deterministic
// (sorted string output).
func setUnion(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, vs := range [][]any{a, b} {
		for _, v := range vs {
			s, ok := v.(string)
			if !ok {
				s = fmt.Sprint(v)
			}
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	res := make([]any, len(out))
	for i, s := range out {
		res[i] = s
	}
	return res
}

func mergeString(local, remote string) string {
	if local == "" {
		return remote
	}
	if remote == "" {
		return local
	}
	if len(remote) > len(local) {
		return remote
	}
	return local // longer-or-equal local wins, keeping ties local
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
