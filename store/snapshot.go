// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/localledger/localledger/entity"
)

// Checksum computes the deterministic digest over all live records'
// normalized contents. Sync bookkeeping fields never contribute.
func (s *Store) Checksum(ctx context.Context) (string, error) {
	snap, err := s.ExportSnapshot(ctx)
	if err != nil {
		return "", err
	}
	return snap.Checksum(), nil
}

// ExportSnapshot returns a full copy of the store's live records.
func (s *Store) ExportSnapshot(ctx context.Context) (*entity.Snapshot, error) {
	sv, err := s.GetMeta(ctx, MetaSchemaVersion)
	if err != nil {
		return nil, err
	}
	schemaVersion := s.config.SchemaVersion
	if sv != "" {
		if v, err := strconv.Atoi(sv); err == nil {
			schemaVersion = v
		}
	}

	snap := entity.NewSnapshot(schemaVersion)
	snap.ExportedAt = s.nowMillis()
	for _, kind := range entity.Kinds {
		recs, err := s.List(ctx, kind, nil)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			snap.Records[kind] = recs
		}
	}
	return snap, nil
}

// ImportResult reports what an import actually did. Dropped records are
// always reported, never silently ignored.
type ImportResult struct {
	Skipped  bool // checksum matched, nothing written
	Imported int
	Repaired int
	Dropped  []*entity.CorruptionError
}

// ImportSnapshot replaces the store's contents with the snapshot's records,
// unless the snapshot's checksum equals the current one (no-op guard
// against redundant overwrites). Records failing validation go through the
// repair-or-drop policy.
func (s *Store) ImportSnapshot(ctx context.Context, snap *entity.Snapshot) (*ImportResult, error) {
	if snap == nil {
		return nil, fmt.Errorf("cannot import nil snapshot")
	}

	current, err := s.Checksum(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Checksum() == current {
		return &ImportResult{Skipped: true}, nil
	}

	res := &ImportResult{}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entity_records`); err != nil {
			return fmt.Errorf("failed to clear records for import: %w", err)
		}
		for _, kind := range entity.Kinds {
			for _, rec := range snap.Records[kind] {
				repaired, corr := repairRecord(kind, rec)
				if corr != nil && !corr.Repaired {
					res.Dropped = append(res.Dropped, corr)
					s.logger.Warn("dropped unrepairable record during import",
						"kind", kind, "id", rec.ID, "reason", corr.Reason)
					continue
				}
				if corr != nil {
					res.Repaired++
					s.logger.Info("repaired record during import",
						"kind", kind, "id", repaired.ID, "reason", corr.Reason)
				}
				if err := s.insertInTx(ctx, tx, repaired); err != nil {
					return err
				}
				res.Imported++
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO store_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, MetaSchemaVersion, strconv.Itoa(snap.SchemaVersion)); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// repairRecord applies the repair-or-drop policy to one imported record.
// It returns the (possibly repaired) record and a CorruptionError when
// anything was wrong: Repaired=true means the returned record is usable,
// Repaired=false means the record must be dropped.
func repairRecord(kind entity.Kind, rec entity.Record) (entity.Record, *entity.CorruptionError) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.LocalID == "" {
		rec.LocalID = rec.ID
	}
	if rec.Version < 1 {
		rec.Version = 1
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = entity.StatusPending
	}

	if rec.Payload == nil {
		return rec, &entity.CorruptionError{Kind: kind, ID: rec.ID, Reason: "missing payload"}
	}
	if rec.Payload.Kind() != kind {
		return rec, &entity.CorruptionError{Kind: kind, ID: rec.ID, Reason: "kind mismatch"}
	}

	err := rec.Payload.Validate()
	if err == nil {
		return rec, nil
	}

	// Field-level defaulting, per kind. Anything not repairable here is a
	// structural problem the store cannot invent data for.
	repaired := false
	switch p := rec.Payload.(type) {
	case *entity.Expense:
		if p.Title == "" {
			p.Title = "Untitled"
			repaired = true
		}
		if p.Amount < 0 {
			p.Amount = 0
			repaired = true
		}
	case *entity.Income:
		if p.Source == "" {
			p.Source = "unknown"
			repaired = true
		}
		if p.Amount < 0 {
			p.Amount = 0
			repaired = true
		}
	case *entity.Account:
		if p.Name == "" {
			p.Name = "Unnamed account"
			repaired = true
		}
	}

	if repaired {
		if verr := rec.Payload.Validate(); verr == nil {
			return rec, &entity.CorruptionError{Kind: kind, ID: rec.ID, Reason: err.Error(), Repaired: true}
		}
	}
	return rec, &entity.CorruptionError{Kind: kind, ID: rec.ID, Reason: err.Error()}
}

// ApplyResolved overwrites a record with its conflict-resolution result:
// payload replaced, version bumped, status set as directed by the resolver.
func (s *Store) ApplyResolved(ctx context.Context, rec entity.Record, status entity.SyncStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal resolved payload: %w", err)
		}
		now := s.nowMillis()
		syncedAt := int64(0)
		if status == entity.StatusSynced {
			syncedAt = now
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entity_records
				(kind, id, local_id, remote_id, sync_status, version, created_at, updated_at, last_synced_at, deleted, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(kind, id) DO UPDATE SET
				remote_id = excluded.remote_id,
				sync_status = excluded.sync_status,
				version = version + 1,
				updated_at = excluded.updated_at,
				last_synced_at = excluded.last_synced_at,
				deleted = 0,
				payload = excluded.payload
		`, string(rec.Kind()), rec.ID, orDefault(rec.LocalID, rec.ID), rec.RemoteID,
			string(status), rec.Version, rec.CreatedAt, now, syncedAt, string(payload))
		if err != nil {
			return fmt.Errorf("failed to apply resolved record: %w", err)
		}
		return nil
	})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
