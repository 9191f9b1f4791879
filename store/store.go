// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the durable, versioned entity store backing the
// local replica. All writes run inside one serialized transaction queue:
// a mutex orders them FIFO and each group executes in a single SQLite
// transaction, so a failing step rolls the whole group back.
//
// The store and the operation queue share one database file; every mutating
// call enqueues its sync operation inside the same transaction, which is
// what makes the store-write/queue-entry pair atomic.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/localledger/localledger/entity"
	"github.com/localledger/localledger/opqueue"
)

// OpWriter is the slice of the operation queue the store needs: queueing and
// unqueueing operations inside the store's own transaction, plus the
// post-commit event notification.
type OpWriter interface {
	EnqueueTx(ctx context.Context, tx *sql.Tx, op opqueue.Operation) (string, error)
	DeleteForEntityTx(ctx context.Context, tx *sql.Tx, kind entity.Kind, entityID string) error
	NotifyEnqueued(id string)
}

// Config holds configuration for the entity store.
type Config struct {
	SchemaVersion  int
	LocalOnlyKinds []entity.Kind // kinds never queued for remote sync
	Clock          func() time.Time
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		SchemaVersion: 1,
		Clock:         time.Now,
	}
}

// Filter narrows List results. A nil filter matches everything.
type Filter func(entity.Record) bool

// Store is the single source of truth for local records.
type Store struct {
	db      *sql.DB
	queue   OpWriter
	config  *Config
	logger  *slog.Logger
	writeMu sync.Mutex // serializes the transaction queue (FIFO)

	localOnly map[entity.Kind]bool
}

// New creates a store over db, initializing its tables. queue may be nil
// for stores that never sync (all kinds treated as local-only).
func New(db *sql.DB, queue OpWriter, config *Config, logger *slog.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	s := &Store{
		db:        db,
		queue:     queue,
		config:    config,
		logger:    logger,
		localOnly: make(map[entity.Kind]bool),
	}
	for _, k := range config.LocalOnlyKinds {
		s.localOnly[k] = true
	}

	if err := s.ensureSchemaVersion(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS entity_records (
			kind           TEXT NOT NULL,
			id             TEXT NOT NULL,
			local_id       TEXT NOT NULL,
			remote_id      TEXT NOT NULL DEFAULT '',
			sync_status    TEXT NOT NULL,
			version        INTEGER NOT NULL,
			created_at     INTEGER NOT NULL,  -- epoch millis
			updated_at     INTEGER NOT NULL,  -- epoch millis
			last_synced_at INTEGER NOT NULL DEFAULT 0,
			deleted        INTEGER NOT NULL DEFAULT 0,
			payload        TEXT NOT NULL,     -- JSON, typed per kind
			PRIMARY KEY (kind, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_records_updated
			ON entity_records(updated_at)`,
		`CREATE TABLE IF NOT EXISTS store_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create store table: %w", err)
		}
	}
	return nil
}

func (s *Store) ensureSchemaVersion(ctx context.Context) error {
	cur, err := s.GetMeta(ctx, MetaSchemaVersion)
	if err != nil {
		return err
	}
	if cur == "" {
		return s.SetMeta(ctx, MetaSchemaVersion, strconv.Itoa(s.config.SchemaVersion))
	}
	return nil
}

func (s *Store) nowMillis() int64 { return s.config.Clock().UnixMilli() }

// withTx runs fn in one transaction under the write mutex. Any error rolls
// the transaction back, restoring the pre-transaction state of the store.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Create validates and stores a new record (version 1, status pending) and
// queues its create operation atomically.
func (s *Store) Create(ctx context.Context, payload entity.Payload) (entity.Record, error) {
	var rec entity.Record
	var opID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, opID, err = s.createInTx(ctx, tx, payload)
		return err
	})
	if err != nil {
		return rec, err
	}
	s.notifyEnqueued(opID)
	return rec, nil
}

// CreateAll stores several new records in one transaction so partial
// creation never occurs (e.g. an expense plus its newly introduced
// categories).
func (s *Store) CreateAll(ctx context.Context, payloads []entity.Payload) ([]entity.Record, error) {
	recs := make([]entity.Record, 0, len(payloads))
	opIDs := make([]string, 0, len(payloads))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range payloads {
			rec, opID, err := s.createInTx(ctx, tx, p)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			opIDs = append(opIDs, opID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyEnqueued(opIDs...)
	return recs, nil
}

func (s *Store) createInTx(ctx context.Context, tx *sql.Tx, payload entity.Payload) (entity.Record, string, error) {
	if payload == nil || !payload.Kind().Valid() {
		return entity.Record{}, "", &entity.ValidationError{Field: "kind", Reason: "unknown entity kind"}
	}
	if err := payload.Validate(); err != nil {
		return entity.Record{}, "", err
	}

	now := s.nowMillis()
	localID := uuid.New().String()
	rec := entity.Record{
		ID:         localID, // id equals remote id once synced; until then the local id stands in
		LocalID:    localID,
		SyncStatus: entity.StatusPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		Payload:    payload,
	}
	if err := s.insertInTx(ctx, tx, rec); err != nil {
		return entity.Record{}, "", err
	}
	opID, err := s.enqueueInTx(ctx, tx, opqueue.OpCreate, rec)
	if err != nil {
		return entity.Record{}, "", err
	}
	return rec, opID, nil
}

func (s *Store) insertInTx(ctx context.Context, tx *sql.Tx, rec entity.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", rec.Kind(), err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_records
			(kind, id, local_id, remote_id, sync_status, version, created_at, updated_at, last_synced_at, deleted, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, string(rec.Kind()), rec.ID, rec.LocalID, rec.RemoteID, string(rec.SyncStatus),
		rec.Version, rec.CreatedAt, rec.UpdatedAt, rec.LastSyncedAt, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert %s record: %w", rec.Kind(), err)
	}
	return nil
}

// enqueueInTx queues the sync operation for rec unless its kind is
// local-only or no queue is attached. The returned id is "" when nothing was
// queued; the caller passes it to notifyEnqueued after the commit.
func (s *Store) enqueueInTx(ctx context.Context, tx *sql.Tx, opType opqueue.OpType, rec entity.Record) (string, error) {
	if s.queue == nil || s.localOnly[rec.Kind()] {
		return "", nil
	}
	// Delete operations carry the record too: the sync manager needs the
	// remote id to address the remote call.
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal operation payload: %w", err)
	}
	id, err := s.queue.EnqueueTx(ctx, tx, opqueue.Operation{
		Type:     opType,
		Kind:     rec.Kind(),
		EntityID: rec.ID,
		Payload:  payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s operation: %w", opType, err)
	}
	return id, nil
}

// notifyEnqueued publishes added events for operations whose enclosing
// transaction has committed. Empty ids (local-only kinds) are skipped.
func (s *Store) notifyEnqueued(ids ...string) {
	if s.queue == nil {
		return
	}
	for _, id := range ids {
		if id != "" {
			s.queue.NotifyEnqueued(id)
		}
	}
}

// Update applies patch onto the record's payload, bumps the version, resets
// status to pending and queues the update. Returns ErrNotFound for unknown
// ids.
func (s *Store) Update(ctx context.Context, kind entity.Kind, id string, patch map[string]any) (entity.Record, error) {
	var rec entity.Record
	var opID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getInTx(ctx, tx, kind, id)
		if err != nil {
			return err
		}

		merged, err := patchPayload(kind, cur.Payload, patch)
		if err != nil {
			return err
		}
		if err := merged.Validate(); err != nil {
			return err
		}

		cur.Payload = merged
		cur.Version++ // exactly one bump per committed mutation
		cur.UpdatedAt = s.nowMillis()
		cur.SyncStatus = entity.StatusPending

		payload, err := json.Marshal(cur.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE entity_records
			SET payload = ?, version = ?, updated_at = ?, sync_status = ?
			WHERE kind = ? AND id = ? AND deleted = 0
		`, string(payload), cur.Version, cur.UpdatedAt, string(cur.SyncStatus), string(kind), id)
		if err != nil {
			return fmt.Errorf("failed to update %s record: %w", kind, err)
		}

		// Dedup in the queue collapses rapid successive updates to one entry.
		opType := opqueue.OpUpdate
		if cur.RemoteID == "" {
			// Not yet accepted remotely: keep it a create so the remote
			// authority sees one insert with the latest payload.
			opType = opqueue.OpCreate
		}
		opID, err = s.enqueueInTx(ctx, tx, opType, cur)
		if err != nil {
			return err
		}
		rec = cur
		return nil
	})
	if err != nil {
		return rec, err
	}
	s.notifyEnqueued(opID)
	return rec, nil
}

// patchPayload merges patch keys into the payload's JSON form and decodes
// the result back into the typed struct for kind.
func patchPayload(kind entity.Kind, cur entity.Payload, patch map[string]any) (entity.Payload, error) {
	raw, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal current payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal current payload: %w", err)
	}
	for k, v := range patch {
		m[k] = v
	}
	mergedRaw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patched payload: %w", err)
	}
	merged, err := entity.DecodePayload(kind, mergedRaw)
	if err != nil {
		return nil, &entity.ValidationError{Kind: kind, Field: "payload", Reason: err.Error()}
	}
	return merged, nil
}

// Delete removes a record. Never-synced records are purged immediately and
// their queued operations dropped; synced records are tombstoned and a
// delete operation is queued until the remote confirms.
func (s *Store) Delete(ctx context.Context, kind entity.Kind, id string) (bool, error) {
	deleted := false
	var opID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getInTx(ctx, tx, kind, id)
		if errors.Is(err, entity.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if cur.RemoteID == "" {
			// Never reached the remote: purge locally, cancel pending ops.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM entity_records WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
				return fmt.Errorf("failed to delete %s record: %w", kind, err)
			}
			if s.queue != nil && !s.localOnly[kind] {
				if err := s.queue.DeleteForEntityTx(ctx, tx, kind, id); err != nil {
					return fmt.Errorf("failed to drop queued operations: %w", err)
				}
			}
			deleted = true
			return nil
		}

		// Tombstone until the remote acknowledges the delete.
		now := s.nowMillis()
		if _, err := tx.ExecContext(ctx, `
			UPDATE entity_records
			SET deleted = 1, sync_status = ?, updated_at = ?, version = version + 1
			WHERE kind = ? AND id = ?
		`, string(entity.StatusPending), now, string(kind), id); err != nil {
			return fmt.Errorf("failed to tombstone %s record: %w", kind, err)
		}
		cur.SyncStatus = entity.StatusPending
		opID, err = s.enqueueInTx(ctx, tx, opqueue.OpDelete, cur)
		if err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return deleted, err
	}
	s.notifyEnqueued(opID)
	return deleted, nil
}

// ConfirmDelete purges a tombstoned record after the remote acknowledged
// its deletion.
func (s *Store) ConfirmDelete(ctx context.Context, kind entity.Kind, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entity_records WHERE kind = ? AND id = ? AND deleted = 1`,
			string(kind), id); err != nil {
			return fmt.Errorf("failed to purge tombstone: %w", err)
		}
		return nil
	})
}

// Get returns the live (non-tombstoned) record with the given id.
func (s *Store) Get(ctx context.Context, kind entity.Kind, id string) (entity.Record, error) {
	return s.get(ctx, s.db, kind, id)
}

func (s *Store) getInTx(ctx context.Context, tx *sql.Tx, kind entity.Kind, id string) (entity.Record, error) {
	return s.get(ctx, tx, kind, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) get(ctx context.Context, q querier, kind entity.Kind, id string) (entity.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT kind, id, local_id, remote_id, sync_status, version, created_at, updated_at, last_synced_at, payload
		FROM entity_records
		WHERE kind = ? AND id = ? AND deleted = 0
	`, string(kind), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Record{}, entity.ErrNotFound
	}
	if err != nil {
		return entity.Record{}, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (entity.Record, error) {
	var (
		kindStr, id, localID, remoteID, statusStr, payloadStr string
		version, createdAt, updatedAt, lastSyncedAt           int64
	)
	err := row.Scan(&kindStr, &id, &localID, &remoteID, &statusStr,
		&version, &createdAt, &updatedAt, &lastSyncedAt, &payloadStr)
	if err != nil {
		return entity.Record{}, err
	}
	payload, err := entity.DecodePayload(entity.Kind(kindStr), json.RawMessage(payloadStr))
	if err != nil {
		return entity.Record{}, fmt.Errorf("failed to decode stored payload: %w", err)
	}
	return entity.Record{
		ID:           id,
		LocalID:      localID,
		RemoteID:     remoteID,
		SyncStatus:   entity.SyncStatus(statusStr),
		Version:      version,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		LastSyncedAt: lastSyncedAt,
		Payload:      payload,
	}, nil
}

// List returns all live records of a kind, optionally filtered, ordered by
// creation time.
func (s *Store) List(ctx context.Context, kind entity.Kind, filter Filter) ([]entity.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, local_id, remote_id, sync_status, version, created_at, updated_at, last_synced_at, payload
		FROM entity_records
		WHERE kind = ? AND deleted = 0
		ORDER BY created_at, id
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", kind, err)
	}
	defer rows.Close()

	var out []entity.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if filter == nil || filter(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", kind, err)
	}
	return out, nil
}

// MarkSyncing flags a record as having an in-flight upload.
func (s *Store) MarkSyncing(ctx context.Context, kind entity.Kind, id string) error {
	return s.setStatus(ctx, kind, id, entity.StatusSyncing)
}

// MarkFailed flags a record whose upload terminally failed.
func (s *Store) MarkFailed(ctx context.Context, kind entity.Kind, id string) error {
	return s.setStatus(ctx, kind, id, entity.StatusFailed)
}

// MarkConflict flags a record awaiting manual conflict resolution.
func (s *Store) MarkConflict(ctx context.Context, kind entity.Kind, id string) error {
	return s.setStatus(ctx, kind, id, entity.StatusConflict)
}

func (s *Store) setStatus(ctx context.Context, kind entity.Kind, id string, status entity.SyncStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE entity_records SET sync_status = ? WHERE kind = ? AND id = ?
		`, string(status), string(kind), id)
		if err != nil {
			return fmt.Errorf("failed to set sync status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return entity.ErrNotFound
		}
		return nil
	})
}

// MarkSynced records remote acceptance: sets the remote id, status synced
// and lastSyncedAt. lastSyncedAt never lands below updatedAt, preserving
// the synced ⇒ lastSyncedAt ≥ updatedAt invariant.
func (s *Store) MarkSynced(ctx context.Context, kind entity.Kind, id, remoteID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getInTx(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		syncedAt := s.nowMillis()
		if syncedAt < cur.UpdatedAt {
			syncedAt = cur.UpdatedAt
		}
		if remoteID == "" {
			remoteID = cur.RemoteID
		}
		if remoteID == "" {
			return fmt.Errorf("cannot mark %s/%s synced without a remote id", kind, id)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE entity_records
			SET remote_id = ?, sync_status = ?, last_synced_at = ?
			WHERE kind = ? AND id = ?
		`, remoteID, string(entity.StatusSynced), syncedAt, string(kind), id)
		if err != nil {
			return fmt.Errorf("failed to mark record synced: %w", err)
		}
		return nil
	})
}

// CombinedSyncStatus is synced iff every record is synced, else pending.
// Consumed by the UI layer (§6).
func (s *Store) CombinedSyncStatus(ctx context.Context) (entity.SyncStatus, error) {
	var unsynced int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entity_records WHERE deleted = 0 AND sync_status != ?
	`, string(entity.StatusSynced)).Scan(&unsynced)
	if err != nil {
		return "", fmt.Errorf("failed to compute combined status: %w", err)
	}
	if unsynced == 0 {
		return entity.StatusSynced, nil
	}
	return entity.StatusPending, nil
}

// Meta keys read/updated by the store and its collaborators.
const (
	MetaSchemaVersion     = "schema_version"
	MetaLastSyncTimestamp = "last_sync_timestamp"
	MetaDataChecksum      = "data_checksum"
	MetaResolutionHistory = "resolution_history"
)

// GetMeta returns the metadata value for key ("" when absent).
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM store_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta writes a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO store_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value)
		if err != nil {
			return fmt.Errorf("failed to write meta %s: %w", key, err)
		}
		return nil
	})
}

// Metadata is the view exposed to the migration collaborator and the UI.
type Metadata struct {
	SchemaVersion int
	TotalRecords  int
	Checksum      string
	LastSyncAt    int64
}

// Metadata reports the store's schema version, record count and checksum.
func (s *Store) Metadata(ctx context.Context) (Metadata, error) {
	var md Metadata

	sv, err := s.GetMeta(ctx, MetaSchemaVersion)
	if err != nil {
		return md, err
	}
	if sv != "" {
		md.SchemaVersion, _ = strconv.Atoi(sv)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_records WHERE deleted = 0`).Scan(&md.TotalRecords); err != nil {
		return md, fmt.Errorf("failed to count records: %w", err)
	}

	md.Checksum, err = s.Checksum(ctx)
	if err != nil {
		return md, err
	}

	last, err := s.GetMeta(ctx, MetaLastSyncTimestamp)
	if err != nil {
		return md, err
	}
	if last != "" {
		md.LastSyncAt, _ = strconv.ParseInt(last, 10, 64)
	}
	return md, nil
}

// SetSchemaVersion updates the schema version (migration collaborator hook).
func (s *Store) SetSchemaVersion(ctx context.Context, v int) error {
	return s.SetMeta(ctx, MetaSchemaVersion, strconv.Itoa(v))
}

// Delta lists per-kind identifiers changed since a timestamp, used by
// incremental sync to avoid retransmitting full snapshots.
type Delta struct {
	Created map[entity.Kind][]string
	Updated map[entity.Kind][]string
	Deleted map[entity.Kind][]string
}

// Empty reports whether the delta carries no changes at all.
func (d Delta) Empty() bool {
	for _, m := range []map[entity.Kind][]string{d.Created, d.Updated, d.Deleted} {
		for _, ids := range m {
			if len(ids) > 0 {
				return false
			}
		}
	}
	return true
}

// ChangedSince computes per-kind created/updated/deleted identifiers since
// the given epoch-millisecond timestamp.
func (s *Store) ChangedSince(ctx context.Context, since int64) (Delta, error) {
	d := Delta{
		Created: make(map[entity.Kind][]string),
		Updated: make(map[entity.Kind][]string),
		Deleted: make(map[entity.Kind][]string),
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, remote_id, created_at, updated_at, deleted
		FROM entity_records
		WHERE updated_at > ? OR created_at > ?
	`, since, since)
	if err != nil {
		return d, fmt.Errorf("failed to query changed records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kindStr, id, remoteID          string
			createdAt, updatedAt, deletedI int64
		)
		if err := rows.Scan(&kindStr, &id, &remoteID, &createdAt, &updatedAt, &deletedI); err != nil {
			return d, fmt.Errorf("failed to scan changed record: %w", err)
		}
		kind := entity.Kind(kindStr)
		switch {
		case deletedI == 1:
			d.Deleted[kind] = append(d.Deleted[kind], id)
		case remoteID == "" && createdAt > since:
			d.Created[kind] = append(d.Created[kind], id)
		default:
			d.Updated[kind] = append(d.Updated[kind], id)
		}
	}
	if err := rows.Err(); err != nil {
		return d, fmt.Errorf("error iterating changed records: %w", err)
	}
	return d, nil
}
