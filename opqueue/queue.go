// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package opqueue implements the durable, deduplicated queue of local
// mutations awaiting remote confirmation. One row exists per
// (type, kind, entityId) tuple at any time: re-enqueueing the same tuple
// collapses into the existing row with the latest payload, which bounds
// queue growth under rapid repeated edits.
package opqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/localledger/localledger/entity"
)

// OpType classifies a queued mutation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// rank orders op types for batch formation: creates and updates go before
// deletes so referenced records exist remotely first.
func (t OpType) rank() int {
	if t == OpDelete {
		return 1
	}
	return 0
}

// OpStatus is the lifecycle state of a queued operation.
type OpStatus string

const (
	OpPending   OpStatus = "pending"
	OpSyncing   OpStatus = "syncing"
	OpFailed    OpStatus = "failed"
	OpCompleted OpStatus = "completed"
)

// Operation is one not-yet-confirmed mutation.
type Operation struct {
	ID            string          `json:"id"`
	Type          OpType          `json:"type"`
	Kind          entity.Kind     `json:"entityKind"`
	EntityID      string          `json:"entityId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt    int64           `json:"enqueuedAt"` // epoch millis
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	Status        OpStatus        `json:"status"`
	NextAttemptAt int64           `json:"nextAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

// OperationID derives the deterministic id for a (type, kind, entityId)
// tuple. Identical tuples always map to the same id, which is what makes
// enqueue deduplication work.
func OperationID(t OpType, kind entity.Kind, entityID string) string {
	return fmt.Sprintf("%s:%s:%s", t, kind, entityID)
}

// OverflowError signals the queue is at capacity. The caller must run
// Cleanup (or Clear) before enqueueing more; nothing is dropped silently.
type OverflowError struct {
	Size  int
	Limit int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("operation queue overflow: %d operations at limit %d", e.Size, e.Limit)
}

// IsOverflow reports whether err is (or wraps) an OverflowError.
func IsOverflow(err error) bool {
	var oe *OverflowError
	return errors.As(err, &oe)
}

// Config holds configuration for the operation queue.
type Config struct {
	MaxQueueSize  int
	MaxRetries    int
	RecencyWindow time.Duration // age bucket for priority
	Backoff       BackoffPolicy

	Clock func() time.Time
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxQueueSize:  1000,
		MaxRetries:    5,
		RecencyWindow: time.Minute,
		Backoff:       DefaultBackoff(),
		Clock:         time.Now,
	}
}

// Queue is the durable pending-operation log. It shares its database with
// the entity store so both can commit in one transaction.
type Queue struct {
	db     *sql.DB
	config *Config
	logger *slog.Logger
	subs   *subscribers
}

// New creates a queue over db, initializing its table.
func New(db *sql.DB, config *Config, logger *slog.Logger) (*Queue, error) {
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
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	// Operations left in 'syncing' by a crash resume as pending.
	if _, err := db.Exec(
		`UPDATE pending_operations SET status = ? WHERE status = ?`,
		string(OpPending), string(OpSyncing)); err != nil {
		return nil, fmt.Errorf("failed to reset in-flight operations: %w", err)
	}
	return &Queue{db: db, config: config, logger: logger, subs: newSubscribers()}, nil
}

func initializeSchema(db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS pending_operations (
			id              TEXT PRIMARY KEY,
			op_type         TEXT NOT NULL CHECK (op_type IN ('create','update','delete')),
			kind            TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			payload         TEXT,
			enqueued_at     INTEGER NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			max_retries     INTEGER NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			completed_at    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_operations_dispatch
			ON pending_operations(status, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_operations_entity
			ON pending_operations(kind, entity_id)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create queue table: %w", err)
		}
	}
	return nil
}

func (q *Queue) nowMillis() int64 { return q.config.Clock().UnixMilli() }

// Enqueue adds (or collapses) an operation in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (string, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := q.EnqueueTx(ctx, tx, op)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit enqueue: %w", err)
	}
	q.NotifyEnqueued(id)
	return id, nil
}

// EnqueueTx adds (or collapses) an operation inside the caller's
// transaction. The entity store uses this to make its write and the queue
// entry atomic as a pair. No added event is published here; the caller owns
// the transaction and calls NotifyEnqueued once it has committed, so
// subscribers never see operations that were rolled back.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, op Operation) (string, error) {
	if op.Type != OpCreate && op.Type != OpUpdate && op.Type != OpDelete {
		return "", fmt.Errorf("invalid operation type %q", op.Type)
	}
	id := OperationID(op.Type, op.Kind, op.EntityID)
	now := q.nowMillis()
	maxRetries := op.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.config.MaxRetries
	}

	var existing string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM pending_operations WHERE id = ?`, id).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New entry: enforce the queue bound before inserting.
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pending_operations WHERE status != ?`,
			string(OpCompleted)).Scan(&active); err != nil {
			return "", fmt.Errorf("failed to count queued operations: %w", err)
		}
		if q.config.MaxQueueSize > 0 && active >= q.config.MaxQueueSize {
			return "", &OverflowError{Size: active, Limit: q.config.MaxQueueSize}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_operations
				(id, op_type, kind, entity_id, payload, enqueued_at, retry_count, max_retries, status)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		`, id, string(op.Type), string(op.Kind), op.EntityID, payloadArg(op.Payload),
			now, maxRetries, string(OpPending)); err != nil {
			return "", fmt.Errorf("failed to insert operation: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("failed to look up operation: %w", err)
	default:
		// Collapse: keep the row, replace the payload with the latest one.
		// A completed or terminally failed row is revived, because this
		// enqueue represents a fresh local mutation.
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET payload = ?, enqueued_at = ?, status = ?,
				retry_count = CASE WHEN status IN ('completed','failed') THEN 0 ELSE retry_count END,
				next_attempt_at = 0, last_error = '', completed_at = 0
			WHERE id = ?
		`, payloadArg(op.Payload), now, string(OpPending), id); err != nil {
			return "", fmt.Errorf("failed to collapse operation: %w", err)
		}
	}

	return id, nil
}

// NotifyEnqueued publishes the added event for an operation whose enqueue
// transaction has committed.
func (q *Queue) NotifyEnqueued(id string) {
	if id == "" {
		return
	}
	q.subs.publish(Event{Kind: EventAdded, OperationID: id})
}

func payloadArg(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

// DeleteForEntityTx removes every queued operation for an entity inside the
// caller's transaction (used when a never-synced record is purged, and for
// caller-requested cancellation of scheduled work).
func (q *Queue) DeleteForEntityTx(ctx context.Context, tx *sql.Tx, kind entity.Kind, entityID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE kind = ? AND entity_id = ?`,
		string(kind), entityID)
	if err != nil {
		return fmt.Errorf("failed to delete operations for %s/%s: %w", kind, entityID, err)
	}
	return nil
}

// DequeueBatch claims up to limit dispatchable operations, marking them
// syncing. Priority: operations enqueued within the recency window first,
// then creates/updates before deletes, then fewer retries first.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := q.nowMillis()
	cutoff := now - q.config.RecencyWindow.Milliseconds()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, op_type, kind, entity_id, payload, enqueued_at, retry_count, max_retries, status, next_attempt_at, last_error
		FROM pending_operations
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY
			CASE WHEN enqueued_at >= ? THEN 0 ELSE 1 END,
			CASE op_type WHEN 'delete' THEN 1 ELSE 0 END,
			retry_count,
			enqueued_at
		LIMIT ?
	`, string(OpPending), now, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatchable operations: %w", err)
	}
	ops, err := scanOperations(rows)
	if err != nil {
		return nil, err
	}

	for i := range ops {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_operations SET status = ? WHERE id = ?`,
			string(OpSyncing), ops[i].ID); err != nil {
			return nil, fmt.Errorf("failed to claim operation: %w", err)
		}
		ops[i].Status = OpSyncing
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch claim: %w", err)
	}

	if len(ops) > 0 {
		q.subs.publish(Event{Kind: EventBatchStarted, BatchSize: len(ops)})
	}
	return ops, nil
}

func scanOperations(rows *sql.Rows) ([]Operation, error) {
	defer rows.Close()
	var ops []Operation
	for rows.Next() {
		var (
			op                   Operation
			opType, kind, status string
			payload              sql.NullString
		)
		if err := rows.Scan(&op.ID, &opType, &kind, &op.EntityID, &payload,
			&op.EnqueuedAt, &op.RetryCount, &op.MaxRetries, &status,
			&op.NextAttemptAt, &op.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Type = OpType(opType)
		op.Kind = entity.Kind(kind)
		op.Status = OpStatus(status)
		if payload.Valid {
			op.Payload = json.RawMessage(payload.String)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}

// Outcome classifies the result of attempting one operation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryableError
	OutcomeTerminalError
)

// MarkResult records the outcome of a dispatched operation. Retryable
// failures schedule the next attempt per the backoff policy; exceeding
// MaxRetries (or a terminal error) parks the operation in failed state
// where it stays queryable until retried or cleared explicitly. The
// returned flag reports whether the operation was parked failed, so the
// caller can propagate the terminal state to the entity record.
func (q *Queue) MarkResult(ctx context.Context, id string, outcome Outcome, opErr error) (bool, error) {
	now := q.nowMillis()
	errText := ""
	if opErr != nil {
		errText = opErr.Error()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx,
		`SELECT retry_count, max_retries FROM pending_operations WHERE id = ?`,
		id).Scan(&retryCount, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("operation %s not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up operation: %w", err)
	}

	var event Event
	parked := false
	switch outcome {
	case OutcomeSuccess:
		_, err = tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET status = ?, completed_at = ?, last_error = ''
			WHERE id = ?
		`, string(OpCompleted), now, id)
		event = Event{Kind: EventCompleted, OperationID: id}

	case OutcomeRetryableError:
		if retryCount+1 > maxRetries {
			_, err = tx.ExecContext(ctx, `
				UPDATE pending_operations
				SET status = ?, retry_count = ?, last_error = ?
				WHERE id = ?
			`, string(OpFailed), retryCount+1, errText, id)
			event = Event{Kind: EventFailed, OperationID: id, Err: errText}
			parked = true
		} else {
			delay := q.config.Backoff.Delay(retryCount)
			_, err = tx.ExecContext(ctx, `
				UPDATE pending_operations
				SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?
				WHERE id = ?
			`, string(OpPending), retryCount+1, now+delay.Milliseconds(), errText, id)
		}

	case OutcomeTerminalError:
		_, err = tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET status = ?, last_error = ?
			WHERE id = ?
		`, string(OpFailed), errText, id)
		event = Event{Kind: EventFailed, OperationID: id, Err: errText}
		parked = true

	default:
		return false, fmt.Errorf("unknown outcome %d", outcome)
	}
	if err != nil {
		return false, fmt.Errorf("failed to record result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit result: %w", err)
	}

	if event.Kind != "" {
		q.subs.publish(event)
	}
	return parked, nil
}

// Counts summarizes queue occupancy per lifecycle state.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Completed  int `json:"completed"`
}

// Status returns per-state operation counts.
func (q *Queue) Status(ctx context.Context) (Counts, error) {
	var c Counts
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pending_operations GROUP BY status`)
	if err != nil {
		return c, fmt.Errorf("failed to query queue status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("failed to scan status count: %w", err)
		}
		switch OpStatus(status) {
		case OpPending:
			c.Pending = n
		case OpSyncing:
			c.Processing = n
		case OpFailed:
			c.Failed = n
		case OpCompleted:
			c.Completed = n
		}
	}
	return c, rows.Err()
}

// Get returns one operation by id.
func (q *Queue) Get(ctx context.Context, id string) (Operation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, op_type, kind, entity_id, payload, enqueued_at, retry_count, max_retries, status, next_attempt_at, last_error
		FROM pending_operations WHERE id = ?
	`, id)
	if err != nil {
		return Operation{}, fmt.Errorf("failed to query operation: %w", err)
	}
	ops, err := scanOperations(rows)
	if err != nil {
		return Operation{}, err
	}
	if len(ops) == 0 {
		return Operation{}, fmt.Errorf("operation %s not found", id)
	}
	return ops[0], nil
}

// Failed lists terminally failed operations with their last errors.
func (q *Queue) Failed(ctx context.Context) ([]Operation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, op_type, kind, entity_id, payload, enqueued_at, retry_count, max_retries, status, next_attempt_at, last_error
		FROM pending_operations WHERE status = ? ORDER BY enqueued_at
	`, string(OpFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query failed operations: %w", err)
	}
	return scanOperations(rows)
}

// Remove cancels a scheduled operation that has not been dispatched yet.
// Returns false when the operation is missing or already in flight.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE id = ? AND status = ?`,
		id, string(OpPending))
	if err != nil {
		return false, fmt.Errorf("failed to remove operation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RetryFailed manually requeues a terminally failed operation with a fresh
// retry budget.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET status = ?, retry_count = 0, next_attempt_at = 0, last_error = ''
		WHERE id = ? AND status = ?
	`, string(OpPending), id, string(OpFailed))
	if err != nil {
		return fmt.Errorf("failed to retry operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s is not in failed state", id)
	}
	return nil
}

// Clear removes every operation regardless of state.
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_operations`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

// Cleanup purges completed operations older than the given age. Maintenance
// only; never part of the write path.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := q.nowMillis() - olderThan.Milliseconds()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE status = ? AND completed_at > 0 AND completed_at < ?`,
		string(OpCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up completed operations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Debug("purged completed operations", "count", n)
	}
	return n, nil
}
