// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncmgr orchestrates movement of queued operations to the remote
// authority and bulk reconciliation using the conflict detector's verdicts.
// It is the only component that performs remote I/O.
package syncmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localledger/localledger/conflict"
	"github.com/localledger/localledger/entity"
	"github.com/localledger/localledger/opqueue"
	"github.com/localledger/localledger/store"
)

// ErrSyncInProgress rejects a second concurrent sync immediately instead of
// queueing it, so partial uploads never interleave.
var ErrSyncInProgress = errors.New("sync operation already in progress")

// ErrOffline is returned when the network provider reports no connectivity.
var ErrOffline = errors.New("network offline")

// Config holds configuration for the sync manager.
type Config struct {
	BatchSize      int
	MaxConcurrency int
	Debounce       time.Duration // connectivity-change debounce
	SyncInterval   time.Duration // background drain interval
	BackoffMin     time.Duration // background loop backoff
	BackoffMax     time.Duration
	HistoryCap     int // retained resolution-history entries

	Clock func() time.Time
}

// DefaultConfig returns the default sync manager configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      50,
		MaxConcurrency: 4,
		Debounce:       500 * time.Millisecond,
		SyncInterval:   30 * time.Second,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
		HistoryCap:     conflict.DefaultHistoryCap,
		Clock:          time.Now,
	}
}

// OpError is one failed operation inside a batch. Failures aggregate here
// instead of aborting the batch.
type OpError struct {
	OperationID string      `json:"operationId"`
	Kind        entity.Kind `json:"entityKind"`
	EntityID    string      `json:"entityId"`
	Err         string      `json:"error"`
	Terminal    bool        `json:"terminal"`
}

// SyncResult aggregates what one sync pass did.
type SyncResult struct {
	SyncedCount  int             `json:"syncedCount"`
	FailedCount  int             `json:"failedCount"`
	AutoResolved int             `json:"autoResolved"`
	Errors       []OpError       `json:"errors,omitempty"`
	Conflicts    []conflict.Item `json:"conflicts,omitempty"` // unresolved, need a decision
}

// Manager moves queued operations to the remote authority and reconciles
// divergent snapshots.
type Manager struct {
	store    *store.Store
	queue    *opqueue.Queue
	remote   Remote
	detector *conflict.Detector
	history  *conflict.History
	network  NetworkConditionProvider
	config   *Config
	logger   *slog.Logger

	// Active-operation set: one entry while a sync runs; a second begin()
	// is rejected immediately.
	activeMu sync.Mutex
	active   map[string]string

	debounceMu sync.Mutex
	debounce   *time.Timer
}

// New creates a sync manager. The resolution history is restored from the
// store's metadata if a previous process persisted one.
func New(st *store.Store, queue *opqueue.Queue, remote Remote, detector *conflict.Detector,
	network NetworkConditionProvider, config *Config, logger *slog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if detector == nil {
		detector = conflict.NewDetector(conflict.DefaultThresholds())
	}
	if network == nil {
		network = StaticProvider{C: ConditionGood}
	}

	m := &Manager{
		store:    st,
		queue:    queue,
		remote:   remote,
		detector: detector,
		history:  conflict.NewHistory(config.HistoryCap),
		network:  network,
		config:   config,
		logger:   logger,
		active:   make(map[string]string),
	}
	if raw, err := st.GetMeta(context.Background(), store.MetaResolutionHistory); err == nil && raw != "" {
		if err := m.history.ImportJSON([]byte(raw)); err != nil {
			logger.Warn("failed to restore resolution history", "error", err)
		}
	}
	return m
}

// History exposes the resolution history for audit queries.
func (m *Manager) History() *conflict.History { return m.history }

func (m *Manager) begin(label string) (string, error) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	if len(m.active) > 0 {
		return "", ErrSyncInProgress
	}
	id := uuid.New().String()
	m.active[id] = label
	return id, nil
}

func (m *Manager) end(id string) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	delete(m.active, id)
}

// tune adapts batch size and concurrency to network conditions: smaller
// batches and no parallelism on constrained connections.
func (m *Manager) tune(cond Condition) (batchSize, concurrency int) {
	batchSize = m.config.BatchSize
	concurrency = m.config.MaxConcurrency
	if batchSize <= 0 {
		batchSize = 50
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if cond == ConditionConstrained {
		batchSize = batchSize / 4
		if batchSize < 1 {
			batchSize = 1
		}
		concurrency = 1
	}
	return batchSize, concurrency
}

// UploadPending drains one priority batch of queued operations to the
// remote authority. Per-operation failures aggregate into the result; they
// never abort the rest of the batch.
func (m *Manager) UploadPending(ctx context.Context) (SyncResult, error) {
	id, err := m.begin("upload")
	if err != nil {
		return SyncResult{}, err
	}
	defer m.end(id)
	return m.uploadLocked(ctx)
}

func (m *Manager) uploadLocked(ctx context.Context) (SyncResult, error) {
	cond := m.network.Condition()
	if cond == ConditionOffline {
		return SyncResult{}, ErrOffline
	}
	batchSize, concurrency := m.tune(cond)

	var result SyncResult
	for {
		ops, err := m.queue.DequeueBatch(ctx, batchSize)
		if err != nil {
			return result, err
		}
		if len(ops) == 0 {
			break
		}
		m.processBatch(ctx, ops, concurrency, &result)
		if len(ops) < batchSize {
			break
		}
	}

	if err := m.persistSyncState(ctx); err != nil {
		m.logger.Warn("failed to persist sync state", "error", err)
	}
	return result, nil
}

// processBatch groups operations by entity kind and fans each group out
// with bounded concurrency. Operations sharing an entity form one lane that
// runs sequentially on a single goroutine, mutations before the delete, so
// same-entity ordering holds no matter how the batch interleaves.
func (m *Manager) processBatch(ctx context.Context, ops []opqueue.Operation, concurrency int, result *SyncResult) {
	groups := make(map[entity.Kind][]opqueue.Operation)
	var order []entity.Kind
	for _, op := range ops {
		if _, ok := groups[op.Kind]; !ok {
			order = append(order, op.Kind)
		}
		groups[op.Kind] = append(groups[op.Kind], op)
	}

	var mu sync.Mutex
	record := func(op opqueue.Operation, opErr error) {
		mu.Lock()
		defer mu.Unlock()
		if opErr == nil {
			result.SyncedCount++
			return
		}
		result.FailedCount++
		result.Errors = append(result.Errors, OpError{
			OperationID: op.ID,
			Kind:        op.Kind,
			EntityID:    op.EntityID,
			Err:         opErr.Error(),
			Terminal:    !IsRetryable(opErr),
		})
	}

	for _, kind := range order {
		lanes := make(map[string][]opqueue.Operation)
		var laneOrder []string
		for _, op := range groups[kind] {
			if _, ok := lanes[op.EntityID]; !ok {
				laneOrder = append(laneOrder, op.EntityID)
			}
			lanes[op.EntityID] = append(lanes[op.EntityID], op)
		}

		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		for _, entityID := range laneOrder {
			lane := lanes[entityID]
			// The delete is the final user intent for an entity; earlier
			// mutations apply first.
			sort.SliceStable(lane, func(i, j int) bool {
				return lane[i].Type != opqueue.OpDelete && lane[j].Type == opqueue.OpDelete
			})
			wg.Add(1)
			sem <- struct{}{}
			go func(lane []opqueue.Operation) {
				defer wg.Done()
				defer func() { <-sem }()
				for _, op := range lane {
					record(op, m.applyOperation(ctx, op))
				}
			}(lane)
		}
		wg.Wait()
	}
}

// applyOperation translates one queued operation into one remote call and
// records the outcome on the queue and the store.
func (m *Manager) applyOperation(ctx context.Context, op opqueue.Operation) error {
	var rec entity.Record
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &rec); err != nil {
			markErr := fmt.Errorf("undecodable operation payload: %w", err)
			_, _ = m.queue.MarkResult(ctx, op.ID, opqueue.OutcomeTerminalError, markErr)
			return markErr
		}
	}

	var callErr error
	switch op.Type {
	case opqueue.OpCreate:
		var remoteID string
		remoteID, callErr = m.remote.Create(ctx, op.Kind, op.Payload)
		if callErr == nil {
			if err := m.store.MarkSynced(ctx, op.Kind, op.EntityID, remoteID); err != nil &&
				!errors.Is(err, entity.ErrNotFound) {
				m.logger.Error("failed to mark record synced", "kind", op.Kind, "id", op.EntityID, "error", err)
			}
		}

	case opqueue.OpUpdate:
		if rec.RemoteID == "" {
			// Raced with a collapse: the record never reached the remote, so
			// this update is really a create.
			var remoteID string
			remoteID, callErr = m.remote.Create(ctx, op.Kind, op.Payload)
			if callErr == nil {
				if err := m.store.MarkSynced(ctx, op.Kind, op.EntityID, remoteID); err != nil &&
					!errors.Is(err, entity.ErrNotFound) {
					m.logger.Error("failed to mark record synced", "kind", op.Kind, "id", op.EntityID, "error", err)
				}
			}
		} else {
			callErr = m.remote.Update(ctx, op.Kind, rec.RemoteID, op.Payload)
			if isNotFound(callErr) {
				if _, err := m.store.Get(ctx, op.Kind, op.EntityID); errors.Is(err, entity.ErrNotFound) {
					// The record was deleted locally after this update was
					// queued; the remote copy is already gone. Recreating it
					// would resurrect a deleted entity.
					callErr = nil
					break
				}
				// Remote copy vanished (wipe or restore on the authority side):
				// recreate it instead of failing the operation.
				m.logger.Warn("remote record missing on update, recreating",
					"kind", op.Kind, "id", op.EntityID, "remoteId", rec.RemoteID)
				var remoteID string
				remoteID, callErr = m.remote.Create(ctx, op.Kind, op.Payload)
				rec.RemoteID = remoteID
			}
			if callErr == nil {
				if err := m.store.MarkSynced(ctx, op.Kind, op.EntityID, rec.RemoteID); err != nil &&
					!errors.Is(err, entity.ErrNotFound) {
					m.logger.Error("failed to mark record synced", "kind", op.Kind, "id", op.EntityID, "error", err)
				}
			}
		}

	case opqueue.OpDelete:
		if rec.RemoteID != "" {
			callErr = m.remote.Delete(ctx, op.Kind, rec.RemoteID)
		}
		if callErr == nil {
			if err := m.store.ConfirmDelete(ctx, op.Kind, op.EntityID); err != nil {
				m.logger.Error("failed to purge tombstone", "kind", op.Kind, "id", op.EntityID, "error", err)
			}
		}

	default:
		callErr = fmt.Errorf("unknown operation type %q", op.Type)
	}

	switch {
	case callErr == nil:
		_, _ = m.queue.MarkResult(ctx, op.ID, opqueue.OutcomeSuccess, nil)
	case IsRetryable(callErr):
		exhausted, _ := m.queue.MarkResult(ctx, op.ID, opqueue.OutcomeRetryableError, callErr)
		if exhausted {
			if err := m.store.MarkFailed(ctx, op.Kind, op.EntityID); err != nil &&
				!errors.Is(err, entity.ErrNotFound) {
				m.logger.Error("failed to mark record failed", "kind", op.Kind, "id", op.EntityID, "error", err)
			}
		}
	default:
		_, _ = m.queue.MarkResult(ctx, op.ID, opqueue.OutcomeTerminalError, callErr)
		if err := m.store.MarkFailed(ctx, op.Kind, op.EntityID); err != nil &&
			!errors.Is(err, entity.ErrNotFound) {
			m.logger.Error("failed to mark record failed", "kind", op.Kind, "id", op.EntityID, "error", err)
		}
	}
	return callErr
}

// DownloadAll fetches the full remote snapshot, kind by kind.
func (m *Manager) DownloadAll(ctx context.Context) (*entity.Snapshot, error) {
	id, err := m.begin("download")
	if err != nil {
		return nil, err
	}
	defer m.end(id)
	return m.downloadLocked(ctx)
}

func (m *Manager) downloadLocked(ctx context.Context) (*entity.Snapshot, error) {
	if m.network.Condition() == ConditionOffline {
		return nil, ErrOffline
	}
	md, err := m.remote.Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote metadata: %w", err)
	}
	snap := entity.NewSnapshot(md.SchemaVersion)
	snap.ExportedAt = m.config.Clock().UnixMilli()
	for _, kind := range entity.Kinds {
		recs, err := m.remote.ListAll(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to list remote %s records: %w", kind, err)
		}
		if len(recs) > 0 {
			snap.Records[kind] = recs
		}
	}
	return snap, nil
}

// RunIncrementalSync computes per-kind deltas since the given timestamp and
// uploads only those. A sync with zero deltas is a no-op.
func (m *Manager) RunIncrementalSync(ctx context.Context, since int64) (SyncResult, error) {
	id, err := m.begin("incremental")
	if err != nil {
		return SyncResult{}, err
	}
	defer m.end(id)

	delta, err := m.store.ChangedSince(ctx, since)
	if err != nil {
		return SyncResult{}, err
	}
	if delta.Empty() {
		return SyncResult{}, nil
	}
	// Changed records are already queued by the store's write path; the
	// delta only tells us whether there is anything worth a network pass.
	return m.uploadLocked(ctx)
}

// RunFullSync performs the full reconciliation flow: download the remote
// snapshot, detect conflicts against the local one, apply the recommended
// resolution, then drain the queue. Unresolvable conflicts surface in the
// result and stay visible until resolved.
func (m *Manager) RunFullSync(ctx context.Context) (SyncResult, error) {
	id, err := m.begin("full_sync")
	if err != nil {
		return SyncResult{}, err
	}
	defer m.end(id)

	remoteSnap, err := m.downloadLocked(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	localSnap, err := m.store.ExportSnapshot(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	report := m.detector.Detect(localSnap, remoteSnap)
	if !report.HasConflicts {
		return m.uploadLocked(ctx)
	}

	m.logger.Info("conflicts detected",
		"items", len(report.Items),
		"severity", string(report.Severity),
		"action", string(report.RecommendedAction))

	switch report.RecommendedAction {
	case conflict.ActionUploadLocal:
		if err := m.enqueueAllLocal(ctx); err != nil {
			return SyncResult{}, err
		}
		m.recordResolutions(report.Items, conflict.StrategyLocalWins)
		res, err := m.uploadLocked(ctx)
		res.AutoResolved += len(report.Items)
		return res, err

	case conflict.ActionDownloadRemote:
		if _, err := m.store.ImportSnapshot(ctx, remoteSnap); err != nil {
			return SyncResult{}, err
		}
		m.recordResolutions(report.Items, conflict.StrategyRemoteWins)
		res := SyncResult{AutoResolved: len(report.Items)}
		if err := m.persistSyncState(ctx); err != nil {
			m.logger.Warn("failed to persist sync state", "error", err)
		}
		return res, nil

	default: // manual merge recommended: auto-resolve what we safely can
		res, err := m.resolveItemwise(ctx, report, localSnap, remoteSnap)
		if err != nil {
			return res, err
		}
		upl, err := m.uploadLocked(ctx)
		res.SyncedCount += upl.SyncedCount
		res.FailedCount += upl.FailedCount
		res.Errors = append(res.Errors, upl.Errors...)
		return res, err
	}
}

// resolveItemwise field-merges auto-resolvable divergent pairs and adopts
// remote-only records; everything else is flagged for manual resolution.
func (m *Manager) resolveItemwise(ctx context.Context, report conflict.Report,
	localSnap, remoteSnap *entity.Snapshot) (SyncResult, error) {
	var res SyncResult
	for _, item := range report.Items {
		switch {
		case item.Reason == conflict.ReasonRemoteOnly:
			rr, ok := remoteSnap.Find(item.Kind, item.EntityID)
			if !ok {
				continue
			}
			rr.SyncStatus = entity.StatusSynced
			if rr.RemoteID == "" {
				rr.RemoteID = rr.ID
			}
			if err := m.store.ApplyResolved(ctx, rr, entity.StatusSynced); err != nil {
				return res, err
			}
			m.history.Add(conflict.Resolution{
				Kind:       item.Kind,
				EntityID:   item.EntityID,
				ResolvedAt: m.config.Clock().UnixMilli(),
				Strategy:   conflict.StrategyRemoteWins,
			})
			res.AutoResolved++

		case item.Reason == conflict.ReasonDivergent && item.AutoResolvable:
			lr, lok := findByIdentity(localSnap, item.Kind, item.EntityID)
			rr, rok := findByIdentity(remoteSnap, item.Kind, item.EntityID)
			if !lok || !rok {
				continue
			}
			merged, err := conflict.MergeRecords(lr, rr)
			if err != nil {
				m.logger.Error("field merge failed", "kind", item.Kind, "id", item.EntityID, "error", err)
				continue
			}
			// Merged result must reach the remote: keep it pending and queue
			// an update.
			if err := m.store.ApplyResolved(ctx, merged, entity.StatusPending); err != nil {
				return res, err
			}
			payload, err := json.Marshal(merged)
			if err != nil {
				return res, fmt.Errorf("failed to marshal merged record: %w", err)
			}
			if _, err := m.queue.Enqueue(ctx, opqueue.Operation{
				Type:     opqueue.OpUpdate,
				Kind:     item.Kind,
				EntityID: merged.ID,
				Payload:  payload,
			}); err != nil {
				return res, err
			}
			m.history.Add(conflict.Resolution{
				Kind:       item.Kind,
				EntityID:   item.EntityID,
				ResolvedAt: m.config.Clock().UnixMilli(),
				Strategy:   conflict.StrategyFieldMerge,
			})
			res.AutoResolved++

		default:
			if lr, ok := findByIdentity(localSnap, item.Kind, item.EntityID); ok {
				if err := m.store.MarkConflict(ctx, item.Kind, lr.ID); err != nil &&
					!errors.Is(err, entity.ErrNotFound) {
					return res, err
				}
			}
			res.Conflicts = append(res.Conflicts, item)
		}
	}
	return res, nil
}

// findByIdentity locates a record in a snapshot by its cross-replica
// identity (remote id once assigned, local id otherwise).
func findByIdentity(snap *entity.Snapshot, kind entity.Kind, key string) (entity.Record, bool) {
	for _, r := range snap.Records[kind] {
		if r.RemoteID == key || r.ID == key {
			return r, true
		}
	}
	return entity.Record{}, false
}

// enqueueAllLocal queues a create/update for every live local record, used
// when the verdict is to rebuild the remote from local state.
func (m *Manager) enqueueAllLocal(ctx context.Context) error {
	for _, kind := range entity.Kinds {
		recs, err := m.store.List(ctx, kind, nil)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal %s record: %w", kind, err)
			}
			opType := opqueue.OpCreate
			if rec.RemoteID != "" {
				opType = opqueue.OpUpdate
			}
			if _, err := m.queue.Enqueue(ctx, opqueue.Operation{
				Type:     opType,
				Kind:     kind,
				EntityID: rec.ID,
				Payload:  payload,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) recordResolutions(items []conflict.Item, strategy conflict.Strategy) {
	now := m.config.Clock().UnixMilli()
	for _, item := range items {
		m.history.Add(conflict.Resolution{
			Kind:       item.Kind,
			EntityID:   item.EntityID,
			ResolvedAt: now,
			Strategy:   strategy,
		})
	}
}

// persistSyncState writes the process-wide sync state (last sync timestamp,
// data checksum, resolution history) into the store's metadata.
func (m *Manager) persistSyncState(ctx context.Context) error {
	now := m.config.Clock().UnixMilli()
	if err := m.store.SetMeta(ctx, store.MetaLastSyncTimestamp, strconv.FormatInt(now, 10)); err != nil {
		return err
	}
	checksum, err := m.store.Checksum(ctx)
	if err != nil {
		return err
	}
	if err := m.store.SetMeta(ctx, store.MetaDataChecksum, checksum); err != nil {
		return err
	}
	historyJSON, err := m.history.ExportJSON()
	if err != nil {
		return err
	}
	return m.store.SetMeta(ctx, store.MetaResolutionHistory, string(historyJSON))
}

// HandleConnectivityChange reacts to online/offline transitions. Going
// online schedules a full sync after a short debounce; an operation already
// mid-flight is never cancelled.
func (m *Manager) HandleConnectivityChange(online bool) {
	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	if !online {
		return
	}
	m.debounce = time.AfterFunc(m.config.Debounce, func() {
		if _, err := m.RunFullSync(context.Background()); err != nil {
			if errors.Is(err, ErrSyncInProgress) {
				m.logger.Debug("connectivity sync skipped, already running")
				return
			}
			m.logger.Warn("connectivity-triggered sync failed", "error", err)
		}
	})
}

// Start runs the background drain loop until ctx is cancelled: drain the
// queue every SyncInterval, backing off exponentially on errors.
func (m *Manager) Start(ctx context.Context) {
	go m.drainLoop(ctx)
}

func (m *Manager) drainLoop(ctx context.Context) {
	backoff := m.config.BackoffMin
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		if err := sleepWithContext(ctx, m.config.SyncInterval); err != nil {
			return
		}
		_, err := m.UploadPending(ctx)
		switch {
		case err == nil:
			backoff = m.config.BackoffMin
		case errors.Is(err, ErrSyncInProgress) || errors.Is(err, ErrOffline):
			// Nothing to back off from; try again next interval.
		default:
			if sleepErr := sleepWithContext(ctx, backoff); sleepErr != nil {
				return
			}
			backoff *= 2
			if m.config.BackoffMax > 0 && backoff > m.config.BackoffMax {
				backoff = m.config.BackoffMax
			}
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
