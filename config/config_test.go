// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localledger/localledger/entity"
)

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
store:
  schema_version: 2
  local_only_kinds: [reference_value]
queue:
  max_queue_size: 500
  backoff:
    base_delay: 250ms
    jitter: false
conflict:
  auto_resolve_delta: 10s
sync:
  batch_size: 25
  debounce: 1s
remote:
  base_url: https://sync.example.com
history_cap: 50
`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Store.SchemaVersion)
	assert.Equal(t, []entity.Kind{entity.KindReferenceValue}, cfg.Store.LocalOnlyKinds)
	assert.Equal(t, 500, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.Backoff.BaseDelay)
	assert.False(t, cfg.Queue.Backoff.Jitter)
	assert.Equal(t, 10*time.Second, cfg.Conflict.AutoResolveDelta)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, time.Second, cfg.Sync.Debounce)
	assert.Equal(t, "https://sync.example.com", cfg.RemoteURL)
	assert.Equal(t, 50, cfg.Sync.HistoryCap)

	// untouched keys keep their defaults
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Queue.Backoff.MaxDelay)
	assert.Equal(t, 4, cfg.Sync.MaxConcurrency)
	assert.Equal(t, 1.5, cfg.Conflict.CountRatio)
	assert.Equal(t, 1024, cfg.CompressionThreshold)
}

func TestParseEmptyIsAllDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Queue.MaxQueueSize, cfg.Queue.MaxQueueSize)
	assert.Equal(t, def.Sync.BatchSize, cfg.Sync.BatchSize)
	assert.Equal(t, def.Conflict, cfg.Conflict)
}

func TestParseRejectsInvalidDuration(t *testing.T) {
	_, err := Parse([]byte("sync:\n  debounce: soonish\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soonish")
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte("store:\n  local_only_kinds: [gadget]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gadget")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "localledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_retries: 9\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Queue.MaxRetries)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
