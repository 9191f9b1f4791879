// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads engine configuration from a YAML file, overlaying
// file values onto the compiled-in defaults of each component. Keys absent
// from the file keep their defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/localledger/localledger/conflict"
	"github.com/localledger/localledger/entity"
	"github.com/localledger/localledger/opqueue"
	"github.com/localledger/localledger/store"
	"github.com/localledger/localledger/syncmgr"
)

// Duration accepts time.ParseDuration strings in YAML ("500ms", "1m30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config aggregates the per-component configurations of the engine.
type Config struct {
	Store    *store.Config
	Queue    *opqueue.Config
	Conflict conflict.Thresholds
	Sync     *syncmgr.Config

	// RemoteURL is the base URL of the remote authority.
	RemoteURL string
	// CompressionThreshold is the request body size, in bytes, above which
	// uploads are compressed.
	CompressionThreshold int
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store:                store.DefaultConfig(),
		Queue:                opqueue.DefaultConfig(),
		Conflict:             conflict.DefaultThresholds(),
		Sync:                 syncmgr.DefaultConfig(),
		CompressionThreshold: 1024,
	}
}

// fileConfig mirrors the YAML layout. Pointer fields distinguish "absent"
// from a zero value so the overlay only touches keys the file sets.
type fileConfig struct {
	Store struct {
		SchemaVersion  *int     `yaml:"schema_version"`
		LocalOnlyKinds []string `yaml:"local_only_kinds"`
	} `yaml:"store"`
	Queue struct {
		MaxQueueSize  *int      `yaml:"max_queue_size"`
		MaxRetries    *int      `yaml:"max_retries"`
		RecencyWindow *Duration `yaml:"recency_window"`
		Backoff       struct {
			BaseDelay *Duration `yaml:"base_delay"`
			MaxDelay  *Duration `yaml:"max_delay"`
			Factor    *float64  `yaml:"factor"`
			Jitter    *bool     `yaml:"jitter"`
		} `yaml:"backoff"`
	} `yaml:"queue"`
	Conflict struct {
		AutoResolveDelta *Duration `yaml:"auto_resolve_delta"`
		CountRatio       *float64  `yaml:"count_ratio"`
		AutoFraction     *float64  `yaml:"auto_fraction"`
	} `yaml:"conflict"`
	Sync struct {
		BatchSize      *int      `yaml:"batch_size"`
		MaxConcurrency *int      `yaml:"max_concurrency"`
		Debounce       *Duration `yaml:"debounce"`
		SyncInterval   *Duration `yaml:"sync_interval"`
		BackoffMin     *Duration `yaml:"backoff_min"`
		BackoffMax     *Duration `yaml:"backoff_max"`
	} `yaml:"sync"`
	Remote struct {
		BaseURL              *string `yaml:"base_url"`
		CompressionThreshold *int    `yaml:"compression_threshold"`
	} `yaml:"remote"`
	HistoryCap *int `yaml:"history_cap"`
}

// Load reads a YAML file and overlays it onto the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML data onto the defaults.
func Parse(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()

	if fc.Store.SchemaVersion != nil {
		cfg.Store.SchemaVersion = *fc.Store.SchemaVersion
	}
	for _, raw := range fc.Store.LocalOnlyKinds {
		kind := entity.Kind(raw)
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown entity kind %q in local_only_kinds", raw)
		}
		cfg.Store.LocalOnlyKinds = append(cfg.Store.LocalOnlyKinds, kind)
	}

	if fc.Queue.MaxQueueSize != nil {
		cfg.Queue.MaxQueueSize = *fc.Queue.MaxQueueSize
	}
	if fc.Queue.MaxRetries != nil {
		cfg.Queue.MaxRetries = *fc.Queue.MaxRetries
	}
	if fc.Queue.RecencyWindow != nil {
		cfg.Queue.RecencyWindow = time.Duration(*fc.Queue.RecencyWindow)
	}
	if fc.Queue.Backoff.BaseDelay != nil {
		cfg.Queue.Backoff.BaseDelay = time.Duration(*fc.Queue.Backoff.BaseDelay)
	}
	if fc.Queue.Backoff.MaxDelay != nil {
		cfg.Queue.Backoff.MaxDelay = time.Duration(*fc.Queue.Backoff.MaxDelay)
	}
	if fc.Queue.Backoff.Factor != nil {
		cfg.Queue.Backoff.Factor = *fc.Queue.Backoff.Factor
	}
	if fc.Queue.Backoff.Jitter != nil {
		cfg.Queue.Backoff.Jitter = *fc.Queue.Backoff.Jitter
	}

	if fc.Conflict.AutoResolveDelta != nil {
		cfg.Conflict.AutoResolveDelta = time.Duration(*fc.Conflict.AutoResolveDelta)
	}
	if fc.Conflict.CountRatio != nil {
		cfg.Conflict.CountRatio = *fc.Conflict.CountRatio
	}
	if fc.Conflict.AutoFraction != nil {
		cfg.Conflict.AutoFraction = *fc.Conflict.AutoFraction
	}

	if fc.Sync.BatchSize != nil {
		cfg.Sync.BatchSize = *fc.Sync.BatchSize
	}
	if fc.Sync.MaxConcurrency != nil {
		cfg.Sync.MaxConcurrency = *fc.Sync.MaxConcurrency
	}
	if fc.Sync.Debounce != nil {
		cfg.Sync.Debounce = time.Duration(*fc.Sync.Debounce)
	}
	if fc.Sync.SyncInterval != nil {
		cfg.Sync.SyncInterval = time.Duration(*fc.Sync.SyncInterval)
	}
	if fc.Sync.BackoffMin != nil {
		cfg.Sync.BackoffMin = time.Duration(*fc.Sync.BackoffMin)
	}
	if fc.Sync.BackoffMax != nil {
		cfg.Sync.BackoffMax = time.Duration(*fc.Sync.BackoffMax)
	}

	if fc.Remote.BaseURL != nil {
		cfg.RemoteURL = *fc.Remote.BaseURL
	}
	if fc.Remote.CompressionThreshold != nil {
		cfg.CompressionThreshold = *fc.Remote.CompressionThreshold
	}
	if fc.HistoryCap != nil {
		cfg.Sync.HistoryCap = *fc.HistoryCap
	}
	return cfg, nil
}
