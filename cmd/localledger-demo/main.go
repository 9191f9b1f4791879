// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

// localledger-demo exercises the full client flow against a running
// localledger-server: create records offline, go online, run a full sync
// and print the outcome.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/localledger/localledger/config"
	"github.com/localledger/localledger/conflict"
	"github.com/localledger/localledger/entity"
	"github.com/localledger/localledger/opqueue"
	"github.com/localledger/localledger/remote"
	"github.com/localledger/localledger/store"
	"github.com/localledger/localledger/syncmgr"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dbPath := flag.String("db", "localledger-demo.db", "path to local SQLite database")
	serverURL := flag.String("server", "http://localhost:8080", "sync authority base URL")
	userID := flag.String("user", "demo-user", "user id to sync as")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if cfg.RemoteURL == "" {
		cfg.RemoteURL = *serverURL
	}

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	queue, err := opqueue.New(db, cfg.Queue, logger)
	if err != nil {
		log.Fatalf("failed to create queue: %v", err)
	}
	st, err := store.New(db, queue, cfg.Store, logger)
	if err != nil {
		log.Fatalf("failed to create store: %v", err)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-change-in-production"
	}
	auth := remote.NewAuthenticator(jwtSecret)
	httpRemote := syncmgr.NewHTTPRemote(cfg.RemoteURL, func(ctx context.Context) (string, error) {
		return auth.GenerateToken(*userID, time.Hour)
	}, logger)
	httpRemote.CompressionThreshold = cfg.CompressionThreshold

	detector := conflict.NewDetector(cfg.Conflict)
	manager := syncmgr.New(st, queue, httpRemote, detector, nil, cfg.Sync, logger)

	ctx := context.Background()

	// Offline phase: local mutations commit immediately and queue up.
	account, err := st.Create(ctx, &entity.Account{Name: "Wallet"})
	if err != nil {
		log.Fatalf("failed to create account: %v", err)
	}
	if _, err := st.Create(ctx, &entity.Expense{
		Title:      "Coffee",
		Amount:     3.50,
		AccountID:  account.ID,
		Categories: []string{"food"},
		Tags:       []string{"morning"},
	}); err != nil {
		log.Fatalf("failed to create expense: %v", err)
	}

	counts, err := queue.Status(ctx)
	if err != nil {
		log.Fatalf("failed to read queue status: %v", err)
	}
	fmt.Printf("queued operations: %d pending\n", counts.Pending)

	// Online phase: reconcile with the authority and drain the queue.
	result, err := manager.RunFullSync(ctx)
	if err != nil {
		log.Fatalf("sync failed: %v", err)
	}
	fmt.Printf("synced=%d failed=%d autoResolved=%d conflicts=%d\n",
		result.SyncedCount, result.FailedCount, result.AutoResolved, len(result.Conflicts))

	status, err := st.CombinedSyncStatus(ctx)
	if err != nil {
		log.Fatalf("failed to read combined status: %v", err)
	}
	fmt.Printf("combined sync status: %s\n", status)

	md, err := st.Metadata(ctx)
	if err != nil {
		log.Fatalf("failed to read metadata: %v", err)
	}
	fmt.Printf("records=%d checksum=%s\n", md.TotalRecords, md.Checksum[:12])
}
