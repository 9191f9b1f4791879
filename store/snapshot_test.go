// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localledger/localledger/entity"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestEnv(t, nil)
	dst := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := src.store.Create(ctx, coffee())
	require.NoError(t, err)
	_, err = src.store.Create(ctx, &entity.Account{Name: "Wallet"})
	require.NoError(t, err)

	snap, err := src.store.ExportSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, snap.TotalRecords())

	res, err := dst.store.ImportSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.Imported)
	assert.Empty(t, res.Dropped)

	srcSum, err := src.store.Checksum(ctx)
	require.NoError(t, err)
	dstSum, err := dst.store.Checksum(ctx)
	require.NoError(t, err)
	assert.Equal(t, srcSum, dstSum)
}

func TestImportSkipsWhenChecksumMatches(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.store.Create(ctx, coffee())
	require.NoError(t, err)

	snap, err := env.store.ExportSnapshot(ctx)
	require.NoError(t, err)

	res, err := env.store.ImportSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Imported)
}

func TestImportRepairsOrDropsCorruptRecords(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	snap := entity.NewSnapshot(1)
	// repairable: missing title defaults, record survives
	snap.Add(entity.Record{
		ID: "fix-me", Version: 1, CreatedAt: 1, UpdatedAt: 1,
		Payload: &entity.Expense{Amount: 5, AccountID: "a1"},
	})
	// unrepairable: no account to invent, record is dropped and reported
	snap.Add(entity.Record{
		ID: "drop-me", Version: 1, CreatedAt: 1, UpdatedAt: 1,
		Payload: &entity.Expense{Title: "Stray", Amount: 5},
	})
	snap.Add(entity.Record{
		ID: "fine", Version: 1, CreatedAt: 1, UpdatedAt: 1,
		Payload: &entity.Account{Name: "Wallet"},
	})

	res, err := env.store.ImportSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Repaired)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "drop-me", res.Dropped[0].ID)

	got, err := env.store.Get(ctx, entity.KindExpense, "fix-me")
	require.NoError(t, err)
	assert.Equal(t, "Untitled", got.Payload.(*entity.Expense).Title)

	_, err = env.store.Get(ctx, entity.KindExpense, "drop-me")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestImportUpdatesSchemaVersion(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	snap := entity.NewSnapshot(3)
	snap.Add(entity.Record{
		ID: "a1", Version: 1, CreatedAt: 1, UpdatedAt: 1,
		Payload: &entity.Account{Name: "Wallet"},
	})
	_, err := env.store.ImportSnapshot(ctx, snap)
	require.NoError(t, err)

	md, err := env.store.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, md.SchemaVersion)
}

func TestApplyResolvedUpsert(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, err := env.store.Create(ctx, coffee())
	require.NoError(t, err)

	resolved := rec
	resolved.Payload = &entity.Expense{Title: "Coffee (merged)", Amount: 4, AccountID: "a1"}
	resolved.RemoteID = "r1"
	require.NoError(t, env.store.ApplyResolved(ctx, resolved, entity.StatusPending))

	got, err := env.store.Get(ctx, entity.KindExpense, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Coffee (merged)", got.Payload.(*entity.Expense).Title)
	assert.Equal(t, entity.StatusPending, got.SyncStatus)
	assert.EqualValues(t, rec.Version+1, got.Version, "resolution reads as a fresh committed mutation")

	// unknown id inserts instead
	fresh := entity.Record{
		ID: "adopted", RemoteID: "adopted", Version: 2, CreatedAt: 10, UpdatedAt: 20,
		Payload: &entity.Account{Name: "Savings"},
	}
	require.NoError(t, env.store.ApplyResolved(ctx, fresh, entity.StatusSynced))
	got, err = env.store.Get(ctx, entity.KindAccount, "adopted")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusSynced, got.SyncStatus)
	assert.Positive(t, got.LastSyncedAt)
}
