// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localledger/localledger/entity"
)

func expenseRecord(id, remoteID, title string, updatedAt int64) entity.Record {
	return entity.Record{
		ID:         id,
		LocalID:    id,
		RemoteID:   remoteID,
		SyncStatus: entity.StatusSynced,
		Version:    1,
		CreatedAt:  1000,
		UpdatedAt:  updatedAt,
		Payload:    &entity.Expense{Title: title, Amount: 10, AccountID: "a1"},
	}
}

func TestDetectIdenticalSnapshotsAreClean(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	local := entity.NewSnapshot(1)
	local.Add(expenseRecord("r1", "r1", "Coffee", 2000))
	remote, err := local.Clone()
	require.NoError(t, err)

	report := d.Detect(local, remote)
	assert.False(t, report.HasConflicts)
	assert.Equal(t, ActionNone, report.RecommendedAction)

	// both empty is clean too
	report = d.Detect(entity.NewSnapshot(1), entity.NewSnapshot(1))
	assert.False(t, report.HasConflicts)
}

func TestDetectEmptyRemoteIsMissingRemote(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	local := entity.NewSnapshot(1)
	local.Add(expenseRecord("r1", "r1", "Coffee", 2000))

	report := d.Detect(local, entity.NewSnapshot(1))
	require.True(t, report.HasConflicts)
	require.Len(t, report.Items, 1)
	assert.Equal(t, ReasonMissingRemote, report.Items[0].Reason)
	assert.True(t, report.Items[0].AutoResolvable)
	assert.Equal(t, SeverityHigh, report.Severity)
	assert.Equal(t, ActionUploadLocal, report.RecommendedAction)
}

func TestDetectEmptyLocalIsCorruptedLocal(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	remote := entity.NewSnapshot(1)
	remote.Add(expenseRecord("r1", "r1", "Coffee", 2000))

	report := d.Detect(entity.NewSnapshot(1), remote)
	require.True(t, report.HasConflicts)
	assert.Equal(t, ReasonCorruptedLocal, report.Items[0].Reason)
	assert.Equal(t, ActionDownloadRemote, report.RecommendedAction)
}

func TestDetectSchemaMismatchIsCritical(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	local := entity.NewSnapshot(1)
	local.Add(expenseRecord("r1", "r1", "Coffee", 2000))
	remote := entity.NewSnapshot(2)
	remote.Add(expenseRecord("r1", "r1", "Tea", 2000))

	report := d.Detect(local, remote)
	require.True(t, report.HasConflicts)
	assert.Equal(t, ReasonSchemaMismatch, report.Items[0].Reason)
	assert.Equal(t, SeverityCritical, report.Severity)
	assert.Equal(t, ActionManualMerge, report.RecommendedAction)
	assert.False(t, report.Items[0].AutoResolvable)
}

func TestDetectDivergentAutoResolvableByTimestampDelta(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	local := entity.NewSnapshot(1)
	local.Add(expenseRecord("r1", "r1", "Coffee", 20_000))
	remote := entity.NewSnapshot(1)
	remote.Add(expenseRecord("r1", "r1", "Tea", 10_000)) // 10s apart

	report := d.Detect(local, remote)
	require.Len(t, report.Items, 1)
	assert.Equal(t, ReasonDivergent, report.Items[0].Reason)
	assert.True(t, report.Items[0].AutoResolvable)
	assert.Equal(t, SeverityMedium, report.Items[0].Severity)

	// within the delta the winner is ambiguous: manual
	remote = entity.NewSnapshot(1)
	remote.Add(expenseRecord("r1", "r1", "Tea", 19_000)) // 1s apart
	report = d.Detect(local, remote)
	require.Len(t, report.Items, 1)
	assert.False(t, report.Items[0].AutoResolvable)
	assert.Equal(t, SeverityHigh, report.Items[0].Severity)
}

func TestDetectLocalOnlyRequiresRemoteID(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	// a record that never reached the remote is not a conflict
	local := entity.NewSnapshot(1)
	local.Add(expenseRecord("l1", "", "Coffee", 2000))
	remote := entity.NewSnapshot(1)
	remote.Add(expenseRecord("r2", "r2", "Tea", 2000))

	report := d.Detect(local, remote)
	for _, item := range report.Items {
		assert.NotEqual(t, ReasonLocalOnly, item.Reason)
	}

	// once accepted remotely, its absence there is a real conflict
	local = entity.NewSnapshot(1)
	local.Add(expenseRecord("l1", "r1", "Coffee", 2000))
	remote = entity.NewSnapshot(1)
	remote.Add(expenseRecord("r2", "r2", "Tea", 2000))

	report = d.Detect(local, remote)
	var reasons []Reason
	for _, item := range report.Items {
		reasons = append(reasons, item.Reason)
	}
	assert.Contains(t, reasons, ReasonLocalOnly)
	assert.Contains(t, reasons, ReasonRemoteOnly)
}

func TestRecommendFavorsBiggerSideOnCountImbalance(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	local := entity.NewSnapshot(1)
	for _, id := range []string{"r1", "r2", "r3"} {
		local.Add(expenseRecord(id, id, "Coffee "+id, 2000))
	}
	remote := entity.NewSnapshot(1)
	remote.Add(expenseRecord("r1", "r1", "Tea", 2000))

	report := d.Detect(local, remote)
	require.True(t, report.HasConflicts)
	assert.Equal(t, ActionUploadLocal, report.RecommendedAction)

	report = d.Detect(remote, local)
	assert.Equal(t, ActionDownloadRemote, report.RecommendedAction)
}

func TestRecommendManualWhenFewItemsAutoResolvable(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	// balanced counts, every divergence inside the ambiguity window
	local := entity.NewSnapshot(1)
	remote := entity.NewSnapshot(1)
	for _, id := range []string{"r1", "r2"} {
		local.Add(expenseRecord(id, id, "Coffee "+id, 10_000))
		remote.Add(expenseRecord(id, id, "Tea "+id, 11_000))
	}

	report := d.Detect(local, remote)
	require.True(t, report.HasConflicts)
	assert.Equal(t, ActionManualMerge, report.RecommendedAction)
}

func TestDetectorZeroThresholdsFallBackToDefaults(t *testing.T) {
	d := NewDetector(Thresholds{})
	assert.Equal(t, DefaultThresholds(), d.thresholds)
}
