// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		field   string
	}{
		{"expense missing title", &Expense{Amount: 10, AccountID: "a1"}, "title"},
		{"expense negative amount", &Expense{Title: "Coffee", Amount: -1, AccountID: "a1"}, "amount"},
		{"expense missing account", &Expense{Title: "Coffee", Amount: 3}, "accountId"},
		{"income missing source", &Income{Amount: 100, AccountID: "a1"}, "source"},
		{"income negative amount", &Income{Source: "job", Amount: -5, AccountID: "a1"}, "amount"},
		{"category missing name", &Category{CategoryKind: CategoryExpense}, "name"},
		{"category bad type", &Category{Name: "Food", CategoryKind: "other"}, "type"},
		{"account missing name", &Account{}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	valid := []Payload{
		&Expense{Title: "Coffee", Amount: 3.5, AccountID: "a1"},
		&Income{Source: "job", Amount: 100, AccountID: "a1"},
		&Category{Name: "Food", CategoryKind: CategoryExpense},
		&Account{Name: "Wallet"},
		&ReferenceValue{Value: 42},
	}
	for _, p := range valid {
		assert.NoError(t, p.Validate(), "kind %s", p.Kind())
	}
}

func TestNormalizeDedupesAndSortsLabelSets(t *testing.T) {
	e := &Expense{
		Title:      "Groceries",
		Amount:     20,
		AccountID:  "a1",
		Categories: []string{"food", "household", "food"},
		Tags:       []string{"z", "a", "z"},
	}
	n := e.Normalize()
	assert.Equal(t, []string{"food", "household"}, n["category"])
	assert.Equal(t, []string{"a", "z"}, n["tags"])

	// nil sets normalize to empty, not nil, so serialized output is stable
	empty := (&Expense{Title: "x", AccountID: "a1"}).Normalize()
	assert.Equal(t, []string{}, empty["tags"])
}

func TestRecordJSONRoundTrip(t *testing.T) {
	rec := Record{
		ID:         "e1",
		LocalID:    "e1",
		RemoteID:   "r1",
		SyncStatus: StatusSynced,
		Version:    3,
		CreatedAt:  1000,
		UpdatedAt:  2000,
		Payload:    &Expense{Title: "Coffee", Amount: 3.5, AccountID: "a1", Tags: []string{"morning"}},
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	// kind discriminator is on the wire
	var probe map[string]any
	require.NoError(t, json.Unmarshal(data, &probe))
	assert.Equal(t, "expense", probe["kind"])

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Version, got.Version)
	require.IsType(t, &Expense{}, got.Payload)
	assert.Equal(t, "Coffee", got.Payload.(*Expense).Title)
}

func TestDecodePayloadUnknownKind(t *testing.T) {
	_, err := DecodePayload("gadget", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestSnapshotChecksumIgnoresSyncBookkeeping(t *testing.T) {
	mkRecord := func(status SyncStatus, remoteID string, version int64) Record {
		return Record{
			ID:         "e1",
			LocalID:    "l1",
			RemoteID:   remoteID,
			SyncStatus: status,
			Version:    version,
			CreatedAt:  1000,
			UpdatedAt:  2000,
			Payload:    &Expense{Title: "Coffee", Amount: 3.5, AccountID: "a1"},
		}
	}
	a := NewSnapshot(1)
	a.Add(mkRecord(StatusPending, "", 1))
	b := NewSnapshot(1)
	b.Add(mkRecord(StatusSynced, "r1", 7))

	assert.Equal(t, a.Checksum(), b.Checksum())
}

func TestSnapshotChecksumOrderInsensitive(t *testing.T) {
	r1 := Record{ID: "a", CreatedAt: 1, UpdatedAt: 1, Payload: &Account{Name: "Wallet"}}
	r2 := Record{ID: "b", CreatedAt: 2, UpdatedAt: 2, Payload: &Account{Name: "Bank"}}

	a := NewSnapshot(1)
	a.Add(r1)
	a.Add(r2)
	b := NewSnapshot(1)
	b.Add(r2)
	b.Add(r1)

	assert.Equal(t, a.Checksum(), b.Checksum())

	c := NewSnapshot(1)
	c.Add(r1)
	assert.NotEqual(t, a.Checksum(), c.Checksum())
}

func TestSnapshotClone(t *testing.T) {
	snap := NewSnapshot(2)
	snap.ExportedAt = 5000
	snap.Add(Record{ID: "e1", LocalID: "e1", SyncStatus: StatusPending, Version: 1,
		Payload: &Expense{Title: "Coffee", Amount: 3, AccountID: "a1"}})

	clone, err := snap.Clone()
	require.NoError(t, err)
	assert.Equal(t, snap.Checksum(), clone.Checksum())
	assert.Equal(t, 2, clone.SchemaVersion)

	// mutating the clone leaves the original untouched
	clone.Records[KindExpense][0].Payload.(*Expense).Title = "Tea"
	assert.Equal(t, "Coffee", snap.Records[KindExpense][0].Payload.(*Expense).Title)
}

func TestSnapshotLastModified(t *testing.T) {
	snap := NewSnapshot(1)
	assert.EqualValues(t, 0, snap.LastModified())
	snap.Add(Record{ID: "a", UpdatedAt: 100, Payload: &Account{Name: "x"}})
	snap.Add(Record{ID: "b", UpdatedAt: 300, Payload: &Account{Name: "y"}})
	assert.EqualValues(t, 300, snap.LastModified())
}
