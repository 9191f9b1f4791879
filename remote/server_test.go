// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBodyPlain(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/expense", bytes.NewReader([]byte(`{"id":"e1"}`)))

	body, err := readBody(req)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"e1"}`), body)
}

func TestReadBodySnappy(t *testing.T) {
	raw := bytes.Repeat([]byte(`{"title":"Coffee"}`), 64)
	encoded := snappy.Encode(nil, raw)
	require.Less(t, len(encoded), len(raw))

	req := httptest.NewRequest("POST", "/api/expense", bytes.NewReader(encoded))
	req.Header.Set("Content-Encoding", "snappy")

	body, err := readBody(req)
	require.NoError(t, err)
	assert.Equal(t, raw, body)
}

func TestReadBodyRejectsCorruptSnappy(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/expense", bytes.NewReader([]byte("not snappy data")))
	req.Header.Set("Content-Encoding", "snappy")

	_, err := readBody(req)
	require.Error(t, err)
}
