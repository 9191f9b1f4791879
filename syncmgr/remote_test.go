// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package syncmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localledger/localledger/entity"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestRemote(rt roundTripFunc) *HTTPRemote {
	r := NewHTTPRemote("https://sync.example.com", func(ctx context.Context) (string, error) {
		return "test-token", nil
	}, nil)
	r.HTTP = &http.Client{Transport: rt}
	return r
}

func TestCreateSendsAuthorizedRequest(t *testing.T) {
	var captured *http.Request
	var body []byte
	remote := newTestRemote(func(req *http.Request) (*http.Response, error) {
		captured = req
		body, _ = io.ReadAll(req.Body)
		return jsonResponse(http.StatusCreated, `{"remoteId":"r-9"}`), nil
	})

	payload := json.RawMessage(`{"kind":"expense","id":"e1"}`)
	remoteID, err := remote.Create(context.Background(), entity.KindExpense, payload)
	require.NoError(t, err)
	assert.Equal(t, "r-9", remoteID)

	assert.Equal(t, http.MethodPost, captured.Method)
	assert.Equal(t, "https://sync.example.com/api/expense", captured.URL.String())
	assert.Equal(t, "Bearer test-token", captured.Header.Get("Authorization"))
	assert.Empty(t, captured.Header.Get("Content-Encoding"), "small bodies stay uncompressed")
	assert.Equal(t, []byte(payload), body)
}

func TestCreateRejectsMissingRemoteID(t *testing.T) {
	remote := newTestRemote(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusCreated, `{}`), nil
	})
	_, err := remote.Create(context.Background(), entity.KindExpense, json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestLargeBodiesAreSnappyCompressed(t *testing.T) {
	var captured *http.Request
	var body []byte
	remote := newTestRemote(func(req *http.Request) (*http.Response, error) {
		captured = req
		body, _ = io.ReadAll(req.Body)
		return jsonResponse(http.StatusOK, `{"remoteId":"r-1"}`), nil
	})
	remote.CompressionThreshold = 16

	payload := json.RawMessage(`{"kind":"expense","title":"` + strings.Repeat("x", 200) + `"}`)
	_, err := remote.Create(context.Background(), entity.KindExpense, payload)
	require.NoError(t, err)

	assert.Equal(t, "snappy", captured.Header.Get("Content-Encoding"))
	decoded, err := snappy.Decode(nil, body)
	require.NoError(t, err)
	assert.Equal(t, []byte(payload), decoded)
	assert.Less(t, len(body), len(payload))
}

func TestCompressorRoundTrip(t *testing.T) {
	c := SnappyCompressor{}
	in := bytes.Repeat([]byte("expense data "), 50)
	compressed, err := c.Compress(in)
	require.NoError(t, err)
	out, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "snappy", c.Encoding())

	id := IdentityCompressor{}
	same, err := id.Compress(in)
	require.NoError(t, err)
	assert.Equal(t, in, same)
	assert.Empty(t, id.Encoding())
}

func TestRemoteErrorDecoding(t *testing.T) {
	remote := newTestRemote(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusConflict, `{"code":"version_conflict","message":"stale record"}`), nil
	})
	err := remote.Update(context.Background(), entity.KindExpense, "r-1", json.RawMessage(`{}`))
	require.Error(t, err)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusConflict, re.Status)
	assert.Equal(t, "version_conflict", re.Code)
	assert.Contains(t, re.Error(), "stale record")
}

func TestAuthFailuresMatchErrAuth(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		remote := newTestRemote(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(status, `{"code":"auth","message":"bad token"}`), nil
		})
		err := remote.Delete(context.Background(), entity.KindExpense, "r-1")
		assert.ErrorIs(t, err, ErrAuth, "status %d", status)
		assert.False(t, IsRetryable(err))
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryableClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"429", &RemoteError{Status: http.StatusTooManyRequests}, true},
		{"500", &RemoteError{Status: http.StatusInternalServerError}, true},
		{"503", &RemoteError{Status: http.StatusServiceUnavailable}, true},
		{"400", &RemoteError{Status: http.StatusBadRequest}, false},
		{"401", &RemoteError{Status: http.StatusUnauthorized}, false},
		{"404", &RemoteError{Status: http.StatusNotFound}, false},
		{"net error", net.Error(timeoutErr{}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestListAllAndMetadata(t *testing.T) {
	remote := newTestRemote(func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/api/metadata":
			return jsonResponse(http.StatusOK, `{"schemaVersion":2,"recordCount":7}`), nil
		case "/api/account":
			return jsonResponse(http.StatusOK,
				`[{"kind":"account","id":"r-1","localId":"r-1","syncStatus":"synced","version":1,"createdAt":1,"updatedAt":1,"payload":{"name":"Wallet"}}]`), nil
		}
		return jsonResponse(http.StatusNotFound, `{}`), nil
	})
	ctx := context.Background()

	md, err := remote.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, RemoteMetadata{SchemaVersion: 2, RecordCount: 7}, md)

	recs, err := remote.ListAll(ctx, entity.KindAccount)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Wallet", recs[0].Payload.(*entity.Account).Name)
}

func TestSleepWithContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepWithContext(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, sleepWithContext(context.Background(), 0))
}
