// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package syncmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/localledger/localledger/entity"
)

// ErrAuth marks 401/403 responses: terminal, never retried, must surface
// so the caller can re-authenticate.
var ErrAuth = errors.New("authentication failed")

// RemoteMetadata describes the remote authority's dataset.
type RemoteMetadata struct {
	SchemaVersion int `json:"schemaVersion"`
	RecordCount   int `json:"recordCount"`
}

// Remote is the remote-authority contract the sync manager consumes, one
// call per entity kind operation.
type Remote interface {
	Create(ctx context.Context, kind entity.Kind, payload json.RawMessage) (remoteID string, err error)
	Update(ctx context.Context, kind entity.Kind, remoteID string, payload json.RawMessage) error
	Delete(ctx context.Context, kind entity.Kind, remoteID string) error
	ListAll(ctx context.Context, kind entity.Kind) ([]entity.Record, error)
	Metadata(ctx context.Context) (RemoteMetadata, error)
}

// RemoteError is a non-2xx response from the remote authority.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote returned %d (%s): %s", e.Status, e.Code, e.Message)
}

// Unwrap lets errors.Is(err, ErrAuth) match auth failures.
func (e *RemoteError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrAuth
	}
	return nil
}

// IsRetryable classifies an operation error: 429, 5xx, network and timeout
// errors retry per the backoff policy; other 4xx (auth/validation) are
// terminal and surface to the caller.
func IsRetryable(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status == http.StatusTooManyRequests || re.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

func isNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}

// TokenProvider returns the bearer token for a request.
type TokenProvider func(ctx context.Context) (string, error)

// HTTPRemote implements Remote over the reference HTTP API:
// POST /api/{kind}, PUT/DELETE /api/{kind}/{id}, GET /api/{kind},
// GET /api/metadata.
type HTTPRemote struct {
	BaseURL string
	HTTP    *http.Client
	Token   TokenProvider

	// Compressor applies to request bodies at or above
	// CompressionThreshold bytes. Nil disables compression.
	Compressor           Compressor
	CompressionThreshold int

	Logger *slog.Logger
}

// NewHTTPRemote creates a remote client with the default HTTP timeout and
// snappy compression above 1 KiB.
func NewHTTPRemote(baseURL string, token TokenProvider, logger *slog.Logger) *HTTPRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		BaseURL:              baseURL,
		HTTP:                 &http.Client{Timeout: 120 * time.Second},
		Token:                token,
		Compressor:           SnappyCompressor{},
		CompressionThreshold: 1024,
		Logger:               logger,
	}
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	encoding := ""
	if body != nil {
		if r.Compressor != nil && r.Compressor.Encoding() != "" &&
			r.CompressionThreshold > 0 && len(body) >= r.CompressionThreshold {
			compressed, err := r.Compressor.Compress(body)
			if err != nil {
				return fmt.Errorf("failed to compress request body: %w", err)
			}
			body = compressed
			encoding = r.Compressor.Encoding()
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}
	}
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("remote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		_ = json.Unmarshal(data, &apiErr)
		return &RemoteError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Create uploads a new record and returns the remote-assigned id.
func (r *HTTPRemote) Create(ctx context.Context, kind entity.Kind, payload json.RawMessage) (string, error) {
	var resp struct {
		RemoteID string `json:"remoteId"`
	}
	if err := r.do(ctx, http.MethodPost, "/api/"+string(kind), payload, &resp); err != nil {
		return "", err
	}
	if resp.RemoteID == "" {
		return "", fmt.Errorf("remote accepted create without assigning an id")
	}
	return resp.RemoteID, nil
}

// Update replaces the remote record's payload.
func (r *HTTPRemote) Update(ctx context.Context, kind entity.Kind, remoteID string, payload json.RawMessage) error {
	return r.do(ctx, http.MethodPut, "/api/"+string(kind)+"/"+url.PathEscape(remoteID), payload, nil)
}

// Delete removes the remote record.
func (r *HTTPRemote) Delete(ctx context.Context, kind entity.Kind, remoteID string) error {
	return r.do(ctx, http.MethodDelete, "/api/"+string(kind)+"/"+url.PathEscape(remoteID), nil, nil)
}

// ListAll fetches every remote record of a kind.
func (r *HTTPRemote) ListAll(ctx context.Context, kind entity.Kind) ([]entity.Record, error) {
	var out []entity.Record
	if err := r.do(ctx, http.MethodGet, "/api/"+string(kind), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Metadata fetches the remote dataset description.
func (r *HTTPRemote) Metadata(ctx context.Context) (RemoteMetadata, error) {
	var out RemoteMetadata
	if err := r.do(ctx, http.MethodGet, "/api/metadata", nil, &out); err != nil {
		return RemoteMetadata{}, err
	}
	return out, nil
}
