// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote is a reference implementation of the remote-authority
// contract the sync manager consumes: per-kind create/update/delete/list
// over HTTP with bearer-token auth, backed by Postgres. Any conforming
// authority works in its place; this one exists so deployments have a
// working counterpart and integration tests have a real wire format.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/localledger/localledger/entity"
)

// Config holds configuration for the reference server.
type Config struct {
	SchemaVersion int
}

// Server stores one generic record table per user+kind and serves the sync
// API.
type Server struct {
	pool   *pgxpool.Pool
	auth   *Authenticator
	config *Config
	logger *slog.Logger
}

// NewServer creates the server and initializes its schema.
func NewServer(ctx context.Context, pool *pgxpool.Pool, auth *Authenticator, config *Config, logger *slog.Logger) (*Server, error) {
	if config == nil {
		config = &Config{SchemaVersion: 1}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{pool: pool, auth: auth, config: config, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize remote schema: %w", err)
	}
	return s, nil
}

func (s *Server) initializeSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS authority_records (
			user_id    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			remote_id  TEXT NOT NULL,
			payload    JSONB NOT NULL,
			version    BIGINT NOT NULL DEFAULT 1,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, kind, remote_id)
		)
	`)
	return err
}

// Register attaches all handlers to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/metadata", s.handleMetadata)
	mux.HandleFunc("POST /api/{kind}", s.handleCreate)
	mux.HandleFunc("PUT /api/{kind}/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/{kind}/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/{kind}", s.handleList)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// authorize validates the bearer token and returns the user id.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := s.auth.UserID(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}
	return userID, true
}

// pathKind validates the {kind} path segment against the entity union.
func (s *Server) pathKind(w http.ResponseWriter, r *http.Request) (entity.Kind, bool) {
	kind := entity.Kind(r.PathValue("kind"))
	if !kind.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown_kind", fmt.Sprintf("unknown entity kind %q", kind))
		return "", false
	}
	return kind, true
}

// readBody reads the request body, transparently decoding snappy when the
// client compressed it.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if r.Header.Get("Content-Encoding") == "snappy" {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snappy body: %w", err)
		}
		return decoded, nil
	}
	return body, nil
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var count int
	err := s.pool.QueryRow(r.Context(),
		`SELECT COUNT(*) FROM authority_records WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		s.logger.Error("failed to count records", "error", err, "user_id", userID)
		s.writeError(w, http.StatusInternalServerError, "metadata_failed", "failed to read metadata")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"schemaVersion": s.config.SchemaVersion,
		"recordCount":   count,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r)
	if !ok {
		return
	}
	kind, ok := s.pathKind(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var rec entity.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_record", "failed to parse record")
		return
	}
	if rec.Payload == nil || rec.Payload.Kind() != kind {
		s.writeError(w, http.StatusBadRequest, "kind_mismatch", "record kind does not match path")
		return
	}
	if err := rec.Payload.Validate(); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}

	// The authority assigns the canonical id; the stored record carries it
	// so downloads round-trip without client-side fixups.
	remoteID := uuid.New().String()
	rec.ID = remoteID
	rec.RemoteID = remoteID
	rec.SyncStatus = entity.StatusSynced

	stored, err := json.Marshal(rec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "create_failed", "failed to store record")
		return
	}
	_, err = s.pool.Exec(r.Context(), `
		INSERT INTO authority_records (user_id, kind, remote_id, payload, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, string(kind), remoteID, stored, rec.Version, rec.UpdatedAt)
	if err != nil {
		s.logger.Error("failed to insert record", "error", err, "kind", kind)
		s.writeError(w, http.StatusInternalServerError, "create_failed", "failed to store record")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"remoteId": remoteID})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r)
	if !ok {
		return
	}
	kind, ok := s.pathKind(w, r)
	if !ok {
		return
	}
	remoteID := r.PathValue("id")
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var rec entity.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_record", "failed to parse record")
		return
	}
	if rec.Payload != nil {
		if err := rec.Payload.Validate(); err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
			return
		}
	}
	rec.ID = remoteID
	rec.RemoteID = remoteID
	rec.SyncStatus = entity.StatusSynced

	stored, err := json.Marshal(rec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "update_failed", "failed to store record")
		return
	}
	tag, err := s.pool.Exec(r.Context(), `
		UPDATE authority_records
		SET payload = $1, version = $2, updated_at = $3
		WHERE user_id = $4 AND kind = $5 AND remote_id = $6
	`, stored, rec.Version, rec.UpdatedAt, userID, string(kind), remoteID)
	if err != nil {
		s.logger.Error("failed to update record", "error", err, "kind", kind, "remote_id", remoteID)
		s.writeError(w, http.StatusInternalServerError, "update_failed", "failed to store record")
		return
	}
	if tag.RowsAffected() == 0 {
		s.writeError(w, http.StatusNotFound, "not_found", "record does not exist")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r)
	if !ok {
		return
	}
	kind, ok := s.pathKind(w, r)
	if !ok {
		return
	}
	remoteID := r.PathValue("id")
	tag, err := s.pool.Exec(r.Context(), `
		DELETE FROM authority_records
		WHERE user_id = $1 AND kind = $2 AND remote_id = $3
	`, userID, string(kind), remoteID)
	if err != nil {
		s.logger.Error("failed to delete record", "error", err, "kind", kind, "remote_id", remoteID)
		s.writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete record")
		return
	}
	if tag.RowsAffected() == 0 {
		// Deleting a record that is already gone is fine: the client's
		// retry may have raced an earlier success.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r)
	if !ok {
		return
	}
	kind, ok := s.pathKind(w, r)
	if !ok {
		return
	}
	rows, err := s.pool.Query(r.Context(), `
		SELECT payload FROM authority_records
		WHERE user_id = $1 AND kind = $2
		ORDER BY remote_id
	`, userID, string(kind))
	if err != nil {
		s.logger.Error("failed to list records", "error", err, "kind", kind)
		s.writeError(w, http.StatusInternalServerError, "list_failed", "failed to list records")
		return
	}
	defer rows.Close()

	records := make([]json.RawMessage, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			s.writeError(w, http.StatusInternalServerError, "list_failed", "failed to scan record")
			return
		}
		records = append(records, json.RawMessage(payload))
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.writeError(w, http.StatusInternalServerError, "list_failed", "failed to iterate records")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}
