// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package api serves the read-only admin HTTP surface: health, pipeline
// status, queue pressure, store statistics, and a paginated killmail query
// endpoint. There is no write path; mutation happens only through the
// pipeline itself.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/evewatch/killfeed/internal/logging"
	"github.com/evewatch/killfeed/internal/models"
	"github.com/evewatch/killfeed/internal/queue"
	"github.com/evewatch/killfeed/internal/retention"
	"github.com/evewatch/killfeed/internal/store"
	"github.com/evewatch/killfeed/internal/worker"
)

// StatsStore is the read slice of the store the handlers use.
// Implemented by *store.DB, including one opened with OpenReadOnly.
type StatsStore interface {
	Stats(ctx context.Context) (*models.StoreStats, error)
	SchemaVersion(ctx context.Context) (int, error)
	QueryKillmails(ctx context.Context, f store.Filter) ([]*models.Killmail, *store.Cursor, error)
}

// WorkerStatus provides the delivery-layer snapshot.
// Implemented by *worker.Supervisor.
type WorkerStatus interface {
	Status() worker.SupervisorStatus
}

// Handler holds the admin endpoint dependencies.
type Handler struct {
	db        StatsStore
	queue     *queue.Queue
	workers   WorkerStatus
	sweeper   *retention.Sweeper
	startedAt time.Time
	version   string
	log       zerolog.Logger
}

// NewHandler creates the admin handler set.
func NewHandler(db StatsStore, q *queue.Queue, workers WorkerStatus, sweeper *retention.Sweeper, version string) *Handler {
	return &Handler{
		db:        db,
		queue:     q,
		workers:   workers,
		sweeper:   sweeper,
		startedAt: time.Now(),
		version:   version,
		log:       logging.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("response encode failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}

// Health reports liveness plus the schema version, so a probe also catches
// a store that stopped answering.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	schema, err := h.db.SchemaVersion(r.Context())
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        h.version,
		"schema_version": schema,
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
	})
}

// Status returns the delivery-layer snapshot: per-worker state, restart
// counts, coordinator counters, and the last retention cycle.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"delivery": h.workers.Status(),
	}
	if h.sweeper != nil {
		resp["retention"] = h.sweeper.LastCycle()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Queue returns the ingest queue snapshot.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.queue.Snapshot())
}

// StoreStats returns table counts and the store file size.
func (h *Handler) StoreStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.Stats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("store stats failed")
		h.writeError(w, http.StatusInternalServerError, "store stats failed")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// killmailsResponse is one page of the killmail query endpoint. NextCursor
// is present only when another page may exist; clients echo it back via the
// cursor_time and cursor_id parameters.
type killmailsResponse struct {
	Killmails  []*models.Killmail `json:"killmails"`
	NextCursor *store.Cursor      `json:"next_cursor,omitempty"`
}

// Killmails serves paginated killmail queries, newest first.
//
// Query parameters: system_id (repeatable), since, until (RFC 3339),
// min_value, exclude_npc, limit, cursor_time, cursor_id.
func (h *Handler) Killmails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{}

	for _, raw := range q["system_id"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid system_id")
			return
		}
		f.SystemIDs = append(f.SystemIDs, id)
	}

	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid since, want RFC 3339")
			return
		}
		f.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid until, want RFC 3339")
			return
		}
		f.Until = t
	}
	if raw := q.Get("min_value"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid min_value")
			return
		}
		f.MinValue = v
	}
	if raw := q.Get("exclude_npc"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid exclude_npc")
			return
		}
		f.ExcludeNPC = v
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	ctime, cid := q.Get("cursor_time"), q.Get("cursor_id")
	if (ctime == "") != (cid == "") {
		h.writeError(w, http.StatusBadRequest, "cursor_time and cursor_id must be given together")
		return
	}
	if ctime != "" {
		t, err := time.Parse(time.RFC3339, ctime)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid cursor_time, want RFC 3339")
			return
		}
		id, err := strconv.ParseInt(cid, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid cursor_id")
			return
		}
		f.Cursor = &store.Cursor{KillTime: t, KillID: id}
	}

	kms, next, err := h.db.QueryKillmails(r.Context(), f)
	if err != nil {
		h.log.Error().Err(err).Msg("killmail query failed")
		h.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if kms == nil {
		kms = []*models.Killmail{}
	}
	h.writeJSON(w, http.StatusOK, killmailsResponse{Killmails: kms, NextCursor: next})
}
