// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/evewatch/killfeed/internal/models"
)

// UpsertDetail inserts or replaces the enrichment detail for a killmail.
func (db *DB) UpsertDetail(ctx context.Context, d *models.KillmailDetail) error {
	w, err := db.writable()
	if err != nil {
		return err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var payload interface{}
	if len(d.Payload) > 0 {
		payload = string(d.Payload)
	}
	var fetchedAt interface{}
	if !d.FetchedAt.IsZero() {
		fetchedAt = d.FetchedAt.Unix()
	}

	start := time.Now()
	_, err = w.ExecContext(ctx, `
		INSERT INTO killmail_details (kill_id, fetch_status, fetch_attempts, fetched_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kill_id) DO UPDATE SET
			fetch_status   = excluded.fetch_status,
			fetch_attempts = excluded.fetch_attempts,
			fetched_at     = excluded.fetched_at,
			payload        = COALESCE(excluded.payload, payload)`,
		d.KillID, string(d.Status), d.Attempts, fetchedAt, payload,
	)
	db.observe("upsert_detail", start, err)
	if err != nil {
		return fmt.Errorf("upsert detail %d: %w", d.KillID, err)
	}
	return nil
}

// GetDetail returns the enrichment detail for a killmail, or ErrNotFound.
func (db *DB) GetDetail(ctx context.Context, killID int64) (*models.KillmailDetail, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	var d models.KillmailDetail
	var status string
	var fetchedAt sql.NullInt64
	var payload sql.NullString

	err := db.reader.QueryRowContext(ctx, `
		SELECT kill_id, fetch_status, fetch_attempts, fetched_at, payload
		FROM killmail_details WHERE kill_id = ?`, killID,
	).Scan(&d.KillID, &status, &d.Attempts, &fetchedAt, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			db.observe("get_detail", start, nil)
			return nil, ErrNotFound
		}
		db.observe("get_detail", start, err)
		return nil, fmt.Errorf("get detail %d: %w", killID, err)
	}

	d.Status = models.FetchStatus(status)
	if fetchedAt.Valid {
		d.FetchedAt = time.Unix(fetchedAt.Int64, 0).UTC()
	}
	if payload.Valid {
		d.Payload = json.RawMessage(payload.String)
	}
	db.observe("get_detail", start, nil)
	return &d, nil
}

// MarkUnfetchable permanently marks a killmail as unfetchable. Terminal: no
// further claims will be attempted for it.
func (db *DB) MarkUnfetchable(ctx context.Context, killID int64, attempts int) error {
	w, err := db.writable()
	if err != nil {
		return err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	_, err = w.ExecContext(ctx, `
		INSERT INTO killmail_details (kill_id, fetch_status, fetch_attempts)
		VALUES (?, 'unfetchable', ?)
		ON CONFLICT(kill_id) DO UPDATE SET
			fetch_status   = 'unfetchable',
			fetch_attempts = excluded.fetch_attempts`,
		killID, attempts,
	)
	db.observe("mark_unfetchable", start, err)
	if err != nil {
		return fmt.Errorf("mark unfetchable %d: %w", killID, err)
	}
	return nil
}

// IncrementFetchAttempts bumps the failed-attempt counter for a killmail and
// records the error. Returns the new attempt count.
func (db *DB) IncrementFetchAttempts(ctx context.Context, killID int64, lastError string) (int, error) {
	w, err := db.writable()
	if err != nil {
		return 0, err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	var attempts int
	err = w.QueryRowContext(ctx, `
		INSERT INTO fetch_attempts (kill_id, attempts, last_error, last_attempt_at)
		VALUES (?, 1, ?, unixepoch())
		ON CONFLICT(kill_id) DO UPDATE SET
			attempts        = attempts + 1,
			last_error      = excluded.last_error,
			last_attempt_at = excluded.last_attempt_at
		RETURNING attempts`,
		killID, lastError,
	).Scan(&attempts)
	db.observe("increment_attempts", start, err)
	if err != nil {
		return 0, fmt.Errorf("increment attempts %d: %w", killID, err)
	}
	return attempts, nil
}

// GetFetchAttempts returns the attempt counter for a killmail. A killmail
// with no failures yet returns a zero-valued counter, not ErrNotFound.
func (db *DB) GetFetchAttempts(ctx context.Context, killID int64) (*models.FetchAttempts, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	var fa models.FetchAttempts
	var lastAttempt int64
	err := db.reader.QueryRowContext(ctx, `
		SELECT kill_id, attempts, last_error, last_attempt_at
		FROM fetch_attempts WHERE kill_id = ?`, killID,
	).Scan(&fa.KillID, &fa.Attempts, &fa.LastError, &lastAttempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			db.observe("get_attempts", start, nil)
			return &models.FetchAttempts{KillID: killID}, nil
		}
		db.observe("get_attempts", start, err)
		return nil, fmt.Errorf("get attempts %d: %w", killID, err)
	}
	fa.LastAttemptAt = time.Unix(lastAttempt, 0).UTC()
	db.observe("get_attempts", start, nil)
	return &fa, nil
}

// ClearFetchAttempts deletes the attempt counter, called after a successful
// fetch.
func (db *DB) ClearFetchAttempts(ctx context.Context, killID int64) error {
	w, err := db.writable()
	if err != nil {
		return err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	_, err = w.ExecContext(ctx, `DELETE FROM fetch_attempts WHERE kill_id = ?`, killID)
	db.observe("clear_attempts", start, err)
	if err != nil {
		return fmt.Errorf("clear attempts %d: %w", killID, err)
	}
	return nil
}
