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

	"github.com/evewatch/killfeed/internal/models"
)

// CheckDedup reports whether the profile has already evaluated the killmail.
func (db *DB) CheckDedup(ctx context.Context, profile string, killID int64) (bool, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	var one int
	err := db.reader.QueryRowContext(ctx,
		`SELECT 1 FROM delivery_dedup WHERE profile = ? AND kill_id = ?`,
		profile, killID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			db.observe("check_dedup", start, nil)
			return false, nil
		}
		db.observe("check_dedup", start, err)
		return false, fmt.Errorf("check dedup %s/%d: %w", profile, killID, err)
	}
	db.observe("check_dedup", start, nil)
	return true, nil
}

// MarkDelivered records the delivery outcome for (profile, kill id),
// incrementing the attempt count on re-marks. Prevents re-delivery across
// restarts and overlapping poll windows.
func (db *DB) MarkDelivered(ctx context.Context, profile string, killID int64, status models.DeliveryStatus) error {
	w, err := db.writable()
	if err != nil {
		return err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	_, err = w.ExecContext(ctx, `
		INSERT INTO delivery_dedup (profile, kill_id, status, delivered_at, attempts)
		VALUES (?, ?, ?, unixepoch(), 1)
		ON CONFLICT(profile, kill_id) DO UPDATE SET
			status       = excluded.status,
			delivered_at = excluded.delivered_at,
			attempts     = attempts + 1`,
		profile, killID, string(status),
	)
	db.observe("mark_delivered", start, err)
	if err != nil {
		return fmt.Errorf("mark delivered %s/%d: %w", profile, killID, err)
	}
	return nil
}

// GetDedup returns the dedup entry for (profile, kill id), or ErrNotFound.
func (db *DB) GetDedup(ctx context.Context, profile string, killID int64) (*models.DedupEntry, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	var e models.DedupEntry
	var status string
	var deliveredAt int64
	err := db.reader.QueryRowContext(ctx, `
		SELECT profile, kill_id, status, delivered_at, attempts
		FROM delivery_dedup WHERE profile = ? AND kill_id = ?`,
		profile, killID,
	).Scan(&e.Profile, &e.KillID, &status, &deliveredAt, &e.Attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			db.observe("get_dedup", start, nil)
			return nil, ErrNotFound
		}
		db.observe("get_dedup", start, err)
		return nil, fmt.Errorf("get dedup %s/%d: %w", profile, killID, err)
	}
	e.Status = models.DeliveryStatus(status)
	e.DeliveredAt = time.Unix(deliveredAt, 0).UTC()
	db.observe("get_dedup", start, nil)
	return &e, nil
}
