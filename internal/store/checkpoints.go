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

// GetCheckpoint returns the checkpoint for a profile, or ErrNotFound when
// the profile has never checkpointed.
func (db *DB) GetCheckpoint(ctx context.Context, profile string) (*models.Checkpoint, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	var cp models.Checkpoint
	var lastKillTime, lastPollAt int64
	err := db.reader.QueryRowContext(ctx, `
		SELECT profile, last_kill_time, last_poll_at, consecutive_failures
		FROM worker_checkpoints WHERE profile = ?`, profile,
	).Scan(&cp.Profile, &lastKillTime, &lastPollAt, &cp.ConsecutiveFailures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			db.observe("get_checkpoint", start, nil)
			return nil, ErrNotFound
		}
		db.observe("get_checkpoint", start, err)
		return nil, fmt.Errorf("get checkpoint %q: %w", profile, err)
	}
	if lastKillTime > 0 {
		cp.LastKillTime = time.Unix(lastKillTime, 0).UTC()
	}
	if lastPollAt > 0 {
		cp.LastPollAt = time.Unix(lastPollAt, 0).UTC()
	}
	db.observe("get_checkpoint", start, nil)
	return &cp, nil
}

// CheckpointUpdate is a partial checkpoint update; nil fields are left
// untouched.
type CheckpointUpdate struct {
	LastKillTime        *time.Time
	LastPollAt          *time.Time
	ConsecutiveFailures *int
}

// UpdateCheckpoint upserts the checkpoint row for a profile, applying only
// the fields set in the update.
func (db *DB) UpdateCheckpoint(ctx context.Context, profile string, u CheckpointUpdate) error {
	w, err := db.writable()
	if err != nil {
		return err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var lastKillTime, lastPollAt, failures interface{}
	if u.LastKillTime != nil {
		lastKillTime = u.LastKillTime.Unix()
	}
	if u.LastPollAt != nil {
		lastPollAt = u.LastPollAt.Unix()
	}
	if u.ConsecutiveFailures != nil {
		failures = *u.ConsecutiveFailures
	}

	start := time.Now()
	_, err = w.ExecContext(ctx, `
		INSERT INTO worker_checkpoints (profile, last_kill_time, last_poll_at, consecutive_failures)
		VALUES (?, COALESCE(?, 0), COALESCE(?, 0), COALESCE(?, 0))
		ON CONFLICT(profile) DO UPDATE SET
			last_kill_time       = COALESCE(?, last_kill_time),
			last_poll_at         = COALESCE(?, last_poll_at),
			consecutive_failures = COALESCE(?, consecutive_failures)`,
		profile, lastKillTime, lastPollAt, failures,
		lastKillTime, lastPollAt, failures,
	)
	db.observe("update_checkpoint", start, err)
	if err != nil {
		return fmt.Errorf("update checkpoint %q: %w", profile, err)
	}
	return nil
}
