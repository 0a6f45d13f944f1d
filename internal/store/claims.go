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

// TryClaim atomically attempts to acquire the fetch claim for a killmail.
//
// The primary key on fetch_claims(kill_id) is the entire mutual-exclusion
// mechanism: the INSERT OR IGNORE either creates the claim (we won) or
// affects zero rows (someone holds it). When the existing claim already
// belongs to owner, the call reports success — re-claiming your own claim
// is idempotent.
func (db *DB) TryClaim(ctx context.Context, killID int64, owner string) (bool, error) {
	w, err := db.writable()
	if err != nil {
		return false, err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	res, err := w.ExecContext(ctx, `
		INSERT OR IGNORE INTO fetch_claims (kill_id, claimed_by, claimed_at)
		VALUES (?, ?, unixepoch())`,
		killID, owner,
	)
	if err != nil {
		db.observe("try_claim", start, err)
		return false, fmt.Errorf("try claim %d: %w", killID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.observe("try_claim", start, nil)
		return true, nil
	}

	// Insert was a no-op; check whether the live claim is already ours.
	var claimedBy string
	err = w.QueryRowContext(ctx,
		`SELECT claimed_by FROM fetch_claims WHERE kill_id = ?`, killID,
	).Scan(&claimedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Claim released between insert and read; treat as contention,
			// the caller will retry.
			db.observe("try_claim", start, nil)
			return false, nil
		}
		db.observe("try_claim", start, err)
		return false, fmt.Errorf("read claim %d: %w", killID, err)
	}

	db.observe("try_claim", start, nil)
	return claimedBy == owner, nil
}

// GetClaim returns the live claim for a killmail, or ErrNotFound.
func (db *DB) GetClaim(ctx context.Context, killID int64) (*models.FetchClaim, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	var c models.FetchClaim
	var claimedAt int64
	err := db.reader.QueryRowContext(ctx,
		`SELECT kill_id, claimed_by, claimed_at FROM fetch_claims WHERE kill_id = ?`, killID,
	).Scan(&c.KillID, &c.ClaimedBy, &claimedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			db.observe("get_claim", start, nil)
			return nil, ErrNotFound
		}
		db.observe("get_claim", start, err)
		return nil, fmt.Errorf("get claim %d: %w", killID, err)
	}
	c.ClaimedAt = time.Unix(claimedAt, 0).UTC()
	db.observe("get_claim", start, nil)
	return &c, nil
}

// ReleaseClaim deletes the claim for a killmail. Releasing a claim that does
// not exist is a no-op.
func (db *DB) ReleaseClaim(ctx context.Context, killID int64, owner string) error {
	w, err := db.writable()
	if err != nil {
		return err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	_, err = w.ExecContext(ctx,
		`DELETE FROM fetch_claims WHERE kill_id = ? AND claimed_by = ?`,
		killID, owner,
	)
	db.observe("release_claim", start, err)
	if err != nil {
		return fmt.Errorf("release claim %d: %w", killID, err)
	}
	return nil
}
