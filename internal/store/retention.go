// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/evewatch/killfeed/internal/metrics"
)

// ExpungeBefore deletes all killmails with kill_time strictly before cutoff.
// Enrichment details cascade via the foreign key; attempt counters for the
// deleted killmails are removed in the same transaction so no orphans remain.
// Returns the number of killmails deleted.
func (db *DB) ExpungeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	w, err := db.writable()
	if err != nil {
		return 0, err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	tx, err := w.BeginTx(ctx, nil)
	if err != nil {
		db.observe("expunge", start, err)
		return 0, fmt.Errorf("begin expunge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM fetch_attempts WHERE kill_id IN (
			SELECT kill_id FROM killmails WHERE kill_time < ?
		)`, cutoff.Unix()); err != nil {
		db.observe("expunge", start, err)
		return 0, fmt.Errorf("expunge attempts: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM killmails WHERE kill_time < ?`, cutoff.Unix())
	if err != nil {
		db.observe("expunge", start, err)
		return 0, fmt.Errorf("expunge killmails: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		db.observe("expunge", start, err)
		return 0, fmt.Errorf("commit expunge: %w", err)
	}

	metrics.RetentionDeleted.WithLabelValues("killmails").Add(float64(deleted))
	db.observe("expunge", start, nil)
	return deleted, nil
}

// DeleteStaleClaims deletes claims older than maxAge, abandoned by crashed
// workers. Returns the number deleted.
func (db *DB) DeleteStaleClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	w, err := db.writable()
	if err != nil {
		return 0, err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	res, err := w.ExecContext(ctx,
		`DELETE FROM fetch_claims WHERE claimed_at < unixepoch() - ?`,
		int64(maxAge.Seconds()),
	)
	db.observe("delete_stale_claims", start, err)
	if err != nil {
		return 0, fmt.Errorf("delete stale claims: %w", err)
	}
	deleted, _ := res.RowsAffected()
	metrics.RetentionDeleted.WithLabelValues("fetch_claims").Add(float64(deleted))
	return deleted, nil
}

// DeleteOldDedup deletes delivery-dedup rows older than maxAge. Dedup rows
// only guard against near-duplicate redelivery, so a short window suffices.
func (db *DB) DeleteOldDedup(ctx context.Context, maxAge time.Duration) (int64, error) {
	w, err := db.writable()
	if err != nil {
		return 0, err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	res, err := w.ExecContext(ctx,
		`DELETE FROM delivery_dedup WHERE delivered_at < unixepoch() - ?`,
		int64(maxAge.Seconds()),
	)
	db.observe("delete_old_dedup", start, err)
	if err != nil {
		return 0, fmt.Errorf("delete old dedup: %w", err)
	}
	deleted, _ := res.RowsAffected()
	metrics.RetentionDeleted.WithLabelValues("delivery_dedup").Add(float64(deleted))
	return deleted, nil
}

// DeleteOrphanAttempts deletes attempt counters whose killmail no longer
// exists.
func (db *DB) DeleteOrphanAttempts(ctx context.Context) (int64, error) {
	w, err := db.writable()
	if err != nil {
		return 0, err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	res, err := w.ExecContext(ctx, `
		DELETE FROM fetch_attempts WHERE kill_id NOT IN (
			SELECT kill_id FROM killmails
		)`)
	db.observe("delete_orphan_attempts", start, err)
	if err != nil {
		return 0, fmt.Errorf("delete orphan attempts: %w", err)
	}
	deleted, _ := res.RowsAffected()
	metrics.RetentionDeleted.WithLabelValues("fetch_attempts").Add(float64(deleted))
	return deleted, nil
}

// DeleteOrphanProfiles deletes checkpoint and dedup rows for profiles not in
// the active set. An empty active set deletes nothing — misconfiguration
// must not wipe every checkpoint.
func (db *DB) DeleteOrphanProfiles(ctx context.Context, active []string) (int64, error) {
	if len(active) == 0 {
		return 0, nil
	}
	w, err := db.writable()
	if err != nil {
		return 0, err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(active)), ",")
	args := make([]interface{}, len(active))
	for i, name := range active {
		args[i] = name
	}

	start := time.Now()
	var total int64
	res, err := w.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM worker_checkpoints WHERE profile NOT IN (%s)`, placeholders),
		args...,
	)
	if err != nil {
		db.observe("delete_orphan_profiles", start, err)
		return 0, fmt.Errorf("delete orphan checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = w.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM delivery_dedup WHERE profile NOT IN (%s)`, placeholders),
		args...,
	)
	if err != nil {
		db.observe("delete_orphan_profiles", start, err)
		return 0, fmt.Errorf("delete orphan dedup: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	db.observe("delete_orphan_profiles", start, nil)
	metrics.RetentionDeleted.WithLabelValues("orphan_profiles").Add(float64(total))
	return total, nil
}
