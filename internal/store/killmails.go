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
	"strings"
	"time"

	"github.com/evewatch/killfeed/internal/metrics"
	"github.com/evewatch/killfeed/internal/models"
)

// InsertKillmails batch-inserts killmails idempotently: a kill id already in
// the store is silently skipped (INSERT OR IGNORE), preserving the original
// row's field values. Returns the number of rows actually inserted.
func (db *DB) InsertKillmails(ctx context.Context, kms []*models.Killmail) (int, error) {
	if len(kms) == 0 {
		return 0, nil
	}
	w, err := db.writable()
	if err != nil {
		return 0, err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	tx, err := w.BeginTx(ctx, nil)
	if err != nil {
		db.observe("insert_killmails", start, err)
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO killmails (
			kill_id, kill_time, solar_system_id, zkb_hash,
			total_value, points, npc, solo, awox, ingested_at,
			victim_character_id, victim_corporation_id,
			victim_alliance_id, victim_ship_type_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.observe("insert_killmails", start, err)
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, km := range kms {
		ingested := km.IngestedAt
		if ingested.IsZero() {
			ingested = time.Now().UTC()
		}
		res, err := stmt.ExecContext(ctx,
			km.KillID, km.KillTime.Unix(), km.SolarSystemID, km.Hash,
			km.TotalValue, km.Points, boolToInt(km.NPC), boolToInt(km.Solo),
			boolToInt(km.Awox), ingested.Unix(),
			km.VictimCharacterID, km.VictimCorporationID,
			km.VictimAllianceID, km.VictimShipTypeID,
		)
		if err != nil {
			db.observe("insert_killmails", start, err)
			return 0, fmt.Errorf("insert killmail %d: %w", km.KillID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		db.observe("insert_killmails", start, err)
		return 0, fmt.Errorf("commit insert: %w", err)
	}

	metrics.StoreInserted.Add(float64(inserted))
	metrics.StoreDuplicates.Add(float64(len(kms) - inserted))
	db.observe("insert_killmails", start, nil)
	return inserted, nil
}

// GetKillmail returns a single killmail, or ErrNotFound.
func (db *DB) GetKillmail(ctx context.Context, killID int64) (*models.Killmail, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	row := db.reader.QueryRowContext(ctx, `
		SELECT kill_id, kill_time, solar_system_id, zkb_hash,
		       total_value, points, npc, solo, awox, ingested_at,
		       victim_character_id, victim_corporation_id,
		       victim_alliance_id, victim_ship_type_id
		FROM killmails WHERE kill_id = ?`, killID)

	km, err := scanKillmail(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			db.observe("get_killmail", start, nil)
			return nil, ErrNotFound
		}
		db.observe("get_killmail", start, err)
		return nil, fmt.Errorf("get killmail %d: %w", killID, err)
	}
	db.observe("get_killmail", start, nil)
	return km, nil
}

// Cursor marks an exact resumption point in a paginated killmail query.
// The composite (KillTime, KillID) key guarantees that pagination neither
// skips nor repeats a record even as new rows are inserted between pages.
type Cursor struct {
	KillTime time.Time `json:"kill_time"`
	KillID   int64     `json:"kill_id"`
}

// Filter selects killmails for paginated queries and worker polls.
type Filter struct {
	// SystemIDs restricts results to these solar systems. Empty = all.
	SystemIDs []int64

	// Since/Until bound kill_time inclusively; zero values are open ends.
	Since time.Time
	Until time.Time

	// MinValue filters kills below this ISK value.
	MinValue float64

	// ExcludeNPC drops pure-NPC kills.
	ExcludeNPC bool

	// Ascending orders results (kill_time, kill_id) ascending. The default
	// is descending, the order used by the external query boundary.
	Ascending bool

	// Cursor resumes after a previous page's last row.
	Cursor *Cursor

	// Limit caps the page size. Default 100, max 1000.
	Limit int
}

// QueryKillmails returns one page of killmails matching the filter, plus the
// cursor for the next page (nil when the page was not full).
func (db *DB) QueryKillmails(ctx context.Context, f Filter) ([]*models.Killmail, *Cursor, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var conds []string
	var args []interface{}

	if len(f.SystemIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.SystemIDs)), ",")
		conds = append(conds, fmt.Sprintf("solar_system_id IN (%s)", placeholders))
		for _, id := range f.SystemIDs {
			args = append(args, id)
		}
	}
	if !f.Since.IsZero() {
		conds = append(conds, "kill_time >= ?")
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "kill_time <= ?")
		args = append(args, f.Until.Unix())
	}
	if f.MinValue > 0 {
		conds = append(conds, "total_value >= ?")
		args = append(args, f.MinValue)
	}
	if f.ExcludeNPC {
		conds = append(conds, "npc = 0")
	}
	if f.Cursor != nil {
		if f.Ascending {
			conds = append(conds, "(kill_time > ? OR (kill_time = ? AND kill_id > ?))")
		} else {
			conds = append(conds, "(kill_time < ? OR (kill_time = ? AND kill_id < ?))")
		}
		args = append(args, f.Cursor.KillTime.Unix(), f.Cursor.KillTime.Unix(), f.Cursor.KillID)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	order := "ORDER BY kill_time DESC, kill_id DESC"
	if f.Ascending {
		order = "ORDER BY kill_time ASC, kill_id ASC"
	}

	query := fmt.Sprintf(`
		SELECT kill_id, kill_time, solar_system_id, zkb_hash,
		       total_value, points, npc, solo, awox, ingested_at,
		       victim_character_id, victim_corporation_id,
		       victim_alliance_id, victim_ship_type_id
		FROM killmails %s %s LIMIT ?`, where, order)
	args = append(args, limit)

	start := time.Now()
	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		db.observe("query_killmails", start, err)
		return nil, nil, fmt.Errorf("query killmails: %w", err)
	}
	defer rows.Close()

	var result []*models.Killmail
	for rows.Next() {
		km, err := scanKillmail(rows)
		if err != nil {
			db.observe("query_killmails", start, err)
			return nil, nil, fmt.Errorf("scan killmail: %w", err)
		}
		result = append(result, km)
	}
	if err := rows.Err(); err != nil {
		db.observe("query_killmails", start, err)
		return nil, nil, fmt.Errorf("iterate killmails: %w", err)
	}

	var next *Cursor
	if len(result) == limit {
		last := result[len(result)-1]
		next = &Cursor{KillTime: last.KillTime, KillID: last.KillID}
	}

	db.observe("query_killmails", start, nil)
	return result, next, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKillmail(s scanner) (*models.Killmail, error) {
	var km models.Killmail
	var killTime, ingestedAt int64
	var npc, solo, awox int
	err := s.Scan(
		&km.KillID, &killTime, &km.SolarSystemID, &km.Hash,
		&km.TotalValue, &km.Points, &npc, &solo, &awox, &ingestedAt,
		&km.VictimCharacterID, &km.VictimCorporationID,
		&km.VictimAllianceID, &km.VictimShipTypeID,
	)
	if err != nil {
		return nil, err
	}
	km.KillTime = time.Unix(killTime, 0).UTC()
	km.IngestedAt = time.Unix(ingestedAt, 0).UTC()
	km.NPC = npc != 0
	km.Solo = solo != 0
	km.Awox = awox != 0
	return &km, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
