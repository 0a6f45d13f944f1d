// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package store

import (
	"context"
	"fmt"
)

// migration is one versioned schema change. Versions are applied in
// ascending order, each inside its own transaction, and recorded in
// schema_migrations. An already-recorded version is skipped.
type migration struct {
	version int
	name    string
	sql     string
}

// migrations is the ordered schema history. Append only; never edit an
// applied migration.
var migrations = []migration{
	{
		version: 1,
		name:    "core tables",
		sql: `
CREATE TABLE killmails (
    kill_id               INTEGER PRIMARY KEY,
    kill_time             INTEGER NOT NULL,
    solar_system_id       INTEGER NOT NULL,
    zkb_hash              TEXT NOT NULL DEFAULT '',
    total_value           REAL NOT NULL DEFAULT 0,
    points                INTEGER NOT NULL DEFAULT 0,
    npc                   INTEGER NOT NULL DEFAULT 0,
    solo                  INTEGER NOT NULL DEFAULT 0,
    awox                  INTEGER NOT NULL DEFAULT 0,
    ingested_at           INTEGER NOT NULL,
    victim_character_id   INTEGER NOT NULL DEFAULT 0,
    victim_corporation_id INTEGER NOT NULL DEFAULT 0,
    victim_alliance_id    INTEGER NOT NULL DEFAULT 0,
    victim_ship_type_id   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE killmail_details (
    kill_id        INTEGER PRIMARY KEY REFERENCES killmails(kill_id) ON DELETE CASCADE,
    fetch_status   TEXT NOT NULL DEFAULT 'pending',
    fetch_attempts INTEGER NOT NULL DEFAULT 0,
    fetched_at     INTEGER,
    payload        TEXT
);

CREATE TABLE fetch_claims (
    kill_id    INTEGER PRIMARY KEY,
    claimed_by TEXT NOT NULL,
    claimed_at INTEGER NOT NULL
);

CREATE TABLE fetch_attempts (
    kill_id         INTEGER PRIMARY KEY,
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    last_attempt_at INTEGER NOT NULL
);

CREATE TABLE worker_checkpoints (
    profile              TEXT PRIMARY KEY,
    last_kill_time       INTEGER NOT NULL DEFAULT 0,
    last_poll_at         INTEGER NOT NULL DEFAULT 0,
    consecutive_failures INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE delivery_dedup (
    profile      TEXT NOT NULL,
    kill_id      INTEGER NOT NULL,
    status       TEXT NOT NULL,
    delivered_at INTEGER NOT NULL,
    PRIMARY KEY (profile, kill_id)
);
`,
	},
	{
		version: 2,
		name:    "query indexes",
		sql: `
CREATE INDEX idx_killmails_time_id ON killmails(kill_time DESC, kill_id DESC);
CREATE INDEX idx_killmails_system ON killmails(solar_system_id, kill_time DESC);
CREATE INDEX idx_killmails_value ON killmails(total_value);
CREATE INDEX idx_fetch_claims_age ON fetch_claims(claimed_at);
CREATE INDEX idx_delivery_dedup_age ON delivery_dedup(delivered_at);
`,
	},
	{
		version: 3,
		name:    "dedup attempt counter",
		sql: `
ALTER TABLE delivery_dedup ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0;
`,
	},
}

// Migrate applies pending migrations in ascending version order. Each
// migration runs in a single transaction together with its version record,
// so a crash mid-migration leaves the schema at the previous version.
func (db *DB) Migrate(ctx context.Context) error {
	w, err := db.writable()
	if err != nil {
		return err
	}

	if _, err := w.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := w.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate versions: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}

		tx, err := w.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, unixepoch())`,
			m.version, m.name,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}

		db.log.Info().Int("version", m.version).Str("name", m.name).Msg("applied schema migration")
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := db.reader.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}
