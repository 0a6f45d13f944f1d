// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package store implements durable, crash-recoverable storage for the
// killmail pipeline on a single SQLite file.
//
// Concurrency model: the store opens in WAL journal mode so readers proceed
// without blocking on an in-progress write. Exactly one writer connection is
// used (MaxOpenConns(1) on the write handle); reads go through a separate
// connection pool. OpenReadOnly provides a second, read-only handle for
// external query services against the same file.
//
// Two invariants shape every write path: inserts of killmails are idempotent
// (a duplicate kill id is a no-op, not an error), and the fetch-claims table
// acts as a distributed mutex via its primary key, giving at-most-one-
// claimant semantics without any shared in-memory lock.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/evewatch/killfeed/internal/logging"
	"github.com/evewatch/killfeed/internal/metrics"
	"github.com/evewatch/killfeed/internal/models"
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrReadOnly is returned when a write is attempted through a handle
	// opened with OpenReadOnly.
	ErrReadOnly = errors.New("store: read-only handle")
)

// defaultQueryTimeout bounds store operations whose caller did not set a
// deadline.
const defaultQueryTimeout = 30 * time.Second

// Options configures Open.
type Options struct {
	// Path is the SQLite database file.
	Path string

	// BusyTimeout is the busy_timeout pragma in milliseconds. Default 10000.
	BusyTimeout int

	// ReadPoolSize bounds concurrent reader connections. Default 4.
	ReadPoolSize int
}

// DB is a handle to the killmail store.
type DB struct {
	writer   *sql.DB
	reader   *sql.DB
	path     string
	readOnly bool
	log      zerolog.Logger
}

// Open opens (or creates) the store file in single-writer/multi-reader mode
// and applies pending schema migrations. Migration failure is fatal: the
// returned error means the store must not be used.
func Open(opts Options) (*DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store: path must not be empty")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 10000
	}
	if opts.ReadPoolSize <= 0 {
		opts.ReadPoolSize = 4
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		opts.Path, opts.BusyTimeout,
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	// SQLite allows one writer at a time; serializing through a single
	// connection avoids SQLITE_BUSY churn between our own goroutines.
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader pool: %w", err)
	}
	reader.SetMaxOpenConns(opts.ReadPoolSize)

	db := &DB{
		writer: writer,
		reader: reader,
		path:   opts.Path,
		log:    logging.With().Str("component", "store").Logger(),
	}

	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	db.log.Info().Str("path", opts.Path).Msg("store opened")
	return db, nil
}

// OpenReadOnly opens a second, read-only handle to an existing store file.
// Write operations through this handle return ErrReadOnly. Intended for
// external reporting and inspection tools sharing the file with a running
// writer process.
func OpenReadOnly(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?mode=ro&_pragma=busy_timeout(10000)&_pragma=query_only(1)",
		path,
	)
	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open read-only: %w", err)
	}

	return &DB{
		reader:   reader,
		path:     path,
		readOnly: true,
		log:      logging.With().Str("component", "store").Bool("read_only", true).Logger(),
	}, nil
}

// Close closes all connections.
func (db *DB) Close() error {
	var errs []error
	if db.writer != nil {
		if err := db.writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if db.reader != nil {
		if err := db.reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writable returns the write handle or ErrReadOnly.
func (db *DB) writable() (*sql.DB, error) {
	if db.readOnly || db.writer == nil {
		return nil, ErrReadOnly
	}
	return db.writer, nil
}

// ensureContext attaches the default timeout when the caller set none.
func (db *DB) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// observe records operation latency and errors.
func (db *DB) observe(op string, start time.Time, err error) {
	metrics.StoreQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreQueryErrors.WithLabelValues(op).Inc()
	}
}

// Optimize runs SQLite maintenance: PRAGMA optimize refreshes query-planner
// statistics and wal_checkpoint(TRUNCATE) bounds the WAL sidecar file.
func (db *DB) Optimize(ctx context.Context) error {
	w, err := db.writable()
	if err != nil {
		return err
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	if _, err := w.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		db.observe("optimize", start, err)
		return fmt.Errorf("pragma optimize: %w", err)
	}
	if _, err := w.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		db.observe("optimize", start, err)
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	db.observe("optimize", start, nil)
	return nil
}

// Stats computes the on-demand aggregate statistics. Works on read-only
// handles.
func (db *DB) Stats(ctx context.Context) (*models.StoreStats, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	stats := &models.StoreStats{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM killmails`, &stats.Killmails},
		{`SELECT COUNT(*) FROM killmail_details`, &stats.Details},
		{`SELECT COUNT(*) FROM killmail_details WHERE fetch_status = 'pending'`, &stats.PendingDetails},
		{`SELECT COUNT(*) FROM killmail_details WHERE fetch_status = 'unfetchable'`, &stats.Unfetchable},
		{`SELECT COUNT(*) FROM fetch_claims`, &stats.Claims},
		{`SELECT COUNT(*) FROM delivery_dedup`, &stats.DedupEntries},
		{`SELECT COUNT(*) FROM worker_checkpoints`, &stats.Checkpoints},
	}
	for _, c := range counts {
		if err := db.reader.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			db.observe("stats", start, err)
			return nil, fmt.Errorf("stats count: %w", err)
		}
	}

	var oldest, newest sql.NullInt64
	err := db.reader.QueryRowContext(ctx,
		`SELECT MIN(kill_time), MAX(kill_time) FROM killmails`,
	).Scan(&oldest, &newest)
	if err != nil {
		db.observe("stats", start, err)
		return nil, fmt.Errorf("stats bounds: %w", err)
	}
	if oldest.Valid {
		stats.OldestKill = time.Unix(oldest.Int64, 0).UTC()
	}
	if newest.Valid {
		stats.NewestKill = time.Unix(newest.Int64, 0).UTC()
	}

	if fi, err := os.Stat(db.path); err == nil {
		stats.FileSizeBytes = fi.Size()
	}

	db.observe("stats", start, nil)
	return stats, nil
}
