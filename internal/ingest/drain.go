// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package ingest owns the hop from the bounded queue to the persistent
// store: a drain loop that waits for buffered killmails and writes them in
// batches. The external feed reader pushes into the queue; this package is
// the only consumer.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evewatch/killfeed/internal/logging"
	"github.com/evewatch/killfeed/internal/models"
	"github.com/evewatch/killfeed/internal/queue"
)

// Store is the single store operation the drain loop needs.
// Implemented by *store.DB.
type Store interface {
	InsertKillmails(ctx context.Context, kms []*models.Killmail) (int, error)
}

// Config tunes the drain loop.
type Config struct {
	// BatchSize caps killmails written per store transaction.
	BatchSize int

	// WaitTimeout bounds each wait for queue items, so shutdown is noticed
	// promptly even on an idle feed.
	WaitTimeout time.Duration
}

// Drainer moves killmails from the queue into the store.
type Drainer struct {
	q   *queue.Queue
	db  Store
	cfg Config
	log zerolog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewDrainer creates a drain loop over the given queue and store.
func NewDrainer(q *queue.Queue, db Store, cfg Config) *Drainer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 2 * time.Second
	}
	return &Drainer{
		q:   q,
		db:  db,
		cfg: cfg,
		log: logging.With().Str("component", "ingest").Logger(),
	}
}

// Start launches the drain loop goroutine.
func (d *Drainer) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go d.run(runCtx)
	return nil
}

// Stop stops the loop and waits for it, flushing whatever the queue still
// holds.
func (d *Drainer) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
}

// IsRunning reports whether the loop is active.
func (d *Drainer) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Drainer) run(ctx context.Context) {
	defer d.wg.Done()
	d.log.Info().Msg("drain loop started")

	backoff := time.Second
	var pending []*models.Killmail
	for {
		if ctx.Err() != nil {
			d.finalFlush(pending)
			d.log.Info().Msg("drain loop stopped")
			return
		}

		if len(pending) == 0 {
			if !d.q.WaitForItems(ctx, d.cfg.WaitTimeout) {
				continue
			}
			pending = d.q.GetBatch(d.cfg.BatchSize)
			if len(pending) == 0 {
				continue
			}
		}

		inserted, err := d.db.InsertKillmails(ctx, pending)
		if err != nil {
			// The batch stays held for retry; killmails the queue already
			// handed over must not be dropped on a transient storage error.
			d.log.Error().Err(err).Int("batch", len(pending)).Dur("backoff", backoff).
				Msg("batch insert failed, will retry")
			sleepCtx(ctx, backoff)
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second

		d.log.Debug().
			Int("batch", len(pending)).
			Int("inserted", inserted).
			Int("duplicates", len(pending)-inserted).
			Msg("batch written")
		pending = nil
	}
}

// finalFlush writes any retained batch plus whatever the queue still holds,
// with a fresh short-lived context so a shutdown does not drop the tail.
func (d *Drainer) finalFlush(pending []*models.Killmail) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(pending) > 0 {
		if _, err := d.db.InsertKillmails(ctx, pending); err != nil {
			d.log.Error().Err(err).Int("batch", len(pending)).Msg("final flush failed")
			return
		}
	}
	for {
		batch := d.q.GetBatch(d.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		if _, err := d.db.InsertKillmails(ctx, batch); err != nil {
			d.log.Error().Err(err).Int("batch", len(batch)).Msg("final flush failed")
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
