// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package enrich coordinates exclusive enrichment fetches across delivery
// workers.
//
// Per kill id the lifecycle is a small state machine:
//
//	unclaimed -> claimed(by worker) -> success
//	                                -> failed -> unclaimed (retry budget left)
//	                                -> unfetchable (terminal)
//
// The claim itself lives in the store (fetch_claims primary key), so
// exclusion holds across any number of workers without shared memory. The
// point of the coordinator is economy: when several profiles are interested
// in overlapping systems, only one of them pays for the external lookup and
// the rest read the stored result.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/evewatch/killfeed/internal/logging"
	"github.com/evewatch/killfeed/internal/metrics"
	"github.com/evewatch/killfeed/internal/models"
	"github.com/evewatch/killfeed/internal/store"
)

// Outcome classifies a claim attempt. Expected branches are variants, not
// errors.
type Outcome int

const (
	// OutcomeAlreadyPresent: enrichment data exists; no claim was needed.
	OutcomeAlreadyPresent Outcome = iota

	// OutcomeClaimed: this caller won the claim and must fetch, then call
	// CompleteSuccess or CompleteFailure.
	OutcomeClaimed

	// OutcomeBusy: another worker holds the claim; use WaitForClaim.
	OutcomeBusy

	// OutcomeDenied: the killmail is unfetchable (terminal); no claim will
	// ever be granted again.
	OutcomeDenied
)

// ClaimResult is the outcome of TryClaim or WaitForClaim. Detail is set only
// for OutcomeAlreadyPresent.
type ClaimResult struct {
	Outcome Outcome
	Detail  *models.KillmailDetail
}

// Store is the slice of the persistent store the coordinator uses.
// Implemented by *store.DB.
type Store interface {
	GetDetail(ctx context.Context, killID int64) (*models.KillmailDetail, error)
	UpsertDetail(ctx context.Context, d *models.KillmailDetail) error
	MarkUnfetchable(ctx context.Context, killID int64, attempts int) error
	TryClaim(ctx context.Context, killID int64, owner string) (bool, error)
	ReleaseClaim(ctx context.Context, killID int64, owner string) error
	IncrementFetchAttempts(ctx context.Context, killID int64, lastError string) (int, error)
	GetFetchAttempts(ctx context.Context, killID int64) (*models.FetchAttempts, error)
	ClearFetchAttempts(ctx context.Context, killID int64) error
}

// Metrics is a read-only snapshot of coordinator counters.
type Metrics struct {
	ClaimsWon         int64 `json:"claims_won"`
	ClaimsLost        int64 `json:"claims_lost"`
	Fetched           int64 `json:"fetched"`
	Failures          int64 `json:"failures"`
	MarkedUnfetchable int64 `json:"marked_unfetchable"`
	WaitTimeouts      int64 `json:"wait_timeouts"`
}

// Config tunes the coordinator.
type Config struct {
	// MaxAttempts is the fetch attempt budget before a killmail is marked
	// unfetchable.
	MaxAttempts int

	// WaitBackoff is the initial WaitForClaim poll interval, doubled per
	// poll up to WaitBackoffMax.
	WaitBackoff    time.Duration
	WaitBackoffMax time.Duration
}

// Coordinator mediates claim acquisition for all workers in the process.
// One instance is shared; all cross-worker state lives in the store.
type Coordinator struct {
	db  Store
	cfg Config
	log zerolog.Logger

	claimsWon         atomic.Int64
	claimsLost        atomic.Int64
	fetched           atomic.Int64
	failures          atomic.Int64
	markedUnfetchable atomic.Int64
	waitTimeouts      atomic.Int64
}

// NewCoordinator creates the shared enrichment coordinator.
func NewCoordinator(db Store, cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.WaitBackoff <= 0 {
		cfg.WaitBackoff = 250 * time.Millisecond
	}
	if cfg.WaitBackoffMax <= 0 {
		cfg.WaitBackoffMax = 5 * time.Second
	}
	return &Coordinator{
		db:  db,
		cfg: cfg,
		log: logging.With().Str("component", "enrich").Logger(),
	}
}

// TryClaim attempts to acquire the enrichment claim for a killmail on behalf
// of workerID.
//
// Fast paths first: stored detail short-circuits to AlreadyPresent, an
// exhausted attempt budget marks the killmail unfetchable and returns
// Denied. Otherwise the store's atomic claim insert decides between Claimed
// and Busy.
func (c *Coordinator) TryClaim(ctx context.Context, km *models.Killmail, workerID string) (ClaimResult, error) {
	detail, err := c.db.GetDetail(ctx, km.KillID)
	switch {
	case err == nil && detail.Status == models.FetchSuccess:
		return ClaimResult{Outcome: OutcomeAlreadyPresent, Detail: detail}, nil
	case err == nil && detail.Status == models.FetchUnfetchable:
		return ClaimResult{Outcome: OutcomeDenied}, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return ClaimResult{}, fmt.Errorf("check detail: %w", err)
	}

	attempts, err := c.db.GetFetchAttempts(ctx, km.KillID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("check attempts: %w", err)
	}
	if attempts.Attempts >= c.cfg.MaxAttempts {
		if err := c.db.MarkUnfetchable(ctx, km.KillID, attempts.Attempts); err != nil {
			return ClaimResult{}, fmt.Errorf("mark unfetchable: %w", err)
		}
		c.markedUnfetchable.Add(1)
		metrics.EnrichFetches.WithLabelValues("unfetchable").Inc()
		c.log.Warn().Int64("kill_id", km.KillID).Int("attempts", attempts.Attempts).
			Msg("attempt budget exhausted, killmail marked unfetchable")
		return ClaimResult{Outcome: OutcomeDenied}, nil
	}

	won, err := c.db.TryClaim(ctx, km.KillID, workerID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("try claim: %w", err)
	}
	if !won {
		c.claimsLost.Add(1)
		metrics.ClaimsLost.Inc()
		return ClaimResult{Outcome: OutcomeBusy}, nil
	}

	c.claimsWon.Add(1)
	metrics.ClaimsWon.Inc()
	return ClaimResult{Outcome: OutcomeClaimed}, nil
}

// WaitForClaim is used after TryClaim returned Busy. It polls with capped
// exponential backoff until the other worker's result appears
// (AlreadyPresent), the claim frees up and is won (Claimed), the killmail
// turns unfetchable (Denied), or the timeout elapses (Busy).
func (c *Coordinator) WaitForClaim(ctx context.Context, km *models.Killmail, workerID string, timeout time.Duration) (ClaimResult, error) {
	deadline := time.Now().Add(timeout)
	backoff := c.cfg.WaitBackoff

	for {
		res, err := c.TryClaim(ctx, km, workerID)
		if err != nil {
			return ClaimResult{}, err
		}
		if res.Outcome != OutcomeBusy {
			return res, nil
		}

		if time.Now().Add(backoff).After(deadline) {
			c.waitTimeouts.Add(1)
			return ClaimResult{Outcome: OutcomeBusy}, nil
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ClaimResult{}, ctx.Err()
		}

		backoff *= 2
		if backoff > c.cfg.WaitBackoffMax {
			backoff = c.cfg.WaitBackoffMax
		}
	}
}

// CompleteSuccess persists the fetched detail, releases the claim, and
// clears the attempt counter.
func (c *Coordinator) CompleteSuccess(ctx context.Context, km *models.Killmail, detail *models.KillmailDetail, workerID string) error {
	detail.KillID = km.KillID
	detail.Status = models.FetchSuccess
	if detail.FetchedAt.IsZero() {
		detail.FetchedAt = time.Now().UTC()
	}
	if err := c.db.UpsertDetail(ctx, detail); err != nil {
		return fmt.Errorf("persist detail: %w", err)
	}
	if err := c.db.ClearFetchAttempts(ctx, km.KillID); err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	if err := c.db.ReleaseClaim(ctx, km.KillID, workerID); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	c.fetched.Add(1)
	metrics.EnrichFetches.WithLabelValues("success").Inc()
	return nil
}

// CompleteFailure records a failed fetch: increments the attempt counter,
// releases the claim, and reports whether the attempt budget allows another
// try. At the budget the killmail is marked unfetchable.
func (c *Coordinator) CompleteFailure(ctx context.Context, km *models.Killmail, fetchErr error, workerID string) (retryable bool, err error) {
	c.failures.Add(1)
	metrics.EnrichFetches.WithLabelValues("failure").Inc()

	msg := ""
	if fetchErr != nil {
		msg = fetchErr.Error()
	}
	attempts, err := c.db.IncrementFetchAttempts(ctx, km.KillID, msg)
	if err != nil {
		return false, fmt.Errorf("increment attempts: %w", err)
	}
	if err := c.db.ReleaseClaim(ctx, km.KillID, workerID); err != nil {
		return false, fmt.Errorf("release claim: %w", err)
	}

	if attempts >= c.cfg.MaxAttempts {
		if err := c.db.MarkUnfetchable(ctx, km.KillID, attempts); err != nil {
			return false, fmt.Errorf("mark unfetchable: %w", err)
		}
		c.markedUnfetchable.Add(1)
		metrics.EnrichFetches.WithLabelValues("unfetchable").Inc()
		c.log.Warn().Int64("kill_id", km.KillID).Int("attempts", attempts).Err(fetchErr).
			Msg("enrichment fetch failed permanently")
		return false, nil
	}

	c.log.Debug().Int64("kill_id", km.KillID).Int("attempts", attempts).Err(fetchErr).
		Msg("enrichment fetch failed, will retry")
	return true, nil
}

// Snapshot returns the coordinator counters.
func (c *Coordinator) Snapshot() Metrics {
	return Metrics{
		ClaimsWon:         c.claimsWon.Load(),
		ClaimsLost:        c.claimsLost.Load(),
		Fetched:           c.fetched.Load(),
		Failures:          c.failures.Load(),
		MarkedUnfetchable: c.markedUnfetchable.Load(),
		WaitTimeouts:      c.waitTimeouts.Load(),
	}
}
