// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package retention runs the periodic store sweep: expired killmails, stale
// fetch claims, old dedup entries, and orphaned rows are deleted on a fixed
// interval so the database stays bounded on a long-running instance.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evewatch/killfeed/internal/config"
	"github.com/evewatch/killfeed/internal/logging"
	"github.com/evewatch/killfeed/internal/metrics"
	"github.com/evewatch/killfeed/internal/models"
)

// Store is the slice of the persistent store the sweeper uses.
// Implemented by *store.DB.
type Store interface {
	ExpungeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteOldDedup(ctx context.Context, maxAge time.Duration) (int64, error)
	DeleteOrphanAttempts(ctx context.Context) (int64, error)
	DeleteOrphanProfiles(ctx context.Context, active []string) (int64, error)
	Optimize(ctx context.Context) error
	Stats(ctx context.Context) (*models.StoreStats, error)
}

// CycleReport summarizes one completed sweep.
type CycleReport struct {
	Killmails      int64     `json:"killmails"`
	StaleClaims    int64     `json:"stale_claims"`
	DedupEntries   int64     `json:"dedup_entries"`
	OrphanAttempts int64     `json:"orphan_attempts"`
	OrphanProfiles int64     `json:"orphan_profiles"`
	Errors         int       `json:"errors"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Sweeper deletes expired data on an interval. A failing step is logged and
// counted but never aborts the rest of the cycle; repeated failing cycles
// stretch the interval with a capped exponential backoff.
type Sweeper struct {
	db             Store
	cfg            config.RetentionConfig
	claimStaleAge  time.Duration
	activeProfiles []string
	log            zerolog.Logger
	now            func() time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	last    *CycleReport

	// failingCycles counts consecutive cycles that reported errors; owned by
	// the run loop.
	failingCycles int
}

// NewSweeper creates the retention sweeper. claimStaleAge is the age past
// which an abandoned fetch claim is reclaimed. activeProfiles is the set of
// configured profile names; dedup rows for other profiles are treated as
// orphans, but only when the set is non-empty.
func NewSweeper(db Store, cfg config.RetentionConfig, claimStaleAge time.Duration, activeProfiles []string) *Sweeper {
	if claimStaleAge <= 0 {
		claimStaleAge = 5 * time.Minute
	}
	return &Sweeper{
		db:             db,
		cfg:            cfg,
		claimStaleAge:  claimStaleAge,
		activeProfiles: activeProfiles,
		log:            logging.With().Str("component", "retention").Logger(),
		now:            time.Now,
	}
}

// Start launches the sweep loop. The first cycle runs after one full
// interval, not at startup, so a crash-looping process does not hammer the
// store with sweeps.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop stops the loop and waits for an in-flight cycle to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// IsRunning reports whether the loop is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastCycle returns the most recent completed cycle report, or nil before
// the first sweep.
func (s *Sweeper) LastCycle() *CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("killmail_age", s.cfg.KillmailAge).
		Msg("retention sweeper started")

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retention sweeper stopped")
			return
		case <-timer.C:
			report := s.sweep(ctx)
			s.mu.Lock()
			s.last = &report
			s.mu.Unlock()

			wait := s.nextWait(report)
			if wait > s.cfg.Interval {
				s.log.Warn().Int("failing_cycles", s.failingCycles).Dur("wait", wait).
					Msg("retention cycles keep failing, stretching the interval")
			}
			timer.Reset(wait)
		}
	}
}

// nextWait returns the pause before the next cycle: the configured interval
// after a clean cycle, stretched exponentially while cycles keep failing.
func (s *Sweeper) nextWait(report CycleReport) time.Duration {
	if report.Errors == 0 {
		s.failingCycles = 0
		return s.cfg.Interval
	}
	s.failingCycles++
	return sweepBackoff(s.cfg.Interval, s.failingCycles)
}

// sweepBackoff doubles the interval per consecutive failing cycle after the
// first, capped at eight intervals.
func sweepBackoff(interval time.Duration, failing int) time.Duration {
	max := 8 * interval
	d := interval
	for i := 1; i < failing; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// sweep runs every retention step once. Steps are independent; an error in
// one is recorded and the next still runs.
func (s *Sweeper) sweep(ctx context.Context) CycleReport {
	start := s.now()
	report := CycleReport{}

	step := func(name string, fn func() (int64, error)) int64 {
		n, err := fn()
		if err != nil {
			report.Errors++
			metrics.RetentionCycleErrors.Inc()
			s.log.Error().Err(err).Str("step", name).Msg("retention step failed")
			return 0
		}
		return n
	}

	// Row deletion counters are recorded by the store methods themselves.
	cutoff := start.Add(-s.cfg.KillmailAge)
	report.Killmails = step("expunge_killmails", func() (int64, error) {
		return s.db.ExpungeBefore(ctx, cutoff)
	})

	report.StaleClaims = step("stale_claims", func() (int64, error) {
		return s.db.DeleteStaleClaims(ctx, s.claimStaleAge)
	})

	report.DedupEntries = step("old_dedup", func() (int64, error) {
		return s.db.DeleteOldDedup(ctx, s.cfg.DedupAge)
	})

	report.OrphanAttempts = step("orphan_attempts", func() (int64, error) {
		return s.db.DeleteOrphanAttempts(ctx)
	})

	report.OrphanProfiles = step("orphan_profiles", func() (int64, error) {
		return s.db.DeleteOrphanProfiles(ctx, s.activeProfiles)
	})

	if err := s.db.Optimize(ctx); err != nil {
		report.Errors++
		metrics.RetentionCycleErrors.Inc()
		s.log.Error().Err(err).Msg("store optimize failed")
	}

	elapsed := s.now().Sub(start)
	metrics.RetentionCycleDuration.Observe(elapsed.Seconds())
	report.CompletedAt = s.now()

	s.log.Info().
		Int64("killmails", report.Killmails).
		Int64("stale_claims", report.StaleClaims).
		Int64("dedup", report.DedupEntries).
		Int64("orphan_attempts", report.OrphanAttempts).
		Int64("orphan_profiles", report.OrphanProfiles).
		Int("errors", report.Errors).
		Dur("elapsed", elapsed).
		Msg("retention cycle complete")
	return report
}
