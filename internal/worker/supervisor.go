// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evewatch/killfeed/internal/config"
	"github.com/evewatch/killfeed/internal/enrich"
	"github.com/evewatch/killfeed/internal/logging"
	"github.com/evewatch/killfeed/internal/metrics"
)

// Factory builds a fresh worker for a profile. The supervisor calls it once
// at startup and again for every restart, since workers are single-use.
type Factory func(profile config.ProfileConfig) *Worker

// SupervisorStatus is the aggregate admin snapshot.
type SupervisorStatus struct {
	Workers     []Status       `json:"workers"`
	Coordinator enrich.Metrics `json:"coordinator"`
	Restarts    map[string]int `json:"restarts"`
	UptimeSec   float64        `json:"uptime_seconds"`
}

// Supervisor owns the set of delivery workers: one per enabled profile. It
// starts them concurrently, health-checks them on a timer, restarts failed
// ones with per-profile exponential backoff, and shuts everything down with
// a shared grace timeout.
type Supervisor struct {
	profiles []config.ProfileConfig
	cfg      config.WorkerConfig
	factory  Factory
	coord    *enrich.Coordinator
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	workers   map[string]*Worker
	restarts  map[string]int
	restartAt map[string]time.Time
	startedAt time.Time

	runCtx context.Context
	cancel context.CancelFunc
	health sync.WaitGroup
}

// NewSupervisor creates a supervisor for the enabled profiles. The shared
// coordinator is only referenced for status snapshots; workers receive it
// through the factory.
func NewSupervisor(profiles []config.ProfileConfig, cfg config.WorkerConfig, coord *enrich.Coordinator, factory Factory) *Supervisor {
	enabled := make([]config.ProfileConfig, 0, len(profiles))
	for _, p := range profiles {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	return &Supervisor{
		profiles:  enabled,
		cfg:       cfg,
		factory:   factory,
		coord:     coord,
		log:       logging.With().Str("component", "supervisor").Logger(),
		now:       time.Now,
		workers:   make(map[string]*Worker, len(enabled)),
		restarts:  make(map[string]int, len(enabled)),
		restartAt: make(map[string]time.Time, len(enabled)),
	}
}

// Start constructs and starts one worker per enabled profile, then launches
// the health loop.
func (s *Supervisor) Start(ctx context.Context) error {
	if len(s.profiles) == 0 {
		return fmt.Errorf("supervisor: no enabled profiles")
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.startedAt = s.now()

	s.mu.Lock()
	for _, p := range s.profiles {
		w := s.factory(p)
		if err := w.Start(s.runCtx); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("start worker %s: %w", p.Name, err)
		}
		s.workers[p.Name] = w
	}
	s.mu.Unlock()

	s.health.Add(1)
	go s.healthLoop(s.runCtx)

	s.log.Info().Int("workers", len(s.profiles)).Msg("supervisor started")
	return nil
}

// healthLoop periodically scans for failed workers and restarts them once
// their per-profile backoff has elapsed.
func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.health.Done()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkWorkers(ctx)
		}
	}
}

// checkWorkers restarts every worker found in Failed state whose backoff
// window has passed.
func (s *Supervisor) checkWorkers(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, w := range s.workers {
		if w.State() != StateFailed {
			continue
		}

		due, scheduled := s.restartAt[name]
		if !scheduled {
			backoff := restartBackoff(s.cfg.RestartBackoff, s.cfg.RestartBackoffMax, s.restarts[name])
			s.restartAt[name] = now.Add(backoff)
			s.log.Warn().Str("profile", name).Dur("backoff", backoff).
				Msg("worker failed, restart scheduled")
			continue
		}
		if now.Before(due) {
			continue
		}

		profile, ok := s.findProfile(name)
		if !ok {
			continue
		}

		fresh := s.factory(profile)
		if err := fresh.Start(ctx); err != nil {
			s.log.Error().Err(err).Str("profile", name).Msg("worker restart failed")
			// Leave the schedule in place; next health tick retries.
			s.restartAt[name] = now.Add(s.cfg.RestartBackoff)
			continue
		}

		s.workers[name] = fresh
		s.restarts[name]++
		delete(s.restartAt, name)
		metrics.WorkerRestarts.WithLabelValues(name).Inc()
		s.log.Info().Str("profile", name).Int("restart_count", s.restarts[name]).
			Msg("worker restarted")
	}
}

func (s *Supervisor) findProfile(name string) (config.ProfileConfig, bool) {
	for _, p := range s.profiles {
		if p.Name == name {
			return p, true
		}
	}
	return config.ProfileConfig{}, false
}

// Stop cancels the health loop first, then stops all workers concurrently.
// Workers that do not stop within the shared shutdown timeout are abandoned
// to the context cancellation.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.health.Wait()

	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, w := range workers {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				w.Stop()
			}(w)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("all workers stopped")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn().Msg("shutdown timeout, abandoning unstopped workers")
	}
}

// Status returns the aggregate supervisor snapshot.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := SupervisorStatus{
		Workers:  make([]Status, 0, len(s.workers)),
		Restarts: make(map[string]int, len(s.restarts)),
	}
	for _, p := range s.profiles {
		if w, ok := s.workers[p.Name]; ok {
			status.Workers = append(status.Workers, w.Snapshot())
		}
	}
	for name, n := range s.restarts {
		status.Restarts[name] = n
	}
	if s.coord != nil {
		status.Coordinator = s.coord.Snapshot()
	}
	if !s.startedAt.IsZero() {
		status.UptimeSec = s.now().Sub(s.startedAt).Seconds()
	}
	return status
}

// restartBackoff doubles the base delay per prior restart, capped at max.
func restartBackoff(base, max time.Duration, restarts int) time.Duration {
	d := base
	for i := 0; i < restarts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
