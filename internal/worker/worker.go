// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package worker implements the per-profile delivery workers and their
// supervisor.
//
// Each enabled profile gets exactly one worker. A worker polls the store
// from its durable checkpoint (minus an overlap window), evaluates each new
// killmail against the external trigger, coordinates enrichment through the
// shared coordinator, formats and delivers interesting kills, and advances
// its checkpoint. All crash-recovery state is the checkpoint plus the dedup
// table; a restarted worker re-reads the overlap window and skips what it
// already handled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evewatch/killfeed/internal/config"
	"github.com/evewatch/killfeed/internal/enrich"
	"github.com/evewatch/killfeed/internal/logging"
	"github.com/evewatch/killfeed/internal/metrics"
	"github.com/evewatch/killfeed/internal/models"
	"github.com/evewatch/killfeed/internal/store"
)

// State is the worker lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Store is the slice of the persistent store a worker uses.
// Implemented by *store.DB.
type Store interface {
	QueryKillmails(ctx context.Context, f store.Filter) ([]*models.Killmail, *store.Cursor, error)
	GetCheckpoint(ctx context.Context, profile string) (*models.Checkpoint, error)
	UpdateCheckpoint(ctx context.Context, profile string, u store.CheckpointUpdate) error
	CheckDedup(ctx context.Context, profile string, killID int64) (bool, error)
	MarkDelivered(ctx context.Context, profile string, killID int64, status models.DeliveryStatus) error
}

// Coordinator is the slice of the enrichment coordinator a worker uses.
// Implemented by *enrich.Coordinator.
type Coordinator interface {
	TryClaim(ctx context.Context, km *models.Killmail, workerID string) (enrich.ClaimResult, error)
	WaitForClaim(ctx context.Context, km *models.Killmail, workerID string, timeout time.Duration) (enrich.ClaimResult, error)
	CompleteSuccess(ctx context.Context, km *models.Killmail, detail *models.KillmailDetail, workerID string) error
	CompleteFailure(ctx context.Context, km *models.Killmail, fetchErr error, workerID string) (bool, error)
}

// Status is a read-only snapshot of one worker.
type Status struct {
	Profile           string    `json:"profile"`
	WorkerID          string    `json:"worker_id"`
	State             string    `json:"state"`
	Polls             int64     `json:"polls"`
	Delivered         int64     `json:"delivered"`
	Skipped           int64     `json:"skipped"`
	Failed            int64     `json:"failed"`
	RateLimited       int64     `json:"rate_limited"`
	Rollups           int64     `json:"rollups"`
	RollupPending     int       `json:"rollup_pending"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastPollAt        time.Time `json:"last_poll_at,omitempty"`
	Checkpoint        time.Time `json:"checkpoint,omitempty"`
}

// Worker is one delivery worker. Construct with New, run with Start, stop
// with Stop. A worker is not reusable after Stop or a Failed transition; the
// supervisor builds a fresh one to restart a profile.
type Worker struct {
	profile config.ProfileConfig
	cfg     config.WorkerConfig

	db     Store
	coord  Coordinator
	client enrich.Client
	caps   Capabilities

	workerID string
	log      zerolog.Logger
	now      func() time.Time

	state atomic.Int32

	polls       atomic.Int64
	delivered   atomic.Int64
	skipped     atomic.Int64
	failed      atomic.Int64
	rateLimited atomic.Int64
	rollups     atomic.Int64

	mu                sync.Mutex
	rollupBuf         []*models.Killmail
	rollupPendingIDs  map[int64]bool
	backoffUntil      time.Time
	highWater         time.Time
	lastPollAt        time.Time
	consecutiveErrors int

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a worker for one profile. The coordinator and client are
// shared across all workers; the store handle is the process-wide writer.
func New(profile config.ProfileConfig, cfg config.WorkerConfig, db Store, coord Coordinator, client enrich.Client, caps Capabilities) *Worker {
	id := fmt.Sprintf("%s-%s", profile.Name, uuid.NewString()[:8])
	return &Worker{
		profile:          profile,
		cfg:              cfg,
		db:               db,
		coord:            coord,
		client:           client,
		caps:             caps,
		workerID:         id,
		log:              logging.With().Str("component", "worker").Str("profile", profile.Name).Logger(),
		now:              time.Now,
		rollupPendingIDs: make(map[int64]bool),
		done:             make(chan struct{}),
	}
}

// Profile returns the profile name this worker serves.
func (w *Worker) Profile() string { return w.profile.Name }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	metrics.WorkerState.WithLabelValues(w.profile.Name).Set(float64(s))
}

// Start launches the poll loop. Returns an error if the worker is not in
// Stopped state.
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("worker %s: start from state %s", w.profile.Name, w.State())
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.run(runCtx)
	return nil
}

// Stop requests a graceful stop and waits for the loop to exit. Stopping a
// worker that never started is a no-op.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	if w.State() == StateRunning || w.State() == StateStarting {
		w.setState(StateStopping)
	}
	w.cancel()
	<-w.done
}

// Done is closed when the poll loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// run is the poll loop. It owns the state transitions Running, Stopping,
// Stopped, and Failed.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("worker panicked, transitioning to failed")
			w.setState(StateFailed)
		}
	}()

	w.setState(StateRunning)
	w.log.Info().Str("worker_id", w.workerID).Msg("worker started")

	for {
		start := w.now()
		err := w.pollOnce(ctx)
		metrics.WorkerPollDuration.WithLabelValues(w.profile.Name).Observe(time.Since(start).Seconds())

		if ctx.Err() != nil {
			w.setState(StateStopped)
			w.log.Info().Msg("worker stopped")
			return
		}

		if err != nil {
			w.mu.Lock()
			w.consecutiveErrors++
			n := w.consecutiveErrors
			w.mu.Unlock()

			if !errors.Is(err, errTransient) && n > w.cfg.MaxConsecutiveFailures {
				w.log.Error().Err(err).Int("consecutive_errors", n).
					Msg("too many consecutive failures, worker failed")
				w.setState(StateFailed)
				return
			}

			backoff := errorBackoff(w.cfg.PollInterval, n)
			w.log.Warn().Err(err).Int("consecutive_errors", n).Dur("backoff", backoff).
				Msg("poll iteration failed, backing off")
			if !sleepCtx(ctx, backoff) {
				w.setState(StateStopped)
				return
			}
			continue
		}

		w.mu.Lock()
		w.consecutiveErrors = 0
		w.mu.Unlock()

		if !sleepCtx(ctx, w.cfg.PollInterval) {
			w.setState(StateStopped)
			w.log.Info().Msg("worker stopped")
			return
		}
	}
}

// pollOnce runs one poll iteration.
func (w *Worker) pollOnce(ctx context.Context) error {
	w.polls.Add(1)
	now := w.now()
	w.mu.Lock()
	w.lastPollAt = now
	inBackoff := now.Before(w.backoffUntil)
	w.mu.Unlock()

	// Retry buffered deliveries before taking on new work.
	if !inBackoff {
		if err := w.flushRollup(ctx); err != nil {
			return err
		}
	}

	since, err := w.queryWindowStart(ctx)
	if err != nil {
		return err
	}

	kms, _, err := w.db.QueryKillmails(ctx, store.Filter{
		SystemIDs:  w.profile.SystemIDs,
		Since:      since,
		MinValue:   w.profile.MinValue,
		ExcludeNPC: !w.profile.IncludeNPC,
		Ascending:  true,
		Limit:      w.cfg.QueryLimit,
	})
	if err != nil {
		return transient(fmt.Errorf("query killmails: %w", err))
	}

	advanced := false
	for _, km := range kms {
		if ctx.Err() != nil {
			break
		}
		if w.pendingRollup(km.KillID) {
			continue
		}
		handled, err := w.processOne(ctx, km)
		if err != nil {
			return err
		}
		if handled && w.advance(km.KillTime) {
			advanced = true
		}
	}

	if advanced {
		return w.persistCheckpoint(ctx)
	}
	// Record the poll time even when nothing advanced.
	if err := w.db.UpdateCheckpoint(ctx, w.profile.Name, store.CheckpointUpdate{LastPollAt: &now}); err != nil {
		return transient(fmt.Errorf("record poll time: %w", err))
	}
	return nil
}

// queryWindowStart computes the poll window start: checkpoint minus the
// overlap window. The overlap guards against clock and commit skew dropping
// events that committed late with an earlier kill_time.
func (w *Worker) queryWindowStart(ctx context.Context) (time.Time, error) {
	cp, err := w.db.GetCheckpoint(ctx, w.profile.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// First run: start from now minus overlap, not from the dawn of
			// the store.
			return w.now().Add(-w.cfg.Overlap), nil
		}
		return time.Time{}, transient(fmt.Errorf("get checkpoint: %w", err))
	}

	w.mu.Lock()
	if cp.LastKillTime.After(w.highWater) {
		w.highWater = cp.LastKillTime
	}
	w.mu.Unlock()

	if cp.LastKillTime.IsZero() {
		return w.now().Add(-w.cfg.Overlap), nil
	}
	return cp.LastKillTime.Add(-w.cfg.Overlap), nil
}

// processOne handles a single killmail. handled reports that the killmail
// reached a dedup-marked terminal state; buffered killmails are not handled
// yet and must not advance the checkpoint.
func (w *Worker) processOne(ctx context.Context, km *models.Killmail) (handled bool, err error) {
	seen, err := w.db.CheckDedup(ctx, w.profile.Name, km.KillID)
	if err != nil {
		return false, transient(fmt.Errorf("check dedup: %w", err))
	}
	if seen {
		return true, nil
	}

	trig, err := w.caps.Evaluate(ctx, km)
	if err != nil {
		return false, fmt.Errorf("evaluate trigger: %w", err)
	}
	if !trig.Interested {
		if err := w.db.MarkDelivered(ctx, w.profile.Name, km.KillID, models.DeliverySkipped); err != nil {
			return false, transient(fmt.Errorf("mark skipped: %w", err))
		}
		w.skipped.Add(1)
		metrics.WorkerDeliveries.WithLabelValues(w.profile.Name, "skipped").Inc()
		return true, nil
	}

	// While the notifier's retry hint is in force, interested killmails go
	// straight to the rollup buffer instead of hitting the webhook.
	w.mu.Lock()
	inBackoff := w.now().Before(w.backoffUntil)
	w.mu.Unlock()
	if inBackoff {
		w.bufferForRollup(km)
		return false, nil
	}

	var detail *models.KillmailDetail
	if trig.RequiresEnrichment {
		detail = w.ensureDetail(ctx, km)
	}

	payload, err := w.caps.Format(ctx, []*models.Killmail{km}, detail, trig)
	if err != nil {
		return false, fmt.Errorf("format payload: %w", err)
	}

	res, err := w.caps.Deliver(ctx, payload)
	if err != nil {
		return false, fmt.Errorf("deliver: %w", err)
	}

	switch res.Kind {
	case DeliveredOK:
		if err := w.db.MarkDelivered(ctx, w.profile.Name, km.KillID, models.DeliveryDelivered); err != nil {
			return false, transient(fmt.Errorf("mark delivered: %w", err))
		}
		w.delivered.Add(1)
		metrics.WorkerDeliveries.WithLabelValues(w.profile.Name, "delivered").Inc()
		return true, nil

	case DeliveryRateLimited:
		w.bufferForRollup(km)
		w.setBackoff(res.RetryAfter)
		w.rateLimited.Add(1)
		metrics.WorkerDeliveries.WithLabelValues(w.profile.Name, "rate_limited").Inc()
		return false, nil

	default:
		if err := w.db.MarkDelivered(ctx, w.profile.Name, km.KillID, models.DeliveryFailed); err != nil {
			return false, transient(fmt.Errorf("mark failed: %w", err))
		}
		w.failed.Add(1)
		metrics.WorkerDeliveries.WithLabelValues(w.profile.Name, "failed").Inc()
		return true, nil
	}
}

// ensureDetail obtains enrichment detail through the coordinator. Never
// returns an error: enrichment is best-effort for delivery purposes, and a
// killmail whose fetch fails is announced without detail rather than lost.
func (w *Worker) ensureDetail(ctx context.Context, km *models.Killmail) *models.KillmailDetail {
	res, err := w.coord.TryClaim(ctx, km, w.workerID)
	if err != nil {
		w.log.Warn().Err(err).Int64("kill_id", km.KillID).Msg("claim attempt failed")
		return nil
	}

	if res.Outcome == enrich.OutcomeBusy {
		res, err = w.coord.WaitForClaim(ctx, km, w.workerID, w.cfg.ClaimWaitTimeout)
		if err != nil {
			w.log.Warn().Err(err).Int64("kill_id", km.KillID).Msg("claim wait failed")
			return nil
		}
	}

	switch res.Outcome {
	case enrich.OutcomeAlreadyPresent:
		return res.Detail
	case enrich.OutcomeClaimed:
		detail, fetchErr := w.client.FetchDetail(ctx, km.KillID, km.Hash)
		if fetchErr != nil {
			if _, err := w.coord.CompleteFailure(ctx, km, fetchErr, w.workerID); err != nil {
				w.log.Error().Err(err).Int64("kill_id", km.KillID).Msg("complete failure bookkeeping failed")
			}
			return nil
		}
		if err := w.coord.CompleteSuccess(ctx, km, detail, w.workerID); err != nil {
			w.log.Error().Err(err).Int64("kill_id", km.KillID).Msg("complete success bookkeeping failed")
		}
		return detail
	default:
		// Denied (unfetchable) or still busy after the wait: announce bare.
		return nil
	}
}

// bufferForRollup stores an undelivered killmail for a later retry or
// rollup. The buffer is bounded; at capacity the oldest entry is dropped and
// logged.
func (w *Worker) bufferForRollup(km *models.Killmail) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rollupPendingIDs[km.KillID] {
		return
	}
	if len(w.rollupBuf) >= w.cfg.RollupMax {
		dropped := w.rollupBuf[0]
		w.rollupBuf = w.rollupBuf[1:]
		delete(w.rollupPendingIDs, dropped.KillID)
		w.log.Warn().
			Str("event", "rollup_dropped").
			Int64("kill_id", dropped.KillID).
			Msg("rollup buffer full, dropped oldest buffered killmail")
	}

	w.rollupBuf = append(w.rollupBuf, km)
	w.rollupPendingIDs[km.KillID] = true

	w.log.Debug().
		Int64("kill_id", km.KillID).
		Int("buffered", len(w.rollupBuf)).
		Msg("killmail buffered for delivery retry")
}

// setBackoff records the notifier's retry hint; zero or negative gets a
// default.
func (w *Worker) setBackoff(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = 30 * time.Second
	}
	w.mu.Lock()
	w.backoffUntil = w.now().Add(retryAfter)
	w.mu.Unlock()
}

// pendingRollup reports whether the killmail is sitting in the rollup
// buffer.
func (w *Worker) pendingRollup(killID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rollupPendingIDs[killID]
}

// flushRollup retries everything in the buffer: individually below the
// rollup threshold, as one aggregated notification at or above it. A no-op
// when the buffer is empty.
func (w *Worker) flushRollup(ctx context.Context) error {
	w.mu.Lock()
	batch := w.rollupBuf
	w.rollupBuf = nil
	w.rollupPendingIDs = make(map[int64]bool)
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if len(batch) < w.cfg.RollupThreshold {
		return w.flushIndividually(ctx, batch)
	}
	return w.flushAggregated(ctx, batch)
}

func (w *Worker) flushIndividually(ctx context.Context, batch []*models.Killmail) error {
	for i, km := range batch {
		payload, err := w.caps.Format(ctx, []*models.Killmail{km}, nil, TriggerResult{})
		if err != nil {
			w.requeueRollup(batch[i:])
			return fmt.Errorf("format retry: %w", err)
		}
		res, err := w.caps.Deliver(ctx, payload)
		if err != nil {
			w.requeueRollup(batch[i:])
			return fmt.Errorf("deliver retry: %w", err)
		}
		if res.Kind == DeliveryRateLimited {
			w.requeueRollup(batch[i:])
			w.setBackoff(res.RetryAfter)
			w.rateLimited.Add(1)
			metrics.WorkerDeliveries.WithLabelValues(w.profile.Name, "rate_limited").Inc()
			return nil
		}

		status := models.DeliveryDelivered
		label := "delivered"
		if res.Kind == DeliveryFailed {
			status = models.DeliveryFailed
			label = "failed"
		}
		if err := w.db.MarkDelivered(ctx, w.profile.Name, km.KillID, status); err != nil {
			w.requeueRollup(batch[i:])
			return transient(fmt.Errorf("mark retried delivery: %w", err))
		}
		if status == models.DeliveryDelivered {
			w.delivered.Add(1)
		} else {
			w.failed.Add(1)
		}
		metrics.WorkerDeliveries.WithLabelValues(w.profile.Name, label).Inc()
		w.advance(km.KillTime)
	}
	return w.persistCheckpoint(ctx)
}

func (w *Worker) flushAggregated(ctx context.Context, batch []*models.Killmail) error {
	payload, err := w.caps.Format(ctx, batch, nil, TriggerResult{})
	if err != nil {
		w.requeueRollup(batch)
		return fmt.Errorf("format rollup: %w", err)
	}

	res, err := w.caps.Deliver(ctx, payload)
	if err != nil {
		w.requeueRollup(batch)
		return fmt.Errorf("deliver rollup: %w", err)
	}
	if res.Kind == DeliveryRateLimited {
		w.requeueRollup(batch)
		w.setBackoff(res.RetryAfter)
		w.rateLimited.Add(1)
		metrics.WorkerDeliveries.WithLabelValues(w.profile.Name, "rate_limited").Inc()
		return nil
	}

	status := models.DeliveryDelivered
	if res.Kind == DeliveryFailed {
		status = models.DeliveryFailed
	}
	for i, km := range batch {
		if err := w.db.MarkDelivered(ctx, w.profile.Name, km.KillID, status); err != nil {
			// The unmarked tail goes back to the buffer for the next flush.
			w.requeueRollup(batch[i:])
			return transient(fmt.Errorf("mark rollup delivered: %w", err))
		}
		w.advance(km.KillTime)
	}

	if status == models.DeliveryDelivered {
		w.rollups.Add(1)
		w.delivered.Add(int64(len(batch)))
		w.log.Info().Int("killmails", len(batch)).Msg("rollup delivered")
	} else {
		w.failed.Add(int64(len(batch)))
		w.log.Warn().Int("killmails", len(batch)).Msg("rollup rejected by notifier")
	}
	return w.persistCheckpoint(ctx)
}

func (w *Worker) requeueRollup(batch []*models.Killmail) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollupBuf = append(batch, w.rollupBuf...)
	for _, km := range batch {
		w.rollupPendingIDs[km.KillID] = true
	}
}

// advance raises the local high-water mark; returns true if it moved.
// The mark is monotonic: it never goes backward.
func (w *Worker) advance(t time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.After(w.highWater) {
		w.highWater = t
		return true
	}
	return false
}

// persistCheckpoint writes the advanced high-water mark. While the rollup
// buffer holds undelivered killmails, the persisted mark is clamped behind
// the oldest of them: the durable checkpoint never passes an unannounced
// killmail.
func (w *Worker) persistCheckpoint(ctx context.Context) error {
	w.mu.Lock()
	hw := w.highWater
	if len(w.rollupBuf) > 0 {
		if oldest := w.rollupBuf[0].KillTime.Add(-time.Second); oldest.Before(hw) {
			hw = oldest
		}
	}
	w.mu.Unlock()

	now := w.now()
	zero := 0
	err := w.db.UpdateCheckpoint(ctx, w.profile.Name, store.CheckpointUpdate{
		LastKillTime:        &hw,
		LastPollAt:          &now,
		ConsecutiveFailures: &zero,
	})
	if err != nil {
		return transient(fmt.Errorf("persist checkpoint: %w", err))
	}
	return nil
}

// Snapshot returns the worker status.
func (w *Worker) Snapshot() Status {
	w.mu.Lock()
	pending := len(w.rollupBuf)
	consecutive := w.consecutiveErrors
	lastPoll := w.lastPollAt
	checkpoint := w.highWater
	w.mu.Unlock()

	return Status{
		Profile:           w.profile.Name,
		WorkerID:          w.workerID,
		State:             w.State().String(),
		Polls:             w.polls.Load(),
		Delivered:         w.delivered.Load(),
		Skipped:           w.skipped.Load(),
		Failed:            w.failed.Load(),
		RateLimited:       w.rateLimited.Load(),
		Rollups:           w.rollups.Load(),
		RollupPending:     pending,
		ConsecutiveErrors: consecutive,
		LastPollAt:        lastPoll,
		Checkpoint:        checkpoint,
	}
}

// errTransient tags environmental failures, storage contention above all,
// that back off without counting toward the Failed transition.
var errTransient = errors.New("transient")

func transient(err error) error {
	return fmt.Errorf("%w: %w", errTransient, err)
}

// errorBackoff computes the capped exponential backoff after n consecutive
// errors.
func errorBackoff(base time.Duration, n int) time.Duration {
	const max = 5 * time.Minute
	d := base
	for i := 1; i < n; i++ {
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

// sleepCtx sleeps for d; returns false if ctx was canceled first.
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
