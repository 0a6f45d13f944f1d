// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package retention

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/evewatch/killfeed/internal/config"
	"github.com/evewatch/killfeed/internal/models"
)

// fakeStore returns canned counts and records calls; individual steps can
// be scripted to fail.
type fakeStore struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool

	expungeCutoff time.Time
	claimAge      time.Duration
	dedupAge      time.Duration
	activeSet     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{fail: map[string]bool{}}
}

func (s *fakeStore) record(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	if s.fail[name] {
		return fmt.Errorf("%s failed", name)
	}
	return nil
}

func (s *fakeStore) ExpungeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.expungeCutoff = cutoff
	if err := s.record("expunge"); err != nil {
		return 0, err
	}
	return 10, nil
}

func (s *fakeStore) DeleteStaleClaims(_ context.Context, olderThan time.Duration) (int64, error) {
	s.claimAge = olderThan
	if err := s.record("claims"); err != nil {
		return 0, err
	}
	return 2, nil
}

func (s *fakeStore) DeleteOldDedup(_ context.Context, maxAge time.Duration) (int64, error) {
	s.dedupAge = maxAge
	if err := s.record("dedup"); err != nil {
		return 0, err
	}
	return 3, nil
}

func (s *fakeStore) DeleteOrphanAttempts(context.Context) (int64, error) {
	if err := s.record("attempts"); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *fakeStore) DeleteOrphanProfiles(_ context.Context, active []string) (int64, error) {
	s.activeSet = active
	if err := s.record("profiles"); err != nil {
		return 0, err
	}
	return 4, nil
}

func (s *fakeStore) Optimize(context.Context) error {
	return s.record("optimize")
}

func (s *fakeStore) Stats(context.Context) (*models.StoreStats, error) {
	return &models.StoreStats{}, nil
}

func (s *fakeStore) callNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func testRetentionConfig() config.RetentionConfig {
	return config.RetentionConfig{
		Interval:    20 * time.Millisecond,
		KillmailAge: 30 * 24 * time.Hour,
		DedupAge:    72 * time.Hour,
	}
}

func TestSweepHappyPath(t *testing.T) {
	db := newFakeStore()
	s := NewSweeper(db, testRetentionConfig(), 10*time.Minute, []string{"highsec"})

	report := s.sweep(context.Background())

	if report.Killmails != 10 || report.StaleClaims != 2 || report.DedupEntries != 3 ||
		report.OrphanAttempts != 1 || report.OrphanProfiles != 4 {
		t.Errorf("report = %+v", report)
	}
	if report.Errors != 0 {
		t.Errorf("errors = %d, want 0", report.Errors)
	}
	if report.CompletedAt.IsZero() {
		t.Error("completed at not set")
	}

	// Parameters forwarded from configuration.
	wantCutoff := time.Now().Add(-30 * 24 * time.Hour)
	if db.expungeCutoff.Before(wantCutoff.Add(-time.Minute)) || db.expungeCutoff.After(wantCutoff.Add(time.Minute)) {
		t.Errorf("expunge cutoff = %v, want about %v", db.expungeCutoff, wantCutoff)
	}
	if db.claimAge != 10*time.Minute {
		t.Errorf("claim stale age = %v", db.claimAge)
	}
	if db.dedupAge != 72*time.Hour {
		t.Errorf("dedup age = %v", db.dedupAge)
	}
	if len(db.activeSet) != 1 || db.activeSet[0] != "highsec" {
		t.Errorf("active set = %v", db.activeSet)
	}
}

// A failing step must not stop the rest of the cycle.
func TestSweepStepIsolation(t *testing.T) {
	db := newFakeStore()
	db.fail["expunge"] = true
	db.fail["dedup"] = true
	s := NewSweeper(db, testRetentionConfig(), time.Minute, nil)

	report := s.sweep(context.Background())

	if report.Errors != 2 {
		t.Errorf("errors = %d, want 2", report.Errors)
	}
	if report.Killmails != 0 || report.DedupEntries != 0 {
		t.Errorf("failed steps should report zero: %+v", report)
	}
	// Steps after the failures still ran.
	if report.StaleClaims != 2 || report.OrphanAttempts != 1 || report.OrphanProfiles != 4 {
		t.Errorf("surviving steps = %+v", report)
	}

	calls := db.callNames()
	want := []string{"expunge", "claims", "dedup", "attempts", "profiles", "optimize"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

// Failing cycles stretch the wait exponentially; a clean cycle resets it.
func TestFailingCyclesBackOff(t *testing.T) {
	cfg := testRetentionConfig()
	s := NewSweeper(newFakeStore(), cfg, time.Minute, nil)

	clean := CycleReport{}
	failing := CycleReport{Errors: 1}

	wants := []time.Duration{
		cfg.Interval,
		2 * cfg.Interval,
		4 * cfg.Interval,
		8 * cfg.Interval,
		8 * cfg.Interval, // capped
	}
	for i, want := range wants {
		if got := s.nextWait(failing); got != want {
			t.Errorf("failing cycle %d: wait = %v, want %v", i+1, got, want)
		}
	}

	if got := s.nextWait(clean); got != cfg.Interval {
		t.Errorf("clean cycle: wait = %v, want %v", got, cfg.Interval)
	}
	if s.failingCycles != 0 {
		t.Errorf("failing cycles = %d after a clean cycle", s.failingCycles)
	}
	// The streak starts over after the reset.
	if got := s.nextWait(failing); got != cfg.Interval {
		t.Errorf("first failure after reset: wait = %v, want %v", got, cfg.Interval)
	}
}

func TestSweepBackoff(t *testing.T) {
	interval := time.Minute
	tests := []struct {
		failing int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{10, 8 * time.Minute},
	}
	for _, tt := range tests {
		if got := sweepBackoff(interval, tt.failing); got != tt.want {
			t.Errorf("sweepBackoff(%d) = %v, want %v", tt.failing, got, tt.want)
		}
	}
}

func TestSweepOptimizeFailureCounted(t *testing.T) {
	db := newFakeStore()
	db.fail["optimize"] = true
	s := NewSweeper(db, testRetentionConfig(), time.Minute, nil)

	report := s.sweep(context.Background())
	if report.Errors != 1 {
		t.Errorf("errors = %d, want 1", report.Errors)
	}
}

func TestSweeperLoop(t *testing.T) {
	db := newFakeStore()
	s := NewSweeper(db, testRetentionConfig(), time.Minute, nil)

	if s.LastCycle() != nil {
		t.Fatal("expected no report before the first cycle")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected running after start")
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.LastCycle() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	last := s.LastCycle()
	if last == nil {
		t.Fatal("no cycle completed")
	}
	if last.Killmails != 10 {
		t.Errorf("last cycle = %+v", last)
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("expected stopped after stop")
	}
	// LastCycle returns a copy, not a pointer into the sweeper.
	a, b := s.LastCycle(), s.LastCycle()
	if a == b {
		t.Error("LastCycle returned a shared pointer")
	}
}

func TestSweeperStartIdempotent(t *testing.T) {
	s := NewSweeper(newFakeStore(), testRetentionConfig(), time.Minute, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestClaimStaleAgeDefault(t *testing.T) {
	s := NewSweeper(newFakeStore(), testRetentionConfig(), 0, nil)
	if s.claimStaleAge != 5*time.Minute {
		t.Errorf("claim stale age = %v, want 5m default", s.claimStaleAge)
	}
}
