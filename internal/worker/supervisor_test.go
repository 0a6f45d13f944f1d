// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/evewatch/killfeed/internal/config"
	"github.com/evewatch/killfeed/internal/enrich"
)

func TestRestartBackoff(t *testing.T) {
	base := 5 * time.Second
	max := time.Minute
	tests := []struct {
		restarts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, time.Minute},
		{20, time.Minute},
	}
	for _, tt := range tests {
		if got := restartBackoff(base, max, tt.restarts); got != tt.want {
			t.Errorf("restartBackoff(%d) = %v, want %v", tt.restarts, got, tt.want)
		}
	}
}

func TestSupervisorNoProfiles(t *testing.T) {
	s := NewSupervisor(nil, testWorkerConfig(), nil, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error starting with no enabled profiles")
	}
}

func TestSupervisorFiltersDisabledProfiles(t *testing.T) {
	db := openWorkerStore(t)
	coord := enrich.NewCoordinator(db, enrich.Config{})

	var mu sync.Mutex
	started := map[string]int{}
	factory := func(p config.ProfileConfig) *Worker {
		mu.Lock()
		started[p.Name]++
		mu.Unlock()
		return New(p, testWorkerConfig(), db, coord, &fakeClient{}, newFakeCaps())
	}

	profiles := []config.ProfileConfig{
		{Name: "on", Enabled: true, WebhookURL: "http://localhost/hook"},
		{Name: "off", Enabled: false},
	}
	s := NewSupervisor(profiles, testWorkerConfig(), coord, factory)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if started["on"] != 1 || started["off"] != 0 {
		t.Errorf("factory calls = %v, want only the enabled profile", started)
	}
}

// TestSupervisorRestartsFailedWorker drives a worker into Failed with a
// broken trigger capability and waits for the health loop to replace it.
func TestSupervisorRestartsFailedWorker(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.PollInterval = time.Millisecond
	cfg.MaxConsecutiveFailures = 1
	cfg.HealthInterval = 10 * time.Millisecond
	cfg.RestartBackoff = 5 * time.Millisecond
	cfg.RestartBackoffMax = 50 * time.Millisecond

	db := openWorkerStore(t)
	seedKillmails(t, db, 1)
	coord := enrich.NewCoordinator(db, enrich.Config{})

	factory := func(p config.ProfileConfig) *Worker {
		caps := newFakeCaps()
		caps.evalErr = fmt.Errorf("trigger backend broken")
		return New(p, cfg, db, coord, &fakeClient{}, caps)
	}

	profiles := []config.ProfileConfig{
		{Name: "test", Enabled: true, WebhookURL: "http://localhost/hook"},
	}
	s := NewSupervisor(profiles, cfg, coord, factory)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().Restarts["test"] >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	status := s.Status()
	if status.Restarts["test"] < 1 {
		t.Fatalf("restarts = %d, want at least 1", status.Restarts["test"])
	}
	if len(status.Workers) != 1 {
		t.Fatalf("workers = %d, want 1", len(status.Workers))
	}
}

func TestSupervisorStatus(t *testing.T) {
	db := openWorkerStore(t)
	coord := enrich.NewCoordinator(db, enrich.Config{})
	factory := func(p config.ProfileConfig) *Worker {
		return New(p, testWorkerConfig(), db, coord, &fakeClient{}, newFakeCaps())
	}

	profiles := []config.ProfileConfig{
		{Name: "a", Enabled: true, WebhookURL: "http://localhost/a"},
		{Name: "b", Enabled: true, WebhookURL: "http://localhost/b"},
	}
	s := NewSupervisor(profiles, testWorkerConfig(), coord, factory)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	status := s.Status()
	if len(status.Workers) != 2 {
		t.Errorf("workers = %d, want 2", len(status.Workers))
	}
	seen := map[string]bool{}
	for _, w := range status.Workers {
		seen[w.Profile] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("profiles in status = %v, want a and b", seen)
	}
	if status.UptimeSec < 0 {
		t.Errorf("uptime = %f, want >= 0", status.UptimeSec)
	}

	s.Stop()
	for _, w := range s.Status().Workers {
		if w.State != "stopped" && w.State != "failed" {
			t.Errorf("worker %s state after stop = %s", w.Profile, w.State)
		}
	}
}

// Stop before Start must be a no-op.
func TestSupervisorStopIdle(t *testing.T) {
	s := NewSupervisor(nil, testWorkerConfig(), nil, nil)
	s.Stop()
}
