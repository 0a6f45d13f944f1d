// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/evewatch/killfeed/internal/models"
	"github.com/evewatch/killfeed/internal/queue"
)

// fakeStore records inserted batches and can be scripted to fail.
type fakeStore struct {
	mu       sync.Mutex
	batches  [][]*models.Killmail
	failures int
}

func (s *fakeStore) InsertKillmails(_ context.Context, kms []*models.Killmail) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return 0, fmt.Errorf("disk on fire")
	}
	batch := make([]*models.Killmail, len(kms))
	copy(batch, kms)
	s.batches = append(s.batches, batch)
	return len(kms), nil
}

func (s *fakeStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeStore) has(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		for _, km := range b {
			if km.KillID == id {
				return true
			}
		}
	}
	return false
}

func km(id int64) *models.Killmail {
	return &models.Killmail{
		KillID:     id,
		KillTime:   time.Now().UTC(),
		Hash:       "hash",
		IngestedAt: time.Now().UTC(),
	}
}

func TestDrainWritesBatches(t *testing.T) {
	q := queue.New(100)
	db := &fakeStore{}
	d := NewDrainer(q, db, Config{BatchSize: 10, WaitTimeout: 20 * time.Millisecond})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !d.IsRunning() {
		t.Error("expected running after start")
	}

	for i := int64(1); i <= 25; i++ {
		q.Put(km(i))
	}

	deadline := time.Now().Add(5 * time.Second)
	for db.total() < 25 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if db.total() != 25 {
		t.Fatalf("stored = %d, want 25", db.total())
	}

	// No batch exceeds the configured size.
	db.mu.Lock()
	for i, b := range db.batches {
		if len(b) > 10 {
			t.Errorf("batch %d has %d killmails, limit is 10", i, len(b))
		}
	}
	db.mu.Unlock()

	d.Stop()
	if d.IsRunning() {
		t.Error("expected stopped after stop")
	}
}

func TestDrainFlushesOnStop(t *testing.T) {
	q := queue.New(100)
	db := &fakeStore{}
	// A long wait timeout: the loop is parked waiting when Stop arrives.
	d := NewDrainer(q, db, Config{BatchSize: 50, WaitTimeout: time.Minute})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Let the loop reach its wait before filling the queue, then stop
	// immediately so the writes can only come from the final flush path or
	// the wakeup racing it. Either way nothing may be lost.
	time.Sleep(20 * time.Millisecond)
	for i := int64(1); i <= 5; i++ {
		q.Put(km(i))
	}
	d.Stop()

	if db.total() != 5 {
		t.Fatalf("stored = %d, want all 5 flushed on stop", db.total())
	}
	if q.Snapshot().Buffered != 0 {
		t.Errorf("queue still holds %d after stop", q.Snapshot().Buffered)
	}
}

func TestDrainRetriesAfterStoreError(t *testing.T) {
	q := queue.New(100)
	db := &fakeStore{failures: 1}
	d := NewDrainer(q, db, Config{BatchSize: 10, WaitTimeout: 20 * time.Millisecond})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	// The first insert fails; the dequeued batch is retained and retried, so
	// nothing the queue already handed over may be lost.
	q.Put(km(1))
	q.Put(km(2))

	deadline := time.Now().Add(5 * time.Second)
	for db.total() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if db.total() < 2 {
		t.Fatalf("stored = %d, want both killmails after the retry", db.total())
	}
	if !db.has(1) {
		t.Fatal("kill 1 was dropped by the failed insert")
	}
	if !db.has(2) {
		t.Fatal("kill 2 missing after recovery")
	}
}

func TestDrainStartIdempotent(t *testing.T) {
	d := NewDrainer(queue.New(10), &fakeStore{}, Config{})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	d.Stop()
	d.Stop()
}

func TestDrainConfigDefaults(t *testing.T) {
	d := NewDrainer(queue.New(10), &fakeStore{}, Config{})
	if d.cfg.BatchSize <= 0 {
		t.Errorf("batch size default = %d", d.cfg.BatchSize)
	}
	if d.cfg.WaitTimeout <= 0 {
		t.Errorf("wait timeout default = %v", d.cfg.WaitTimeout)
	}
}
