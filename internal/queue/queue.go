// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package queue implements the bounded in-memory buffer between the feed
// reader and the persistent store.
//
// The queue never blocks the producer: when full, the oldest buffered
// killmail is evicted to make room (drop-oldest backpressure). Drops are a
// degradation, not an error; each one is logged with the dropped killmail's
// id and age and counted for observability.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evewatch/killfeed/internal/logging"
	"github.com/evewatch/killfeed/internal/metrics"
	"github.com/evewatch/killfeed/internal/models"
)

// Stats is a read-only snapshot of queue counters.
type Stats struct {
	Received int64     `json:"received"`
	Dropped  int64     `json:"dropped"`
	Buffered int       `json:"buffered"`
	Capacity int       `json:"capacity"`
	LastDrop time.Time `json:"last_drop,omitempty"`
}

// Queue is a fixed-capacity FIFO buffer of killmails.
//
// All methods are safe for concurrent use. The queue owns buffered records
// until they are handed off via GetBatch; after that its copies are gone.
type Queue struct {
	mu       sync.Mutex
	items    []*models.Killmail
	capacity int

	received int64
	dropped  int64
	lastDrop time.Time

	// signal wakes at most one WaitForItems caller per Put.
	signal chan struct{}

	log zerolog.Logger
	now func() time.Time
}

// New creates a queue with the given capacity. Capacity must be positive.
func New(capacity int) *Queue {
	return &Queue{
		items:    make([]*models.Killmail, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		log:      logging.With().Str("component", "queue").Logger(),
		now:      time.Now,
	}
}

// Put adds a killmail to the queue, evicting the oldest buffered record if
// the queue is at capacity. Returns true when an eviction happened. Never
// blocks.
func (q *Queue) Put(km *models.Killmail) (droppedOldest bool) {
	q.mu.Lock()

	q.received++
	metrics.QueueReceived.Inc()

	var dropped *models.Killmail
	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		q.lastDrop = q.now()
		metrics.QueueDropped.Inc()
	}
	q.items = append(q.items, km)
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	if dropped != nil {
		q.log.Warn().
			Str("event", "killmail_dropped").
			Int64("kill_id", dropped.KillID).
			Dur("age", dropped.Age(q.now())).
			Msg("ingest queue full, evicted oldest killmail")
	}

	// Wake one waiter, if any.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return dropped != nil
}

// GetBatch removes and returns up to max buffered killmails in FIFO order.
// Returns an empty slice without blocking when nothing is buffered.
func (q *Queue) GetBatch(max int) []*models.Killmail {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 || max <= 0 {
		return nil
	}
	if n > max {
		n = max
	}

	batch := make([]*models.Killmail, n)
	copy(batch, q.items[:n])
	remaining := copy(q.items, q.items[n:])
	q.items = q.items[:remaining]
	metrics.QueueDepth.Set(float64(remaining))
	return batch
}

// WaitForItems suspends the caller until an item is available, the timeout
// elapses, or ctx is canceled. Returns true when items are buffered.
func (q *Queue) WaitForItems(ctx context.Context, timeout time.Duration) bool {
	if q.Len() > 0 {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.signal:
			if q.Len() > 0 {
				return true
			}
			// Signal raced with a concurrent GetBatch; keep waiting.
		case <-timer.C:
			return q.Len() > 0
		case <-ctx.Done():
			return false
		}
	}
}

// Len returns the number of buffered killmails.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the current queue counters.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Received: q.received,
		Dropped:  q.dropped,
		Buffered: len(q.items),
		Capacity: q.capacity,
		LastDrop: q.lastDrop,
	}
}
