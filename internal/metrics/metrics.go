// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package metrics registers the Prometheus instrumentation for the killmail
// pipeline: ingest queue pressure, store query performance, enrichment
// coordination, delivery workers, and retention sweeps.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest queue metrics
	QueueReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killfeed_queue_received_total",
			Help: "Total killmails offered to the ingest queue",
		},
	)

	QueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killfeed_queue_dropped_total",
			Help: "Total killmails evicted under backpressure (drop-oldest)",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "killfeed_queue_depth",
			Help: "Killmails currently buffered in the ingest queue",
		},
	)

	// Store metrics
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "killfeed_store_query_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StoreQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killfeed_store_query_errors_total",
			Help: "Total store operation errors",
		},
		[]string{"operation"},
	)

	StoreInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killfeed_store_killmails_inserted_total",
			Help: "Killmails durably inserted (duplicates excluded)",
		},
	)

	StoreDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killfeed_store_killmails_duplicate_total",
			Help: "Killmail inserts absorbed by the idempotency constraint",
		},
	)

	// Enrichment coordinator metrics
	ClaimsWon = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killfeed_enrich_claims_won_total",
			Help: "Fetch claims won by a worker",
		},
	)

	ClaimsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killfeed_enrich_claims_lost_total",
			Help: "Fetch claims lost to another worker",
		},
	)

	EnrichFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killfeed_enrich_fetches_total",
			Help: "Enrichment fetch outcomes",
		},
		[]string{"outcome"}, // "success", "failure", "unfetchable"
	)

	// Delivery worker metrics
	WorkerDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killfeed_worker_deliveries_total",
			Help: "Delivery outcomes per profile",
		},
		[]string{"profile", "status"}, // "delivered", "skipped", "failed", "rate_limited"
	)

	WorkerPollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "killfeed_worker_poll_duration_seconds",
			Help:    "Duration of one worker poll iteration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"profile"},
	)

	WorkerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killfeed_worker_restarts_total",
			Help: "Worker restarts performed by the supervisor",
		},
		[]string{"profile"},
	)

	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "killfeed_worker_state",
			Help: "Worker lifecycle state (0 stopped, 1 starting, 2 running, 3 stopping, 4 failed)",
		},
		[]string{"profile"},
	)

	// Retention metrics
	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "killfeed_retention_deleted_total",
			Help: "Rows deleted by the retention sweeper",
		},
		[]string{"table"},
	)

	RetentionCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "killfeed_retention_cycle_duration_seconds",
			Help:    "Duration of one retention sweep cycle",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	RetentionCycleErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "killfeed_retention_cycle_errors_total",
			Help: "Retention sweep cycles that ended with an error",
		},
	)
)
