// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package config loads and validates killfeed configuration.
//
// Configuration is layered via Koanf v2 (highest priority wins):
//   - environment variables (KILLFEED_ prefix)
//   - config file (killfeed.yaml)
//   - built-in defaults
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the killfeed daemon.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Store      StoreConfig      `koanf:"store"`
	Feed       FeedConfig       `koanf:"feed"`
	Queue      QueueConfig      `koanf:"queue"`
	Enrichment EnrichmentConfig `koanf:"enrichment"`
	Worker     WorkerConfig     `koanf:"worker"`
	Retention  RetentionConfig  `koanf:"retention"`
	Server     ServerConfig     `koanf:"server"`
	Profiles   []ProfileConfig  `koanf:"profiles"`
}

// LoggingConfig controls the global zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// StoreConfig controls the SQLite store.
type StoreConfig struct {
	// Path is the store file. The WAL sidecar files live next to it.
	Path string `koanf:"path"`

	// BusyTimeout is the SQLite busy_timeout pragma in milliseconds.
	BusyTimeout int `koanf:"busy_timeout_ms"`

	// ReadPoolSize bounds the concurrent reader connections.
	ReadPoolSize int `koanf:"read_pool_size"`
}

// FeedConfig controls the RedisQ-style feed poller.
type FeedConfig struct {
	// Enabled turns the built-in poller on. When false, ingress is left to
	// an external producer feeding the queue through the library API.
	Enabled bool `koanf:"enabled"`

	// URL is the RedisQ listen endpoint.
	URL string `koanf:"url"`

	// QueueID identifies this consumer to the feed, so reconnects resume
	// the same server-side queue.
	QueueID string `koanf:"queue_id"`

	// TTW is the server-side long-poll wait in seconds (RedisQ "time to
	// wait").
	TTW int `koanf:"ttw"`
}

// QueueConfig controls the bounded ingest queue and the drain loop.
type QueueConfig struct {
	// Capacity is the maximum buffered killmails; the oldest is evicted
	// when a new record arrives at capacity.
	Capacity int `koanf:"capacity"`

	// DrainBatchSize is the maximum killmails written to the store per
	// drain iteration.
	DrainBatchSize int `koanf:"drain_batch_size"`

	// DrainWaitTimeout bounds how long the drain loop sleeps waiting for
	// items before re-checking for shutdown.
	DrainWaitTimeout time.Duration `koanf:"drain_wait_timeout"`
}

// EnrichmentConfig controls the enrichment coordinator and client wrapper.
type EnrichmentConfig struct {
	// BaseURL is the enrichment service endpoint.
	BaseURL string `koanf:"base_url"`

	// RequestTimeout bounds one enrichment HTTP request.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// MaxAttempts is the fetch attempt budget before a killmail is marked
	// unfetchable.
	MaxAttempts int `koanf:"max_attempts"`

	// ClaimStaleAge is the age past which an abandoned claim is swept.
	ClaimStaleAge time.Duration `koanf:"claim_stale_age"`

	// RequestsPerSecond throttles calls to the enrichment service.
	RequestsPerSecond float64 `koanf:"requests_per_second"`

	// BreakerFailureThreshold trips the circuit breaker after this many
	// consecutive enrichment failures.
	BreakerFailureThreshold uint32 `koanf:"breaker_failure_threshold"`

	// BreakerOpenTimeout is how long the breaker stays open before probing.
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout"`
}

// WorkerConfig holds defaults shared by all delivery workers.
type WorkerConfig struct {
	// PollInterval is the pause between poll iterations with no backlog.
	PollInterval time.Duration `koanf:"poll_interval"`

	// Overlap is subtracted from the checkpoint when computing the query
	// window, guarding against clock and commit skew.
	Overlap time.Duration `koanf:"overlap"`

	// QueryLimit caps killmails fetched per poll iteration.
	QueryLimit int `koanf:"query_limit"`

	// ClaimWaitTimeout bounds how long a worker waits for another worker's
	// in-flight enrichment fetch before announcing without detail.
	ClaimWaitTimeout time.Duration `koanf:"claim_wait_timeout"`

	// RollupThreshold is the buffered-retry count at or above which a flush
	// is sent as one aggregated rollup notification instead of individual
	// announcements.
	RollupThreshold int `koanf:"rollup_threshold"`

	// RollupMax bounds the rollup buffer; beyond it the oldest buffered
	// entry is dropped and logged.
	RollupMax int `koanf:"rollup_max"`

	// MaxConsecutiveFailures transitions the worker to Failed when
	// exceeded by fatal errors.
	MaxConsecutiveFailures int `koanf:"max_consecutive_failures"`

	// HealthInterval is the supervisor health-check period.
	HealthInterval time.Duration `koanf:"health_interval"`

	// RestartBackoff is the base supervisor restart delay, doubled per
	// consecutive restart of the same profile.
	RestartBackoff time.Duration `koanf:"restart_backoff"`

	// RestartBackoffMax caps the supervisor restart delay.
	RestartBackoffMax time.Duration `koanf:"restart_backoff_max"`

	// ShutdownTimeout bounds graceful worker shutdown before force-cancel.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// RetentionConfig controls the background expunge task.
type RetentionConfig struct {
	// Interval between sweep cycles.
	Interval time.Duration `koanf:"interval"`

	// KillmailAge is the retention window for killmails (cascades to
	// enrichment details).
	KillmailAge time.Duration `koanf:"killmail_age"`

	// DedupAge is the short retention window for delivery-dedup rows.
	DedupAge time.Duration `koanf:"dedup_age"`
}

// ServerConfig controls the read-only admin HTTP surface.
type ServerConfig struct {
	Addr string `koanf:"addr"`

	// RateLimitPerMinute throttles admin requests per client IP.
	RateLimitPerMinute int `koanf:"rate_limit_per_minute"`
}

// ProfileConfig describes one delivery profile. Each enabled profile gets
// exactly one delivery worker.
type ProfileConfig struct {
	Name    string `koanf:"name"`
	Enabled bool   `koanf:"enabled"`

	// WebhookURL receives this profile's delivery payloads.
	WebhookURL string `koanf:"webhook_url"`

	// Enrich requests enrichment detail before formatting a delivery.
	Enrich bool `koanf:"enrich"`

	// SystemIDs is the profile's location interest set. Empty means all
	// systems.
	SystemIDs []int64 `koanf:"system_ids"`

	// MinValue filters kills below this ISK value.
	MinValue float64 `koanf:"min_value"`

	// IncludeNPC includes pure-NPC kills when true.
	IncludeNPC bool `koanf:"include_npc"`
}

// Default returns a Config with production defaults applied. These are
// layered below the config file and environment variables.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path:         "/data/killfeed.db",
			BusyTimeout:  10000,
			ReadPoolSize: 4,
		},
		Feed: FeedConfig{
			Enabled: true,
			URL:     "https://zkillredisq.stream/listen.php",
			QueueID: "killfeed",
			TTW:     10,
		},
		Queue: QueueConfig{
			Capacity:         5000,
			DrainBatchSize:   200,
			DrainWaitTimeout: 2 * time.Second,
		},
		Enrichment: EnrichmentConfig{
			BaseURL:                 "https://esi.evetech.net/latest",
			RequestTimeout:          15 * time.Second,
			MaxAttempts:             5,
			ClaimStaleAge:           5 * time.Minute,
			RequestsPerSecond:       10,
			BreakerFailureThreshold: 5,
			BreakerOpenTimeout:      30 * time.Second,
		},
		Worker: WorkerConfig{
			PollInterval:           15 * time.Second,
			Overlap:                60 * time.Second,
			QueryLimit:             200,
			ClaimWaitTimeout:       30 * time.Second,
			RollupThreshold:        5,
			RollupMax:              100,
			MaxConsecutiveFailures: 10,
			HealthInterval:         30 * time.Second,
			RestartBackoff:         5 * time.Second,
			RestartBackoffMax:      5 * time.Minute,
			ShutdownTimeout:        10 * time.Second,
		},
		Retention: RetentionConfig{
			Interval:    time.Hour,
			KillmailAge: 30 * 24 * time.Hour,
			DedupAge:    72 * time.Hour,
		},
		Server: ServerConfig{
			Addr:               ":8742",
			RateLimitPerMinute: 300,
		},
	}
}

// Validate checks configuration invariants. Called after loading; a
// validation failure is fatal at startup.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.DrainBatchSize <= 0 {
		return fmt.Errorf("queue.drain_batch_size must be positive, got %d", c.Queue.DrainBatchSize)
	}
	if c.Enrichment.MaxAttempts <= 0 {
		return fmt.Errorf("enrichment.max_attempts must be positive, got %d", c.Enrichment.MaxAttempts)
	}
	if c.Worker.Overlap < 0 {
		return fmt.Errorf("worker.overlap must not be negative")
	}
	if c.Worker.RollupMax < c.Worker.RollupThreshold {
		return fmt.Errorf("worker.rollup_max (%d) must be >= worker.rollup_threshold (%d)",
			c.Worker.RollupMax, c.Worker.RollupThreshold)
	}
	if c.Retention.KillmailAge <= 0 {
		return fmt.Errorf("retention.killmail_age must be positive")
	}
	seen := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profiles[%d].name must not be empty", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
		if p.MinValue < 0 {
			return fmt.Errorf("profile %q: min_value must not be negative", p.Name)
		}
		if p.Enabled && p.WebhookURL == "" {
			return fmt.Errorf("profile %q: webhook_url is required for enabled profiles", p.Name)
		}
	}
	return nil
}

// EnabledProfiles returns the names of all enabled profiles, in config order.
func (c *Config) EnabledProfiles() []string {
	var names []string
	for _, p := range c.Profiles {
		if p.Enabled {
			names = append(names, p.Name)
		}
	}
	return names
}
