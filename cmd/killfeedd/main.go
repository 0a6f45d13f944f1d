// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Command killfeedd runs the killmail pipeline daemon: feed poller, bounded
// ingest queue, SQLite store, enrichment coordination, per-profile delivery
// workers, retention sweeps, and the read-only admin HTTP surface, all
// under one suture supervision tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evewatch/killfeed/internal/api"
	"github.com/evewatch/killfeed/internal/config"
	"github.com/evewatch/killfeed/internal/enrich"
	"github.com/evewatch/killfeed/internal/esi"
	"github.com/evewatch/killfeed/internal/feed"
	"github.com/evewatch/killfeed/internal/ingest"
	"github.com/evewatch/killfeed/internal/logging"
	"github.com/evewatch/killfeed/internal/notify"
	"github.com/evewatch/killfeed/internal/queue"
	"github.com/evewatch/killfeed/internal/retention"
	"github.com/evewatch/killfeed/internal/store"
	"github.com/evewatch/killfeed/internal/supervisor"
	"github.com/evewatch/killfeed/internal/supervisor/services"
	"github.com/evewatch/killfeed/internal/worker"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("killfeedd exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	log := logging.With().Str("component", "main").Logger()
	log.Info().Str("version", version).Str("store", cfg.Store.Path).
		Int("profiles", len(cfg.EnabledProfiles())).Msg("killfeedd starting")

	db, err := store.Open(store.Options{
		Path:         cfg.Store.Path,
		BusyTimeout:  cfg.Store.BusyTimeout,
		ReadPoolSize: cfg.Store.ReadPoolSize,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("store close failed")
		}
	}()

	// Ingest path: feed -> queue -> drain -> store.
	q := queue.New(cfg.Queue.Capacity)
	drainer := ingest.NewDrainer(q, db, ingest.Config{
		BatchSize:   cfg.Queue.DrainBatchSize,
		WaitTimeout: cfg.Queue.DrainWaitTimeout,
	})

	// Enrichment path, shared by all workers.
	coord := enrich.NewCoordinator(db, enrich.Config{
		MaxAttempts: cfg.Enrichment.MaxAttempts,
	})
	client := enrich.NewProtectedClient(
		esi.NewClient(cfg.Enrichment.BaseURL, cfg.Enrichment.RequestTimeout),
		enrich.ClientConfig{
			RequestsPerSecond: cfg.Enrichment.RequestsPerSecond,
			FailureThreshold:  cfg.Enrichment.BreakerFailureThreshold,
			OpenTimeout:       cfg.Enrichment.BreakerOpenTimeout,
		},
	)

	// Delivery layer: one worker per enabled profile, each with its own
	// webhook capability set.
	factory := func(profile config.ProfileConfig) *worker.Worker {
		caps := notify.NewWebhook(profile, cfg.Enrichment.RequestTimeout)
		return worker.New(profile, cfg.Worker, db, coord, client, caps)
	}
	workers := worker.NewSupervisor(cfg.Profiles, cfg.Worker, coord, factory)

	sweeper := retention.NewSweeper(db, cfg.Retention, cfg.Enrichment.ClaimStaleAge, cfg.EnabledProfiles())

	// Admin surface.
	handler := api.NewHandler(db, q, workers, sweeper, version)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(handler, cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Supervision tree.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	})
	if cfg.Feed.Enabled {
		tree.AddDataService(services.NewLifecycleService("feed-poller", feed.NewPoller(cfg.Feed, q)))
	}
	tree.AddDataService(services.NewLifecycleService("queue-drain", drainer))
	tree.AddDataService(services.NewLifecycleService("retention-sweeper", sweeper))
	tree.AddDeliveryService(services.NewLifecycleService("worker-supervisor", workers))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, cfg.Worker.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := tree.ServeBackground(ctx)
	log.Info().Str("addr", cfg.Server.Addr).Msg("killfeedd running")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		// Wait for the tree to wind down; report stragglers.
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("supervision tree terminated with error")
		}
		if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
			for _, svc := range report {
				log.Warn().Str("service", svc.Name).Msg("service did not stop in time")
			}
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("supervision tree: %w", err)
		}
	}

	log.Info().Msg("killfeedd stopped")
	return nil
}
