// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package services adapts the pipeline's Start/Stop components to suture's
// Serve lifecycle so the supervisor tree can run and restart them.
package services

import (
	"context"
	"fmt"
)

// StartStopper is the shared lifecycle of the drain loop, the retention
// sweeper, and the worker supervisor.
//
// Satisfied by:
//   - *ingest.Drainer
//   - *retention.Sweeper
//   - *worker.Supervisor
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
}

// LifecycleService wraps a Start/Stop component as a suture.Service:
// Start(ctx), block on the context, Stop() on cancellation. A Start failure
// is returned to suture, which restarts per its backoff policy.
type LifecycleService struct {
	component StartStopper
	name      string
}

// NewLifecycleService wraps component under the given service name.
func NewLifecycleService(name string, component StartStopper) *LifecycleService {
	return &LifecycleService{component: component, name: name}
}

// Serve implements suture.Service.
func (s *LifecycleService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()

	// Stop blocks until the component's goroutines have exited.
	s.component.Stop()

	return ctx.Err()
}

// String implements fmt.Stringer; suture uses it in log messages.
func (s *LifecycleService) String() string {
	return s.name
}
