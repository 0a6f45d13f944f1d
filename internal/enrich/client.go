// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package enrich

import (
	"context"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/evewatch/killfeed/internal/models"
)

// Client fetches enrichment detail for a killmail from the external
// enrichment service. Implementations live outside this subsystem; only the
// identifying key (kill id + feed hash) crosses the boundary.
type Client interface {
	FetchDetail(ctx context.Context, killID int64, hash string) (*models.KillmailDetail, error)
}

// ClientConfig tunes the protection around the raw client.
type ClientConfig struct {
	// Name identifies the breaker in logs and state queries.
	Name string

	// RequestsPerSecond throttles outbound calls. Zero disables the
	// limiter.
	RequestsPerSecond float64

	// FailureThreshold trips the breaker after this many consecutive
	// failures.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before half-open
	// probing.
	OpenTimeout time.Duration
}

// ProtectedClient wraps a raw enrichment client with a circuit breaker and a
// rate limiter. Every worker shares one instance so the external service
// sees one coherent request budget from this process.
type ProtectedClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker[*models.KillmailDetail]
	limiter *rate.Limiter
}

// NewProtectedClient wraps inner with breaker and limiter protection.
func NewProtectedClient(inner Client, cfg ClientConfig) *ProtectedClient {
	if cfg.Name == "" {
		cfg.Name = "enrichment"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &ProtectedClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[*models.KillmailDetail](settings),
		limiter: limiter,
	}
}

// FetchDetail implements Client. The limiter wait respects ctx; a tripped
// breaker fails fast without touching the external service.
func (p *ProtectedClient) FetchDetail(ctx context.Context, killID int64, hash string) (*models.KillmailDetail, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	return p.breaker.Execute(func() (*models.KillmailDetail, error) {
		return p.inner.FetchDetail(ctx, killID, hash)
	})
}

// BreakerState returns the breaker state for the admin surface.
func (p *ProtectedClient) BreakerState() string {
	return p.breaker.State().String()
}
