// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package feed implements the built-in RedisQ poller: a long-poll consumer
// of zKillboard's streaming queue. The poller's only output is queue.Put;
// deployments with their own feed transport can disable it and push into
// the queue directly.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/evewatch/killfeed/internal/config"
	"github.com/evewatch/killfeed/internal/logging"
	"github.com/evewatch/killfeed/internal/models"
	"github.com/evewatch/killfeed/internal/queue"
)

// maxBodyBytes caps one feed response.
const maxBodyBytes = 4 << 20

// envelope is the RedisQ wire format. Package is null when the long poll
// timed out with nothing to deliver.
type envelope struct {
	Package *struct {
		KillID   int64 `json:"killID"`
		Killmail struct {
			KillmailTime  time.Time `json:"killmail_time"`
			SolarSystemID int64     `json:"solar_system_id"`
			Victim        struct {
				CharacterID   int64 `json:"character_id"`
				CorporationID int64 `json:"corporation_id"`
				AllianceID    int64 `json:"alliance_id"`
				ShipTypeID    int64 `json:"ship_type_id"`
			} `json:"victim"`
		} `json:"killmail"`
		ZKB struct {
			Hash       string  `json:"hash"`
			TotalValue float64 `json:"totalValue"`
			Points     int     `json:"points"`
			NPC        bool    `json:"npc"`
			Solo       bool    `json:"solo"`
			Awox       bool    `json:"awox"`
		} `json:"zkb"`
	} `json:"package"`
}

// Poller long-polls the feed and pushes each killmail into the ingest
// queue.
type Poller struct {
	cfg  config.FeedConfig
	q    *queue.Queue
	http *http.Client
	log  zerolog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewPoller creates the feed poller.
func NewPoller(cfg config.FeedConfig, q *queue.Queue) *Poller {
	if cfg.TTW <= 0 {
		cfg.TTW = 10
	}
	return &Poller{
		cfg: cfg,
		q:   q,
		// The client timeout must exceed the server-side long-poll wait.
		http: &http.Client{Timeout: time.Duration(cfg.TTW+20) * time.Second},
		log:  logging.With().Str("component", "feed").Logger(),
	}
}

// Start launches the poll loop goroutine.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.run(runCtx)
	return nil
}

// Stop stops the loop and waits for it.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// IsRunning reports whether the loop is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	p.log.Info().Str("url", p.cfg.URL).Str("queue_id", p.cfg.QueueID).Msg("feed poller started")

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			p.log.Info().Msg("feed poller stopped")
			return
		}

		km, err := p.pollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.log.Info().Msg("feed poller stopped")
				return
			}
			p.log.Warn().Err(err).Dur("backoff", backoff).Msg("feed poll failed")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
			continue
		}
		backoff = time.Second

		if km == nil {
			// Long poll elapsed with no kill; poll again immediately.
			continue
		}
		p.q.Put(km)
	}
}

// pollOnce issues one long poll. A nil killmail with nil error means the
// server had nothing to deliver.
func (p *Poller) pollOnce(ctx context.Context) (*models.Killmail, error) {
	u := fmt.Sprintf("%s?queueID=%s&ttw=%d", p.cfg.URL, url.QueryEscape(p.cfg.QueueID), p.cfg.TTW)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll feed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read feed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll feed: status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode feed envelope: %w", err)
	}
	if env.Package == nil {
		return nil, nil
	}

	pkg := env.Package
	if pkg.KillID == 0 || pkg.ZKB.Hash == "" {
		return nil, fmt.Errorf("feed envelope missing kill id or hash")
	}

	return &models.Killmail{
		KillID:              pkg.KillID,
		KillTime:            pkg.Killmail.KillmailTime.UTC(),
		SolarSystemID:       pkg.Killmail.SolarSystemID,
		Hash:                pkg.ZKB.Hash,
		TotalValue:          pkg.ZKB.TotalValue,
		Points:              pkg.ZKB.Points,
		NPC:                 pkg.ZKB.NPC,
		Solo:                pkg.ZKB.Solo,
		Awox:                pkg.ZKB.Awox,
		IngestedAt:          time.Now().UTC(),
		VictimCharacterID:   pkg.Killmail.Victim.CharacterID,
		VictimCorporationID: pkg.Killmail.Victim.CorporationID,
		VictimAllianceID:    pkg.Killmail.Victim.AllianceID,
		VictimShipTypeID:    pkg.Killmail.Victim.ShipTypeID,
	}, nil
}

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
