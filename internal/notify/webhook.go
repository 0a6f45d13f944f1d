// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package notify implements the delivery capability boundary as a JSON
// webhook. Each profile posts its announcements to one configured URL; a
// 429 response with a Retry-After header maps to the worker's rate-limit
// handling.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/evewatch/killfeed/internal/config"
	"github.com/evewatch/killfeed/internal/logging"
	"github.com/evewatch/killfeed/internal/models"
	"github.com/evewatch/killfeed/internal/worker"
)

// Webhook evaluates, formats, and delivers killmail announcements for one
// profile. Implements worker.Capabilities.
type Webhook struct {
	profile config.ProfileConfig
	http    *http.Client
	log     zerolog.Logger
}

// NewWebhook creates the capability set for one profile.
func NewWebhook(profile config.ProfileConfig, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Webhook{
		profile: profile,
		http:    &http.Client{Timeout: timeout},
		log:     logging.With().Str("component", "notify").Str("profile", profile.Name).Logger(),
	}
}

// Evaluate applies the profile's interest filters. The store query already
// filters on the same fields; re-checking here keeps the trigger verdict
// correct even for killmails that arrive through a wider query window.
func (n *Webhook) Evaluate(_ context.Context, km *models.Killmail) (worker.TriggerResult, error) {
	if len(n.profile.SystemIDs) > 0 && !containsID(n.profile.SystemIDs, km.SolarSystemID) {
		return worker.TriggerResult{Reason: "system"}, nil
	}
	if km.TotalValue < n.profile.MinValue {
		return worker.TriggerResult{Reason: "min_value"}, nil
	}
	if km.NPC && !n.profile.IncludeNPC {
		return worker.TriggerResult{Reason: "npc"}, nil
	}
	return worker.TriggerResult{
		Interested:         true,
		RequiresEnrichment: n.profile.Enrich,
		Reason:             "match",
	}, nil
}

// announcement is the webhook document for a single killmail.
type announcement struct {
	Profile     string           `json:"profile"`
	Kill        *models.Killmail `json:"kill"`
	Detail      json.RawMessage  `json:"detail,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	AnnouncedAt time.Time        `json:"announced_at"`
}

// rollupAnnouncement summarizes a buffered batch in one document.
type rollupAnnouncement struct {
	Profile     string    `json:"profile"`
	Rollup      bool      `json:"rollup"`
	Count       int       `json:"count"`
	KillIDs     []int64   `json:"kill_ids"`
	TotalValue  float64   `json:"total_value"`
	AnnouncedAt time.Time `json:"announced_at"`
}

// Format renders the delivery payload: a full announcement for a single
// killmail, a compact summary for a rollup batch.
func (n *Webhook) Format(_ context.Context, kms []*models.Killmail, detail *models.KillmailDetail, trig worker.TriggerResult) (*worker.Payload, error) {
	if len(kms) == 0 {
		return nil, fmt.Errorf("format: empty batch")
	}

	ids := make([]int64, len(kms))
	for i, km := range kms {
		ids[i] = km.KillID
	}

	var (
		body []byte
		err  error
	)
	if len(kms) == 1 {
		doc := announcement{
			Profile:     n.profile.Name,
			Kill:        kms[0],
			Reason:      trig.Reason,
			AnnouncedAt: time.Now().UTC(),
		}
		if detail != nil {
			doc.Detail = detail.Payload
		}
		body, err = json.Marshal(doc)
	} else {
		var total float64
		for _, km := range kms {
			total += km.TotalValue
		}
		body, err = json.Marshal(rollupAnnouncement{
			Profile:     n.profile.Name,
			Rollup:      true,
			Count:       len(kms),
			KillIDs:     ids,
			TotalValue:  total,
			AnnouncedAt: time.Now().UTC(),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}

	return &worker.Payload{
		Profile: n.profile.Name,
		KillIDs: ids,
		Body:    body,
	}, nil
}

// Deliver posts the payload to the profile's webhook. Transport errors are
// returned as errors (transient, the worker backs off and retries); HTTP
// responses map to delivery results.
func (n *Webhook) Deliver(ctx context.Context, payload *worker.Payload) (worker.DeliveryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.profile.WebhookURL, bytes.NewReader(payload.Body))
	if err != nil {
		return worker.DeliveryResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return worker.DeliveryResult{}, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // connection reuse

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return worker.DeliveryResult{Kind: worker.DeliveredOK}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return worker.DeliveryResult{
			Kind:       worker.DeliveryRateLimited,
			RetryAfter: retryAfter(resp.Header),
		}, nil

	default:
		n.log.Warn().Int("status", resp.StatusCode).Ints64("kill_ids", payload.KillIDs).
			Msg("webhook rejected payload")
		return worker.DeliveryResult{Kind: worker.DeliveryFailed}, nil
	}
}

// retryAfter parses the Retry-After header, seconds form only. Zero means
// no usable hint; the worker applies its default.
func retryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
