// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package worker

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/evewatch/killfeed/internal/models"
)

// TriggerResult is the trigger evaluator's verdict on one killmail.
// "Not interesting" is an expected branch, expressed as a value, never as an
// error.
type TriggerResult struct {
	// Interested is false when the killmail should be skipped.
	Interested bool `json:"interested"`

	// RequiresEnrichment requests the enrichment detail before formatting.
	RequiresEnrichment bool `json:"requires_enrichment"`

	// Reason is a free-form label for logs and the rollup summary.
	Reason string `json:"reason,omitempty"`
}

// Payload is a formatted delivery document, opaque to this subsystem.
type Payload struct {
	Profile string          `json:"profile"`
	KillIDs []int64         `json:"kill_ids"`
	Body    json.RawMessage `json:"body"`
}

// DeliveryKind classifies a delivery attempt.
type DeliveryKind int

const (
	// DeliveredOK: the notifier accepted the payload.
	DeliveredOK DeliveryKind = iota

	// DeliveryRateLimited: the notifier refused and supplied a retry hint;
	// the worker backs off and buffers the killmail for rollup.
	DeliveryRateLimited

	// DeliveryFailed: the notifier failed for another reason.
	DeliveryFailed
)

// DeliveryResult is the notifier's response.
type DeliveryResult struct {
	Kind DeliveryKind

	// RetryAfter is the notifier's backoff hint for DeliveryRateLimited.
	RetryAfter time.Duration
}

// Capabilities is the external capability boundary injected into each
// worker: trigger evaluation, payload formatting, and delivery. Implemented
// by an adapter outside this subsystem (Discord webhook, etc.).
//
// Format receives the batch being announced: a single killmail for a normal
// delivery, or the whole buffered set for a rollup. detail and trig are nil
// /zero for rollups.
type Capabilities interface {
	Evaluate(ctx context.Context, km *models.Killmail) (TriggerResult, error)
	Format(ctx context.Context, kms []*models.Killmail, detail *models.KillmailDetail, trig TriggerResult) (*Payload, error)
	Deliver(ctx context.Context, payload *Payload) (DeliveryResult, error)
}
