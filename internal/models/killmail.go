// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package models defines the immutable value types shared across the
// killmail pipeline: raw killmail records, enrichment details, fetch claims,
// worker checkpoints, and aggregate statistics.
//
// These types carry no behavior beyond trivial accessors. All durable state
// is owned by the store; components exchange copies of these values and never
// share mutable in-memory structures.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Killmail is one ingested combat event as received from the feed.
//
// A killmail is created once on ingest (idempotent insert keyed by KillID)
// and is immutable thereafter. The denormalized victim fields exist so that
// delivery workers can filter by participant without joining the enrichment
// payload.
type Killmail struct {
	// KillID is the unique killmail identifier assigned by the feed.
	KillID int64 `json:"kill_id"`

	// KillTime is when the kill occurred (not when it was ingested).
	KillTime time.Time `json:"kill_time"`

	// SolarSystemID is the location of the kill.
	SolarSystemID int64 `json:"solar_system_id"`

	// Hash is the dedup hash from the source feed, required for the
	// enrichment fetch.
	Hash string `json:"zkb_hash"`

	// TotalValue is the ISK value of the destroyed ship and cargo.
	TotalValue float64 `json:"total_value"`

	// Points is the feed's difficulty score for the kill.
	Points int `json:"points"`

	// NPC is true when every attacker was an NPC.
	NPC bool `json:"npc"`

	// Solo is true when exactly one player attacker was involved.
	Solo bool `json:"solo"`

	// Awox is true for friendly-fire kills.
	Awox bool `json:"awox"`

	// IngestedAt is when this record entered the store.
	IngestedAt time.Time `json:"ingested_at"`

	// Denormalized victim identifiers for fast interest filtering.
	VictimCharacterID   int64 `json:"victim_character_id"`
	VictimCorporationID int64 `json:"victim_corporation_id"`
	VictimAllianceID    int64 `json:"victim_alliance_id"`
	VictimShipTypeID    int64 `json:"victim_ship_type_id"`
}

// Age returns how long ago the killmail was ingested, relative to now.
func (k *Killmail) Age(now time.Time) time.Duration {
	return now.Sub(k.IngestedAt)
}

// FetchStatus is the enrichment lifecycle state of a killmail.
type FetchStatus string

const (
	// FetchPending means no successful enrichment fetch has happened yet.
	FetchPending FetchStatus = "pending"

	// FetchSuccess means the enrichment payload is stored.
	FetchSuccess FetchStatus = "success"

	// FetchUnfetchable is terminal: the attempt budget is exhausted and no
	// further claims will be made for this killmail.
	FetchUnfetchable FetchStatus = "unfetchable"
)

// KillmailDetail is the enrichment record, one-to-one with a Killmail.
//
// Created or updated only by the enrichment coordinator on behalf of the
// worker that won the fetch claim; never created speculatively.
type KillmailDetail struct {
	KillID    int64       `json:"kill_id"`
	Status    FetchStatus `json:"fetch_status"`
	Attempts  int         `json:"fetch_attempts"`
	FetchedAt time.Time   `json:"fetched_at"`

	// Payload is the raw enrichment document (victim and attacker detail)
	// as returned by the enrichment client. Stored verbatim.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FetchClaim is an ephemeral, store-backed reservation granting one worker
// the exclusive right to fetch enrichment data for a killmail.
//
// At most one live claim exists per kill id, enforced by the primary key at
// insert time. Abandoned claims are swept by the retention task.
type FetchClaim struct {
	KillID    int64     `json:"kill_id"`
	ClaimedBy string    `json:"claimed_by"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// FetchAttempts counts failed enrichment attempts for a killmail.
// Deleted on success or when the killmail itself is deleted.
type FetchAttempts struct {
	KillID        int64     `json:"kill_id"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// Checkpoint is the sole crash-recovery state for a delivery worker.
//
// LastKillTime is the high-water mark of the last successfully processed
// killmail; on restart a worker resumes from LastKillTime minus a small
// overlap window.
type Checkpoint struct {
	Profile             string    `json:"profile"`
	LastKillTime        time.Time `json:"last_kill_time"`
	LastPollAt          time.Time `json:"last_poll_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// DeliveryStatus records how a worker resolved a killmail.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliverySkipped   DeliveryStatus = "skipped"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DedupEntry records that a worker already evaluated a killmail, preventing
// re-delivery across restarts and overlapping poll windows.
type DedupEntry struct {
	Profile     string         `json:"profile"`
	KillID      int64          `json:"kill_id"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	DeliveredAt time.Time      `json:"delivered_at"`
}

// StoreStats is a derived, read-only aggregate computed on demand.
type StoreStats struct {
	Killmails      int64     `json:"killmails"`
	Details        int64     `json:"details"`
	PendingDetails int64     `json:"pending_details"`
	Unfetchable    int64     `json:"unfetchable"`
	Claims         int64     `json:"claims"`
	DedupEntries   int64     `json:"dedup_entries"`
	Checkpoints    int64     `json:"checkpoints"`
	OldestKill     time.Time `json:"oldest_kill"`
	NewestKill     time.Time `json:"newest_kill"`
	FileSizeBytes  int64     `json:"file_size_bytes"`
}
