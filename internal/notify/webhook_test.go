// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/evewatch/killfeed/internal/config"
	"github.com/evewatch/killfeed/internal/models"
	"github.com/evewatch/killfeed/internal/worker"
)

func testKill(id int64) *models.Killmail {
	return &models.Killmail{
		KillID:        id,
		KillTime:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Hash:          "hash",
		SolarSystemID: 30000142,
		TotalValue:    250_000_000,
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		profile    config.ProfileConfig
		mutate     func(*models.Killmail)
		interested bool
		reason     string
		enrich     bool
	}{
		{
			name:       "unrestricted profile matches everything",
			profile:    config.ProfileConfig{Name: "all"},
			interested: true,
			reason:     "match",
		},
		{
			name:       "system filter match",
			profile:    config.ProfileConfig{Name: "jita", SystemIDs: []int64{30000142}},
			interested: true,
			reason:     "match",
		},
		{
			name:    "system filter miss",
			profile: config.ProfileConfig{Name: "delve", SystemIDs: []int64{30004759}},
			reason:  "system",
		},
		{
			name:    "below min value",
			profile: config.ProfileConfig{Name: "whales", MinValue: 1_000_000_000},
			reason:  "min_value",
		},
		{
			name:    "npc excluded by default",
			profile: config.ProfileConfig{Name: "players"},
			mutate:  func(km *models.Killmail) { km.NPC = true },
			reason:  "npc",
		},
		{
			name:       "npc included when asked",
			profile:    config.ProfileConfig{Name: "everything", IncludeNPC: true},
			mutate:     func(km *models.Killmail) { km.NPC = true },
			interested: true,
			reason:     "match",
		},
		{
			name:       "enrich flag propagated",
			profile:    config.ProfileConfig{Name: "rich", Enrich: true},
			interested: true,
			reason:     "match",
			enrich:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km := testKill(1)
			if tt.mutate != nil {
				tt.mutate(km)
			}
			w := NewWebhook(tt.profile, time.Second)
			got, err := w.Evaluate(context.Background(), km)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got.Interested != tt.interested {
				t.Errorf("interested = %v, want %v", got.Interested, tt.interested)
			}
			if got.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.reason)
			}
			if got.RequiresEnrichment != tt.enrich {
				t.Errorf("requires enrichment = %v, want %v", got.RequiresEnrichment, tt.enrich)
			}
		})
	}
}

func TestFormatSingle(t *testing.T) {
	w := NewWebhook(config.ProfileConfig{Name: "jita"}, time.Second)
	km := testKill(7)
	detail := &models.KillmailDetail{Payload: json.RawMessage(`{"victim":{"ship_type_id":587}}`)}

	payload, err := w.Format(context.Background(), []*models.Killmail{km}, detail, worker.TriggerResult{Reason: "match"})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if len(payload.KillIDs) != 1 || payload.KillIDs[0] != 7 {
		t.Errorf("kill ids = %v, want [7]", payload.KillIDs)
	}

	var doc announcement
	if err := json.Unmarshal(payload.Body, &doc); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if doc.Profile != "jita" || doc.Kill == nil || doc.Kill.KillID != 7 {
		t.Errorf("announcement = %+v", doc)
	}
	if string(doc.Detail) != `{"victim":{"ship_type_id":587}}` {
		t.Errorf("detail = %s", doc.Detail)
	}
	if doc.Reason != "match" {
		t.Errorf("reason = %q", doc.Reason)
	}
}

func TestFormatRollup(t *testing.T) {
	w := NewWebhook(config.ProfileConfig{Name: "jita"}, time.Second)
	kms := []*models.Killmail{testKill(1), testKill(2), testKill(3)}

	payload, err := w.Format(context.Background(), kms, nil, worker.TriggerResult{})
	if err != nil {
		t.Fatalf("format: %v", err)
	}

	var doc rollupAnnouncement
	if err := json.Unmarshal(payload.Body, &doc); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if !doc.Rollup || doc.Count != 3 {
		t.Errorf("rollup doc = %+v", doc)
	}
	if want := 3 * 250_000_000.0; doc.TotalValue != want {
		t.Errorf("total value = %f, want %f", doc.TotalValue, want)
	}
	if len(doc.KillIDs) != 3 {
		t.Errorf("kill ids = %v", doc.KillIDs)
	}
}

func TestFormatEmptyBatch(t *testing.T) {
	w := NewWebhook(config.ProfileConfig{Name: "jita"}, time.Second)
	if _, err := w.Format(context.Background(), nil, nil, worker.TriggerResult{}); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestDeliver(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		var gotBody []byte
		var gotContentType string
		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			gotContentType = r.Header.Get("Content-Type")
			gotBody = make([]byte, r.ContentLength)
			r.Body.Read(gotBody) //nolint:errcheck
			rw.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		w := NewWebhook(config.ProfileConfig{Name: "jita", WebhookURL: srv.URL}, time.Second)
		res, err := w.Deliver(context.Background(), &worker.Payload{KillIDs: []int64{1}, Body: []byte(`{"x":1}`)})
		if err != nil {
			t.Fatalf("deliver: %v", err)
		}
		if res.Kind != worker.DeliveredOK {
			t.Errorf("kind = %v, want DeliveredOK", res.Kind)
		}
		if gotContentType != "application/json" {
			t.Errorf("content type = %q", gotContentType)
		}
		if string(gotBody) != `{"x":1}` {
			t.Errorf("body = %s", gotBody)
		}
	})

	t.Run("rate limited with retry hint", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Retry-After", "42")
			rw.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		w := NewWebhook(config.ProfileConfig{Name: "jita", WebhookURL: srv.URL}, time.Second)
		res, err := w.Deliver(context.Background(), &worker.Payload{Body: []byte(`{}`)})
		if err != nil {
			t.Fatalf("deliver: %v", err)
		}
		if res.Kind != worker.DeliveryRateLimited {
			t.Errorf("kind = %v, want rate limited", res.Kind)
		}
		if res.RetryAfter != 42*time.Second {
			t.Errorf("retry after = %v, want 42s", res.RetryAfter)
		}
	})

	t.Run("server error maps to failed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		w := NewWebhook(config.ProfileConfig{Name: "jita", WebhookURL: srv.URL}, time.Second)
		res, err := w.Deliver(context.Background(), &worker.Payload{Body: []byte(`{}`)})
		if err != nil {
			t.Fatalf("deliver: %v", err)
		}
		if res.Kind != worker.DeliveryFailed {
			t.Errorf("kind = %v, want failed", res.Kind)
		}
	})

	t.Run("transport error returned as error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close() // connection refused

		w := NewWebhook(config.ProfileConfig{Name: "jita", WebhookURL: srv.URL}, time.Second)
		if _, err := w.Deliver(context.Background(), &worker.Payload{Body: []byte(`{}`)}); err == nil {
			t.Fatal("expected transport error")
		}
	})
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", 0},
		{"10", 10 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"garbage", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.raw != "" {
			h.Set("Retry-After", tt.raw)
		}
		if got := retryAfter(h); got != tt.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
