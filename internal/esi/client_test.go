// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package esi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/evewatch/killfeed/internal/models"
)

func TestFetchDetail(t *testing.T) {
	const body = `{"killmail_id":12345,"victim":{"ship_type_id":587}}`
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(body)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	detail, err := c.FetchDetail(context.Background(), 12345, "abcdef")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if gotPath != "/killmails/12345/abcdef/" {
		t.Errorf("path = %q", gotPath)
	}
	if detail.KillID != 12345 {
		t.Errorf("kill id = %d", detail.KillID)
	}
	if detail.Status != models.FetchSuccess {
		t.Errorf("status = %q", detail.Status)
	}
	if string(detail.Payload) != body {
		t.Errorf("payload = %s", detail.Payload)
	}
	if detail.FetchedAt.IsZero() {
		t.Error("fetched at not set")
	}
}

func TestFetchDetailErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "not found",
			handler: func(rw http.ResponseWriter, r *http.Request) {
				http.Error(rw, "not found", http.StatusNotFound)
			},
		},
		{
			name: "server error",
			handler: func(rw http.ResponseWriter, r *http.Request) {
				http.Error(rw, "down", http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(rw http.ResponseWriter, r *http.Request) {
				rw.Write([]byte("<html>not json</html>")) //nolint:errcheck
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewClient(srv.URL, time.Second)
			if _, err := c.FetchDetail(context.Background(), 1, "h"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFetchDetailTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.FetchDetail(context.Background(), 1, "h"); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("", 0)
	if c.baseURL != defaultBaseURL {
		t.Errorf("base url = %q, want default", c.baseURL)
	}
	if c.http.Timeout <= 0 {
		t.Errorf("timeout = %v, want positive default", c.http.Timeout)
	}
}
