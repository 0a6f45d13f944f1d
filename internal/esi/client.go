// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

// Package esi implements the enrichment client against EVE's public ESI
// API. A killmail's (id, hash) pair from the feed is enough to fetch the
// full killmail document without authentication.
package esi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/evewatch/killfeed/internal/models"
)

const defaultBaseURL = "https://esi.evetech.net/latest"

// maxBodyBytes caps an enrichment response. Real killmail documents are a
// few hundred KB at the extreme (large fleet fights).
const maxBodyBytes = 4 << 20

// Client fetches killmail detail documents. Implements enrich.Client.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an ESI client. Zero values get production defaults.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchDetail retrieves the killmail document for (killID, hash). The raw
// JSON body is stored verbatim as the detail payload; the pipeline never
// needs to interpret it.
func (c *Client) FetchDetail(ctx context.Context, killID int64, hash string) (*models.KillmailDetail, error) {
	url := fmt.Sprintf("%s/killmails/%d/%s/", c.baseURL, killID, hash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch killmail %d: %w", killID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read killmail %d: %w", killID, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch killmail %d: status %d", killID, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("fetch killmail %d: malformed response body", killID)
	}

	return &models.KillmailDetail{
		KillID:    killID,
		Status:    models.FetchSuccess,
		FetchedAt: time.Now().UTC(),
		Payload:   body,
	}, nil
}
