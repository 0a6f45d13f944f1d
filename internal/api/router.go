// Killfeed - EVE Online Killmail Ingestion and Delivery Pipeline
// Copyright 2026 Evewatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/evewatch/killfeed

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evewatch/killfeed/internal/config"
)

// NewRouter builds the admin HTTP handler tree.
//
// All /api/v1 routes share a per-IP rate limit; /metrics is exempt so a
// scraper on a short interval never competes with human traffic.
func NewRouter(h *Handler, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(h))

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.Limit(
				cfg.RateLimitPerMinute,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
			))
		}

		r.Get("/health", h.Health)
		r.Get("/status", h.Status)
		r.Get("/queue", h.Queue)
		r.Get("/store/stats", h.StoreStats)
		r.Get("/killmails", h.Killmails)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// requestLogger emits one debug line per request. Debug level keeps probe
// traffic out of production logs.
func requestLogger(h *Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			h.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
