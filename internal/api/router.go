// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caris-health/caris-backup/internal/middleware"
)

// Router builds the HTTP routing tree.
//
// Health and metrics are unauthenticated so orchestration probes and the
// Prometheus scraper need no credentials. Everything under /api/v1 is
// rate limited per IP; mutation endpoints additionally require an admin
// session, and the trigger endpoint the shared secret.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Prometheus)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(10 * time.Minute))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "X-Checksum-SHA256"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleLiveness)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.Server.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.Server.RateLimit, s.cfg.Server.RateLimitWindow))
		}

		r.Post("/auth/login", s.handleLogin)

		r.Post("/backup/trigger", s.authMW.RequireTriggerSecret(s.handleTrigger))

		r.Post("/backup", s.authMW.RequireAdmin(s.handleCreateBackup))
		r.Get("/backup/stats", s.authMW.Authenticate(s.handleStats))
		r.Post("/backup/verify", s.authMW.Authenticate(s.handleVerify))
		r.Post("/backup/restore", s.authMW.RequireAdmin(s.handleRestore))

		r.Get("/backups", s.authMW.Authenticate(s.handleListBackups))
		r.Get("/backups/{id}", s.authMW.Authenticate(s.handleGetBackup))
		r.Get("/backups/{id}/download", s.authMW.RequireAdmin(s.handleDownload))
	})

	return r
}
