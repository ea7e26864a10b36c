// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package api

import (
	"context"
	"net/http"
	"os"
	"time"
)

// healthResponse reports component health for orchestration probes.
type healthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
}

// handleLiveness answers as long as the process serves requests.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

// handleReadiness checks the database connection and the backup directory
// before declaring the service ready.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]string{
		"database":   "ok",
		"backup_dir": "ok",
	}
	healthy := true

	if err := s.db.Ping(ctx); err != nil {
		components["database"] = err.Error()
		healthy = false
	}
	if info, err := os.Stat(s.cfg.Backup.Dir); err != nil || !info.IsDir() {
		components["backup_dir"] = "backup directory unavailable"
		healthy = false
	}

	resp := healthResponse{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		Components: components,
	}
	if !healthy {
		resp.Status = "degraded"
		rw.writeJSON(http.StatusServiceUnavailable, APIResponse{Success: false, Data: resp})
		return
	}
	rw.Success(resp)
}
