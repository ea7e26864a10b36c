// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/caris-health/caris-backup/internal/logging"
)

// loginResponse carries a freshly issued session token.
type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
}

// handleLogin exchanges the configured admin credentials for a session
// token. Attempts are rate limited per client IP; the failure message
// never reveals which credential was wrong.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if s.jwt == nil {
		rw.Forbidden("Authentication is disabled")
		return
	}
	if !s.authMW.AllowLogin(r) {
		rw.TooManyRequests("Too many login attempts, try again later")
		return
	}

	var req LoginRequest
	if err := decodeRequest(r, &req); err != nil {
		rw.ValidationError(err.Error(), validationDetails(err))
		return
	}

	sec := s.cfg.Security
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(sec.AdminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(sec.AdminPassword)) == 1
	if !userOK || !passOK {
		logging.Warn().Str("remote", r.RemoteAddr).Msg("Failed login attempt")
		rw.Unauthorized("Invalid credentials")
		return
	}

	token, err := s.jwt.GenerateToken(req.Username, "admin")
	if err != nil {
		logging.Error().Err(err).Msg("Failed to issue session token")
		rw.InternalError("Failed to issue token")
		return
	}

	rw.Success(loginResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(s.jwt.SessionTimeout()),
		Username:  req.Username,
		Role:      "admin",
	})
}
