// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/caris-health/caris-backup/internal/logging"
)

type contextKey string

// ClaimsContextKey locates the authenticated claims in a request context.
const ClaimsContextKey contextKey = "claims"

// Middleware enforces authentication on API routes.
type Middleware struct {
	jwtManager    *JWTManager
	authMode      string
	triggerSecret string
	loginLimiter  *LoginLimiter
}

// NewMiddleware wires the authentication middleware. authMode "none"
// disables session checks entirely; the trigger secret stays enforced.
func NewMiddleware(jwtManager *JWTManager, authMode, triggerSecret string) *Middleware {
	return &Middleware{
		jwtManager:    jwtManager,
		authMode:      authMode,
		triggerSecret: triggerSecret,
		loginLimiter:  NewLoginLimiter(5, time.Minute),
	}
}

// Authenticate requires a valid session token on the wrapped handler.
func (m *Middleware) Authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.authMode == "none" {
			next(w, r)
			return
		}

		token, err := m.extractToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		claims, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			logging.Debug().Err(err).Msg("Token validation failed")
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next(w, r.WithContext(ctx))
	}
}

// RequireAdmin requires an authenticated admin session. Restoration and
// artifact download are admin-only.
func (m *Middleware) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return m.Authenticate(func(w http.ResponseWriter, r *http.Request) {
		if m.authMode == "none" {
			next(w, r)
			return
		}

		claims, ok := r.Context().Value(ClaimsContextKey).(*Claims)
		if !ok {
			http.Error(w, "Forbidden: invalid claims", http.StatusForbidden)
			return
		}
		if claims.Role != "admin" {
			http.Error(w, "Forbidden: insufficient permissions", http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

// RequireTriggerSecret authorizes the backup trigger endpoint with the
// shared secret carried as a bearer token. Comparison is constant time.
func (m *Middleware) RequireTriggerSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.triggerSecret == "" {
			http.Error(w, "Forbidden: trigger endpoint disabled", http.StatusForbidden)
			return
		}

		token, err := m.extractToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(m.triggerSecret)) != 1 {
			logging.Warn().Str("remote", r.RemoteAddr).Msg("Trigger request with bad secret")
			http.Error(w, "Unauthorized: invalid trigger secret", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// AllowLogin rate limits credential checks per client IP.
func (m *Middleware) AllowLogin(r *http.Request) bool {
	return m.loginLimiter.Allow(clientIP(r))
}

func (m *Middleware) extractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		cookie, err := r.Cookie("token")
		if err != nil {
			return "", fmt.Errorf("unauthorized: missing token")
		}
		return cookie.Value, nil
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("unauthorized: invalid authorization header")
	}
	return parts[1], nil
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

// LoginLimiter throttles login attempts per IP, with periodic expiry of
// idle entries.
type LoginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*loginEntry
	rate     rate.Limit
	burst    int
}

type loginEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewLoginLimiter allows burst attempts per window per IP.
func NewLoginLimiter(burst int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		limiters: make(map[string]*loginEntry),
		rate:     rate.Every(window),
		burst:    burst,
	}
}

// Allow reports whether another attempt from ip may proceed.
func (l *LoginLimiter) Allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &loginEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	l.expireLocked()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// expireLocked drops entries idle for over an hour. Called with l.mu held.
func (l *LoginLimiter) expireLocked() {
	if len(l.limiters) < 1024 {
		return
	}
	threshold := time.Now().Add(-time.Hour)
	for ip, entry := range l.limiters {
		if entry.lastAccess.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}
