// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/caris-health/caris-backup/internal/auth"
	"github.com/caris-health/caris-backup/internal/backup"
	"github.com/caris-health/caris-backup/internal/config"
)

func jwtTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            8780,
			RateLimit:       0,
			RateLimitWindow: time.Minute,
		},
		Security: config.SecurityConfig{
			AuthMode:       "jwt",
			JWTSecret:      "unit-test-secret-with-enough-length",
			SessionTimeout: time.Hour,
			AdminUsername:  "admin",
			AdminPassword:  "senha-muito-segura",
		},
		Backup: config.BackupConfig{
			Enabled: true,
			Dir:     os.TempDir(),
		},
	}
}

func newJWTRouter(t *testing.T, svc *stubService) http.Handler {
	t.Helper()
	cfg := jwtTestConfig()
	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	mw := auth.NewMiddleware(jwtManager, cfg.Security.AuthMode, cfg.Security.TriggerSecret)
	return NewServer(cfg, svc, jwtManager, mw, stubPinger{}).Router()
}

func loginToken(t *testing.T, h http.Handler, username, password string) string {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/api/v1/auth/login",
		LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("login response undecodable: %v", err)
	}
	if resp.Data.Token == "" {
		t.Fatal("login returned no token")
	}
	return resp.Data.Token
}

func TestLoginAndAuthenticatedAccess(t *testing.T) {
	svc := &stubService{stats: &backup.Stats{}}
	h := newJWTRouter(t, svc)

	// Without a token the protected endpoint refuses.
	rec := doRequest(t, h, http.MethodGet, "/api/v1/backup/stats", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	token := loginToken(t, h, "admin", "senha-muito-segura")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/backup/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := &stubService{}
	h := newJWTRouter(t, svc)

	for _, creds := range []LoginRequest{
		{Username: "admin", Password: "wrong"},
		{Username: "intruder", Password: "senha-muito-segura"},
	} {
		rec := doRequest(t, h, http.MethodPost, "/api/v1/auth/login", creds)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", creds.Username, rec.Code)
		}
	}
}

func TestLoginRateLimited(t *testing.T) {
	svc := &stubService{}
	h := newJWTRouter(t, svc)

	var last int
	for i := 0; i < 6; i++ {
		rec := doRequest(t, h, http.MethodPost, "/api/v1/auth/login",
			LoginRequest{Username: "admin", Password: "wrong"})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("sixth attempt status = %d, want 429", last)
	}
}

func TestLoginDisabledWithoutJWT(t *testing.T) {
	svc := &stubService{}
	h := newTestRouter(t, svc)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/auth/login",
		LoginRequest{Username: "admin", Password: "senha-muito-segura"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestAdminEndpointsRejectBadToken(t *testing.T) {
	svc := &stubService{}
	h := newJWTRouter(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/backup/restore", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
