// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler(called *bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}
}

func TestAuthenticateNoneModeBypasses(t *testing.T) {
	m := NewMiddleware(nil, "none", "")

	var called bool
	rec := httptest.NewRecorder()
	m.Authenticate(okHandler(&called))(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !called || rec.Code != http.StatusOK {
		t.Errorf("called = %v, status = %d", called, rec.Code)
	}
}

func TestAuthenticateRequiresToken(t *testing.T) {
	jwtManager, err := NewJWTManager(testSecurityConfig())
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	m := NewMiddleware(jwtManager, "jwt", "")

	var called bool
	rec := httptest.NewRecorder()
	m.Authenticate(okHandler(&called))(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if called || rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: called = %v, status = %d", called, rec.Code)
	}

	token, err := jwtManager.GenerateToken("admin", "admin")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	m.Authenticate(okHandler(&called))(rec, req)
	if !called || rec.Code != http.StatusOK {
		t.Errorf("valid token: called = %v, status = %d", called, rec.Code)
	}
}

func TestAuthenticateAcceptsCookie(t *testing.T) {
	jwtManager, err := NewJWTManager(testSecurityConfig())
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	m := NewMiddleware(jwtManager, "jwt", "")

	token, err := jwtManager.GenerateToken("admin", "admin")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	var called bool
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: token})
	rec := httptest.NewRecorder()
	m.Authenticate(okHandler(&called))(rec, req)
	if !called || rec.Code != http.StatusOK {
		t.Errorf("cookie token: called = %v, status = %d", called, rec.Code)
	}
}

func TestRequireAdminRejectsNonAdminRole(t *testing.T) {
	jwtManager, err := NewJWTManager(testSecurityConfig())
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	m := NewMiddleware(jwtManager, "jwt", "")

	token, err := jwtManager.GenerateToken("viewer", "viewer")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	var called bool
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	m.RequireAdmin(okHandler(&called))(rec, req)
	if called || rec.Code != http.StatusForbidden {
		t.Errorf("called = %v, status = %d, want 403", called, rec.Code)
	}
}

func TestRequireTriggerSecret(t *testing.T) {
	m := NewMiddleware(nil, "none", "shared-trigger-secret")

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token nope", http.StatusUnauthorized},
		{"wrong", "Bearer wrong-secret", http.StatusUnauthorized},
		{"correct", "Bearer shared-trigger-secret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var called bool
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			m.RequireTriggerSecret(okHandler(&called))(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
			if called != (tc.want == http.StatusOK) {
				t.Errorf("called = %v", called)
			}
		})
	}
}

func TestRequireTriggerSecretDisabledWithoutSecret(t *testing.T) {
	m := NewMiddleware(nil, "none", "")

	var called bool
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	m.RequireTriggerSecret(okHandler(&called))(rec, req)
	if called || rec.Code != http.StatusForbidden {
		t.Errorf("called = %v, status = %d, want 403", called, rec.Code)
	}
}

func TestLoginLimiterPerIP(t *testing.T) {
	l := NewLoginLimiter(2, time.Minute)

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst attempts refused")
	}
	if l.Allow("10.0.0.1") {
		t.Error("third attempt within the window allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("separate IP throttled by another IP's attempts")
	}
}
