// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns defaults patched to pass validation with jwt auth.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.JWTSecret = "unit-test-secret-with-enough-length"
	cfg.Security.AdminUsername = "admin"
	cfg.Security.AdminPassword = "senha-muito-segura"
	return cfg
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Server.Port != 8780 {
		t.Errorf("port = %d, want 8780", cfg.Server.Port)
	}
	if cfg.Backup.Compression.Algorithm != "gzip" || cfg.Backup.Compression.Level != 6 {
		t.Errorf("compression = %s/%d", cfg.Backup.Compression.Algorithm, cfg.Backup.Compression.Level)
	}
	if cfg.Backup.Schedule.FullSpec != "0 3 * * *" {
		t.Errorf("full spec = %q", cfg.Backup.Schedule.FullSpec)
	}
	if cfg.Backup.Retention.Enabled {
		t.Error("retention enabled by default")
	}
	if cfg.Security.AuthMode != "jwt" {
		t.Errorf("auth mode = %q", cfg.Security.AuthMode)
	}
}

func TestValidateAcceptsJWTSetup(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"short jwt secret", func(c *Config) { c.Security.JWTSecret = "short" }, "jwt_secret"},
		{"missing admin creds", func(c *Config) { c.Security.AdminUsername = "" }, "admin_username"},
		{"bad auth mode", func(c *Config) { c.Security.AuthMode = "ldap" }, "auth_mode"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"relative backup dir", func(c *Config) { c.Backup.Dir = "backups" }, "absolute"},
		{"bad gzip level", func(c *Config) { c.Backup.Compression.Level = 12 }, "compression.level"},
		{"bad zstd level", func(c *Config) {
			c.Backup.Compression.Algorithm = "zstd"
			c.Backup.Compression.Level = 9
		}, "compression.level"},
		{"unknown algorithm", func(c *Config) { c.Backup.Compression.Algorithm = "lz4" }, "compression.algorithm"},
		{"short passphrase", func(c *Config) {
			c.Backup.Encryption.Enabled = true
			c.Backup.Encryption.Passphrase = "short"
		}, "passphrase"},
		{"retention without bounds", func(c *Config) {
			c.Backup.Retention.Enabled = true
			c.Backup.Retention.MaxCount = 0
			c.Backup.Retention.MaxAgeDays = 0
		}, "retention"},
		{"zero trigger rate", func(c *Config) { c.Backup.TriggerRatePerHour = 0 }, "trigger_rate_per_hour"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidateNoneModeNeedsNoCredentials(t *testing.T) {
	cfg := defaultConfig()
	cfg.Security.AuthMode = "none"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateSkipsBackupChecksWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Backup.Enabled = false
	cfg.Backup.Dir = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateDisablesNotificationsWithoutWebhook(t *testing.T) {
	cfg := validConfig()
	cfg.Notifications.OnFailure = true
	cfg.Notifications.WebhookURL = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Notifications.OnFailure || cfg.Notifications.OnSuccess {
		t.Error("notifications stayed enabled without a webhook URL")
	}
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9900
security:
  auth_mode: none
backup:
  dir: /var/lib/caris-backup
`
	if err := os.WriteFile(configPath, []byte(yaml), 0o640); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, configPath)
	t.Setenv("SERVER_PORT", "9901")
	t.Setenv("FILES_ROOTS", "/data/uploads, /data/exports")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Environment beats the file; the file beats the defaults.
	if cfg.Server.Port != 9901 {
		t.Errorf("port = %d, want env override 9901", cfg.Server.Port)
	}
	if cfg.Security.AuthMode != "none" {
		t.Errorf("auth mode = %q, want file value none", cfg.Security.AuthMode)
	}
	if cfg.Backup.Dir != "/var/lib/caris-backup" {
		t.Errorf("backup dir = %q", cfg.Backup.Dir)
	}
	if cfg.Backup.Compression.Algorithm != "gzip" {
		t.Errorf("compression = %q, want default gzip", cfg.Backup.Compression.Algorithm)
	}

	roots := cfg.Files.Roots
	if len(roots) != 2 || roots[0] != "/data/uploads" || roots[1] != "/data/exports" {
		t.Errorf("roots = %v", roots)
	}
}

func TestLoadIgnoresUnmappedEnvVars(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("security:\n  auth_mode: none\n"), 0o640); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, configPath)
	t.Setenv("PATH_UNRELATED", "noise")
	t.Setenv("SESSION_TIMEOUT", "2h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.SessionTimeout != 2*time.Hour {
		t.Errorf("session timeout = %s, want 2h", cfg.Security.SessionTimeout)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: -1\n"), 0o640); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, configPath)
	if _, err := Load(); err == nil {
		t.Error("Load accepted an invalid configuration")
	}
}
