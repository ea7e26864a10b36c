// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

// Package config loads and validates the service configuration.
//
// Configuration is layered via Koanf v2 (highest priority wins):
//   - Environment variables (BACKUP_DIR, JWT_SECRET, ...)
//   - Config file (config.yaml)
//   - Built-in defaults
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the root configuration for the backup service.
type Config struct {
	Server        ServerConfig       `koanf:"server"`
	Logging       LoggingConfig      `koanf:"logging"`
	Security      SecurityConfig     `koanf:"security"`
	Database      DatabaseConfig     `koanf:"database"`
	Files         FilesConfig        `koanf:"files"`
	Backup        BackupConfig       `koanf:"backup"`
	Notifications NotificationConfig `koanf:"notifications"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// CORSOrigins lists allowed origins for the admin UI.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimit is the per-IP request budget per RateLimitWindow.
	RateLimit       int           `koanf:"rate_limit"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// SecurityConfig holds authentication settings.
type SecurityConfig struct {
	// AuthMode selects operator authentication: jwt or none.
	// none is intended for development only.
	AuthMode string `koanf:"auth_mode"`

	// JWTSecret signs admin tokens (HS256). Minimum 32 characters.
	JWTSecret string `koanf:"jwt_secret"`

	// SessionTimeout bounds admin token validity.
	SessionTimeout time.Duration `koanf:"session_timeout"`

	AdminUsername string `koanf:"admin_username"`
	AdminPassword string `koanf:"admin_password"`

	// TriggerSecret authorizes the external time-based trigger endpoint.
	TriggerSecret string `koanf:"trigger_secret"`
}

// DatabaseConfig locates the CÁRIS relational store being protected.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// FilesConfig locates the uploaded-files trees being protected.
type FilesConfig struct {
	// Roots are the directories captured by file snapshots.
	Roots []string `koanf:"roots"`

	// RestoreRoot is where file restores are written. Empty means
	// restore in place over the original roots.
	RestoreRoot string `koanf:"restore_root"`
}

// BackupConfig holds snapshot capture settings.
type BackupConfig struct {
	Enabled bool `koanf:"enabled"`

	// Dir is the durable storage directory for snapshot artifacts and
	// the catalog metadata file.
	Dir string `koanf:"dir"`

	Compression CompressionConfig `koanf:"compression"`
	Encryption  EncryptionConfig  `koanf:"encryption"`
	Schedule    ScheduleConfig    `koanf:"schedule"`
	Retention   RetentionConfig   `koanf:"retention"`

	// TriggerRatePerHour bounds manual/external trigger frequency.
	TriggerRatePerHour int `koanf:"trigger_rate_per_hour"`
}

// CompressionConfig selects the artifact compression layer.
type CompressionConfig struct {
	// Algorithm is one of: gzip, zstd, none.
	Algorithm string `koanf:"algorithm"`

	// Level is the compression level (1-9 for gzip, 1-4 for zstd).
	Level int `koanf:"level"`
}

// EncryptionConfig enables at-rest encryption of snapshot artifacts.
type EncryptionConfig struct {
	Enabled bool `koanf:"enabled"`

	// Passphrase feeds an argon2id KDF; it is never stored with artifacts.
	Passphrase string `koanf:"passphrase"`
}

// ScheduleConfig drives the time-based backup trigger.
type ScheduleConfig struct {
	Enabled bool `koanf:"enabled"`

	// FullSpec and IncrementalSpec are standard cron expressions.
	// An empty spec disables that cadence.
	FullSpec        string `koanf:"full_spec"`
	IncrementalSpec string `koanf:"incremental_spec"`

	// IncludeFiles controls whether scheduled runs capture the file
	// trees in addition to the database.
	IncludeFiles bool `koanf:"include_files"`
}

// RetentionConfig bounds catalog growth. Pruning is an external policy
// applied only after scheduled runs; it never runs during manual
// operations. Disabled by default.
type RetentionConfig struct {
	Enabled    bool `koanf:"enabled"`
	MaxCount   int  `koanf:"max_count"`
	MaxAgeDays int  `koanf:"max_age_days"`
}

// NotificationConfig configures webhook notifications for backup runs.
type NotificationConfig struct {
	OnSuccess  bool          `koanf:"on_success"`
	OnFailure  bool          `koanf:"on_failure"`
	WebhookURL string        `koanf:"webhook_url"`
	Timeout    time.Duration `koanf:"timeout"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8780,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute, // restores stream large artifacts
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{},
			RateLimit:       120,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Security: SecurityConfig{
			AuthMode:       "jwt",
			JWTSecret:      "",
			SessionTimeout: 24 * time.Hour,
			AdminUsername:  "",
			AdminPassword:  "",
			TriggerSecret:  "",
		},
		Database: DatabaseConfig{
			Path: "/data/caris.duckdb",
		},
		Files: FilesConfig{
			Roots:       []string{"/data/uploads"},
			RestoreRoot: "",
		},
		Backup: BackupConfig{
			Enabled: true,
			Dir:     "/data/backups",
			Compression: CompressionConfig{
				Algorithm: "gzip",
				Level:     6,
			},
			Encryption: EncryptionConfig{
				Enabled:    false,
				Passphrase: "",
			},
			Schedule: ScheduleConfig{
				Enabled:         true,
				FullSpec:        "0 3 * * *",   // daily, 03:00
				IncrementalSpec: "0 */6 * * *", // every six hours
				IncludeFiles:    true,
			},
			Retention: RetentionConfig{
				Enabled:    false,
				MaxCount:   50,
				MaxAgeDays: 90,
			},
			TriggerRatePerHour: 12,
		},
		Notifications: NotificationConfig{
			OnSuccess:  false,
			OnFailure:  true,
			WebhookURL: "",
			Timeout:    10 * time.Second,
		},
	}
}

// Validate checks the configuration for invalid combinations.
//
//nolint:gocyclo // Validation function with many sequential checks
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}

	switch c.Security.AuthMode {
	case "jwt":
		if len(c.Security.JWTSecret) < 32 {
			return fmt.Errorf("security.jwt_secret must be at least 32 characters when auth_mode=jwt")
		}
		if c.Security.AdminUsername == "" || c.Security.AdminPassword == "" {
			return fmt.Errorf("security.admin_username and security.admin_password are required when auth_mode=jwt")
		}
	case "none":
		// Development only; main logs a prominent warning.
	default:
		return fmt.Errorf("security.auth_mode must be one of: jwt, none, got: %q", c.Security.AuthMode)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if !c.Backup.Enabled {
		return nil
	}

	if c.Backup.Dir == "" {
		return fmt.Errorf("backup.dir is required when backups are enabled")
	}
	if !filepath.IsAbs(c.Backup.Dir) {
		return fmt.Errorf("backup.dir must be an absolute path, got: %s", c.Backup.Dir)
	}

	switch c.Backup.Compression.Algorithm {
	case "gzip":
		if c.Backup.Compression.Level < 1 || c.Backup.Compression.Level > 9 {
			return fmt.Errorf("backup.compression.level must be between 1 and 9 for gzip, got: %d", c.Backup.Compression.Level)
		}
	case "zstd":
		if c.Backup.Compression.Level < 1 || c.Backup.Compression.Level > 4 {
			return fmt.Errorf("backup.compression.level must be between 1 and 4 for zstd, got: %d", c.Backup.Compression.Level)
		}
	case "none":
	default:
		return fmt.Errorf("backup.compression.algorithm must be one of: gzip, zstd, none, got: %q", c.Backup.Compression.Algorithm)
	}

	if c.Backup.Encryption.Enabled && len(c.Backup.Encryption.Passphrase) < 16 {
		return fmt.Errorf("backup.encryption.passphrase must be at least 16 characters when encryption is enabled")
	}

	if c.Backup.Retention.Enabled {
		if c.Backup.Retention.MaxCount <= 0 && c.Backup.Retention.MaxAgeDays <= 0 {
			return fmt.Errorf("backup.retention requires max_count or max_age_days when enabled")
		}
	}

	if c.Backup.TriggerRatePerHour < 1 {
		return fmt.Errorf("backup.trigger_rate_per_hour must be at least 1, got: %d", c.Backup.TriggerRatePerHour)
	}

	if c.Notifications.WebhookURL == "" && (c.Notifications.OnSuccess || c.Notifications.OnFailure) {
		// Notifications silently disabled without a webhook URL; not an error.
		c.Notifications.OnSuccess = false
		c.Notifications.OnFailure = false
	}

	return nil
}
