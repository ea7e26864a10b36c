// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

// Command server runs the CÁRIS backup service: scheduled and on-demand
// snapshot capture, integrity verification, and restoration, exposed over
// an authenticated HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caris-health/caris-backup/internal/api"
	"github.com/caris-health/caris-backup/internal/auth"
	"github.com/caris-health/caris-backup/internal/backup"
	"github.com/caris-health/caris-backup/internal/config"
	"github.com/caris-health/caris-backup/internal/logging"
	"github.com/caris-health/caris-backup/internal/store"
	"github.com/caris-health/caris-backup/internal/supervisor"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (overrides default search)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("caris-backup", version)
		return
	}

	if *configPath != "" {
		os.Setenv(config.ConfigPathEnvVar, *configPath) //nolint:errcheck
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("version", version).Msg("CÁRIS backup service starting")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Service failed")
	}
}

func run(cfg *config.Config) error {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	catalog, err := backup.OpenCatalog(cfg.Backup.Dir)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}

	service := buildService(cfg, catalog, db)

	var jwtManager *auth.JWTManager
	if cfg.Security.AuthMode == "jwt" {
		jwtManager, err = auth.NewJWTManager(&cfg.Security)
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
	} else {
		logging.Warn().Msg("Authentication is disabled, all API endpoints are open")
	}
	authMW := auth.NewMiddleware(jwtManager, cfg.Security.AuthMode, cfg.Security.TriggerSecret)

	apiServer := api.NewServer(cfg, service, jwtManager, authMW, db)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, cfg.Server.ShutdownTimeout))

	if cfg.Backup.Enabled && cfg.Backup.Schedule.Enabled {
		tree.AddJobService(backup.NewScheduler(backup.SchedulerConfig{
			FullSpec:        cfg.Backup.Schedule.FullSpec,
			IncrementalSpec: cfg.Backup.Schedule.IncrementalSpec,
			IncludeFiles:    cfg.Backup.Schedule.IncludeFiles,
		}, service))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := tree.Root().ServeBackground(ctx)

	select {
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("supervisor exited: %w", err)
		}
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received")
		stop()
		select {
		case <-errCh:
		case <-time.After(cfg.Server.ShutdownTimeout + 5*time.Second):
			logging.Warn().Msg("Shutdown timed out, exiting anyway")
		}
	}

	logging.Info().Msg("CÁRIS backup service stopped")
	return nil
}

func buildService(cfg *config.Config, catalog *backup.Catalog, db *store.DuckDB) *backup.Service {
	archive := backup.ArchiveOptions{
		Compression: cfg.Backup.Compression.Algorithm,
		Level:       cfg.Backup.Compression.Level,
	}
	if cfg.Backup.Encryption.Enabled {
		archive.Passphrase = cfg.Backup.Encryption.Passphrase
	}

	notifier := backup.NewNotifier(backup.NotifierConfig{
		WebhookURL: cfg.Notifications.WebhookURL,
		OnSuccess:  cfg.Notifications.OnSuccess,
		OnFailure:  cfg.Notifications.OnFailure,
		Timeout:    cfg.Notifications.Timeout,
	})

	return backup.NewService(backup.ServiceConfig{
		Writer: backup.WriterConfig{
			Dir:     cfg.Backup.Dir,
			Archive: archive,
		},
		Retention: backup.RetentionPolicy{
			Enabled:    cfg.Backup.Retention.Enabled,
			MaxCount:   cfg.Backup.Retention.MaxCount,
			MaxAgeDays: cfg.Backup.Retention.MaxAgeDays,
		},
		TriggerRatePerHour: cfg.Backup.TriggerRatePerHour,
	}, catalog, db, cfg.Files.Roots, cfg.Files.RestoreRoot, notifier)
}
