// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package api

import (
	"context"

	"github.com/caris-health/caris-backup/internal/auth"
	"github.com/caris-health/caris-backup/internal/backup"
	"github.com/caris-health/caris-backup/internal/config"
)

// BackupService is the orchestration surface the handlers drive.
// *backup.Service satisfies it; tests substitute a stub.
type BackupService interface {
	TriggerBackup(ctx context.Context, mode backup.Mode, includeFiles bool) (*backup.RunReport, error)
	RunBackup(ctx context.Context, mode backup.Mode, includeFiles bool) *backup.RunReport
	Get(id string) (*backup.Snapshot, error)
	List(opts backup.ListOptions) []*backup.Snapshot
	Stats() *backup.Stats
	Verify(id string) (*backup.VerificationResult, error)
	Verifications(id string) []backup.VerificationResult
	Restore(ctx context.Context, rt backup.RestoreType, req backup.RestoreRequest) *backup.RestoreResult
	ArtifactPath(id string) (string, *backup.Snapshot, error)
}

// Pinger reports backing-store liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	cfg     *config.Config
	service BackupService
	jwt     *auth.JWTManager
	authMW  *auth.Middleware
	db      Pinger
}

// NewServer wires the API server.
func NewServer(cfg *config.Config, service BackupService, jwt *auth.JWTManager, authMW *auth.Middleware, db Pinger) *Server {
	return &Server{
		cfg:     cfg,
		service: service,
		jwt:     jwt,
		authMW:  authMW,
		db:      db,
	}
}
