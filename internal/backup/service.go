// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/caris-health/caris-backup/internal/logging"
	"github.com/caris-health/caris-backup/internal/metrics"
)

// ErrRateLimited is returned when the trigger budget is exhausted.
var ErrRateLimited = errors.New("backup trigger rate limit exceeded")

// ServiceConfig carries the service-level knobs on top of the writer
// configuration.
type ServiceConfig struct {
	Writer WriterConfig

	Retention RetentionPolicy

	// TriggerRatePerHour bounds external trigger requests. Zero disables
	// the limit.
	TriggerRatePerHour int
}

// Service is the orchestration facade over the writers, catalog, verifier,
// and recovery engine. The HTTP layer and the scheduler both drive it.
type Service struct {
	cfg      ServiceConfig
	catalog  *Catalog
	writer   *Writer
	verifier *Verifier
	engine   *Engine
	notifier *Notifier

	triggerLimiter *rate.Limiter
}

// NewService wires the full backup subsystem.
func NewService(cfg ServiceConfig, catalog *Catalog, store Store, fileRoots []string, restoreRoot string, notifier *Notifier) *Service {
	verifier := NewVerifier(catalog, cfg.Writer.Archive)

	var limiter *rate.Limiter
	if cfg.TriggerRatePerHour > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.TriggerRatePerHour)), 1)
	}

	s := &Service{
		cfg:            cfg,
		catalog:        catalog,
		writer:         NewWriter(catalog, store, fileRoots, cfg.Writer),
		verifier:       verifier,
		engine:         NewEngine(catalog, store, verifier, cfg.Writer.Archive, restoreRoot),
		notifier:       notifier,
		triggerLimiter: limiter,
	}
	s.updateCatalogGauges()
	return s
}

// TriggerBackup runs a backup on behalf of an external trigger, subject to
// the trigger rate limit.
func (s *Service) TriggerBackup(ctx context.Context, mode Mode, includeFiles bool) (*RunReport, error) {
	if s.triggerLimiter != nil && !s.triggerLimiter.Allow() {
		return nil, ErrRateLimited
	}
	return s.RunBackup(ctx, mode, includeFiles), nil
}

// RunBackup captures the database and, when requested, the files source.
// Both sources are always attempted; a database failure never skips the
// files capture, and the report carries each outcome independently.
func (s *Service) RunBackup(ctx context.Context, mode Mode, includeFiles bool) *RunReport {
	report := &RunReport{Mode: mode, StartedAt: time.Now().UTC()}

	dbSnap, err := s.writer.CaptureDatabase(ctx, mode)
	report.Database = dbSnap
	if err != nil {
		report.DatabaseError = err.Error()
	}
	s.observeCapture(dbSnap)

	if includeFiles {
		filesSnap, err := s.writer.CaptureFiles(ctx, mode)
		report.Files = filesSnap
		if err != nil {
			report.FilesError = err.Error()
		}
		s.observeCapture(filesSnap)
	}

	EnforceRetention(s.catalog, s.cfg.Retention)
	s.updateCatalogGauges()
	s.notifier.NotifyRun(ctx, report)
	return report
}

// Get returns one snapshot record.
func (s *Service) Get(id string) (*Snapshot, error) {
	return s.catalog.Get(id)
}

// List returns snapshots matching opts, newest first.
func (s *Service) List(opts ListOptions) []*Snapshot {
	return s.catalog.List(opts)
}

// Stats returns catalog-wide aggregates.
func (s *Service) Stats() *Stats {
	return s.catalog.Stats()
}

// Verify runs an advisory integrity check on one snapshot.
func (s *Service) Verify(id string) (*VerificationResult, error) {
	result, err := s.verifier.Verify(id)
	if err != nil {
		return nil, err
	}
	metrics.VerificationsTotal.WithLabelValues(fmt.Sprintf("%t", result.Valid)).Inc()
	return result, nil
}

// Verifications returns the verification history for one snapshot.
func (s *Service) Verifications(id string) []VerificationResult {
	return s.catalog.Verifications(id)
}

// Restore runs a restore job of the given type.
func (s *Service) Restore(ctx context.Context, rt RestoreType, req RestoreRequest) *RestoreResult {
	var result *RestoreResult
	switch rt {
	case RestoreDatabase:
		result = s.engine.RestoreDatabase(ctx, req)
	case RestoreFiles:
		result = s.engine.RestoreFiles(ctx, req)
	case RestoreFull:
		result = s.engine.RestoreFull(ctx, req)
	default:
		result = &RestoreResult{
			BackupID: req.SnapshotID,
			Type:     rt,
			DryRun:   req.DryRun,
			State:    StateFailed,
			Errors: []ItemError{{
				Kind:    KindInvalidRequest,
				Item:    string(rt),
				Message: "unknown restore type",
			}},
		}
	}

	metrics.RestoresTotal.WithLabelValues(string(result.Type), string(result.State)).Inc()
	metrics.RestoreDuration.WithLabelValues(string(result.Type)).
		Observe(float64(result.Duration) / 1000)
	for _, itemErr := range result.Errors {
		metrics.RestoreItemErrors.WithLabelValues(string(itemErr.Kind)).Inc()
	}
	return result
}

// ArtifactPath resolves a completed snapshot's artifact for download.
func (s *Service) ArtifactPath(id string) (string, *Snapshot, error) {
	snap, err := s.catalog.Get(id)
	if err != nil {
		return "", nil, err
	}
	if snap.Status != StatusCompleted {
		return "", nil, fmt.Errorf("snapshot is %s, artifact not downloadable", snap.Status)
	}
	return snap.FilePath, snap, nil
}

func (s *Service) observeCapture(snap *Snapshot) {
	if snap == nil {
		return
	}
	metrics.BackupsTotal.WithLabelValues(string(snap.Kind), string(snap.Mode), string(snap.Status)).Inc()
	metrics.BackupDuration.WithLabelValues(string(snap.Kind), string(snap.Mode)).
		Observe(float64(snap.Duration) / 1000)
	if snap.Status == StatusCompleted {
		metrics.BackupSizeBytes.WithLabelValues(string(snap.Kind)).Observe(float64(snap.SizeBytes))
	}
}

func (s *Service) updateCatalogGauges() {
	stats := s.catalog.Stats()
	for _, status := range []Status{StatusPending, StatusCompleted, StatusFailed} {
		metrics.CatalogSnapshots.WithLabelValues(string(status)).
			Set(float64(stats.ByStatus[status]))
	}
	metrics.CatalogSizeBytes.Set(float64(stats.TotalSize))
	logging.Debug().
		Int("snapshots", stats.TotalBackups).
		Int64("size_bytes", stats.TotalSize).
		Msg("Catalog gauges updated")
}
