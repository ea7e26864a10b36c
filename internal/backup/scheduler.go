// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/caris-health/caris-backup/internal/logging"
)

// SchedulerConfig holds the cron schedule for automated backups.
type SchedulerConfig struct {
	// FullSpec and IncrementalSpec are standard five-field cron
	// expressions. An empty spec disables that cadence.
	FullSpec        string
	IncrementalSpec string

	IncludeFiles bool
}

// Scheduler drives periodic backups. It implements suture.Service and runs
// under the application supervision tree; a panic inside a run is
// contained by cron's recovering wrapper, and the supervisor restarts the
// whole scheduler if Serve itself fails.
//
// Overlapping runs are skipped: if a full capture is still in flight when
// the incremental tick fires, the tick is dropped and logged.
type Scheduler struct {
	cfg     SchedulerConfig
	service *Service
	running atomic.Bool
}

// NewScheduler wires the backup scheduler.
func NewScheduler(cfg SchedulerConfig, service *Service) *Scheduler {
	return &Scheduler{cfg: cfg, service: service}
}

// Serve runs the cron loop until ctx is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{})))

	if s.cfg.FullSpec != "" {
		if _, err := c.AddFunc(s.cfg.FullSpec, func() { s.run(ctx, ModeFull) }); err != nil {
			return fmt.Errorf("schedule full backups: %w", err)
		}
	}
	if s.cfg.IncrementalSpec != "" {
		if _, err := c.AddFunc(s.cfg.IncrementalSpec, func() { s.run(ctx, ModeIncremental) }); err != nil {
			return fmt.Errorf("schedule incremental backups: %w", err)
		}
	}

	logging.Info().
		Str("full", s.cfg.FullSpec).
		Str("incremental", s.cfg.IncrementalSpec).
		Bool("include_files", s.cfg.IncludeFiles).
		Msg("Backup scheduler started")

	c.Start()
	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	logging.Info().Msg("Backup scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) run(ctx context.Context, mode Mode) {
	if !s.running.CompareAndSwap(false, true) {
		logging.Warn().
			Str("mode", string(mode)).
			Msg("Skipping scheduled backup, previous run still in flight")
		return
	}
	defer s.running.Store(false)

	report := s.service.RunBackup(ctx, mode, s.cfg.IncludeFiles)
	if !report.Success() {
		logging.Error().
			Str("mode", string(mode)).
			Str("database_error", report.DatabaseError).
			Str("files_error", report.FilesError).
			Msg("Scheduled backup finished with errors")
		return
	}
	logging.Info().
		Str("mode", string(mode)).
		Msg("Scheduled backup finished")
}

func (s *Scheduler) String() string { return "backup-scheduler" }

// cronLogger adapts the structured logger to cron's logging interface,
// used only by the panic-recovery chain.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logging.Debug().Interface("details", keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logging.Error().Err(err).Interface("details", keysAndValues).Msg(msg)
}
