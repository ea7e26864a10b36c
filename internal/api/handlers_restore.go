// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package api

import (
	"net/http"

	"github.com/caris-health/caris-backup/internal/backup"
	"github.com/caris-health/caris-backup/internal/logging"
)

// restoreResponse extends the engine result with a client-facing duration
// in seconds.
type restoreResponse struct {
	*backup.RestoreResult
	DurationSeconds float64 `json:"durationSeconds"`
}

// handleRestore runs a restore job. Item failures are aggregated, never
// fatal: a job that restored anything at all returns 200 with its error
// list. Only an unknown backup id maps to 404.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req RestoreAPIRequest
	if err := decodeRequest(r, &req); err != nil {
		rw.ValidationError(err.Error(), validationDetails(err))
		return
	}

	logging.Info().
		Str("backup_id", req.BackupID).
		Str("type", req.Type).
		Bool("dry_run", req.DryRun).
		Msg("Restore requested")

	result := s.service.Restore(r.Context(), backup.RestoreType(req.Type), backup.RestoreRequest{
		SnapshotID: req.BackupID,
		DryRun:     req.DryRun,
		Verify:     req.Verify,
	})

	resp := restoreResponse{
		RestoreResult:   result,
		DurationSeconds: float64(result.Duration) / 1000,
	}

	if isUnknownBackup(result) {
		rw.ErrorWithDetails(http.StatusNotFound, ErrCodeNotFound,
			"Backup not found: "+req.BackupID, resp)
		return
	}
	if result.State == backup.StateFailed {
		rw.ErrorWithDetails(http.StatusInternalServerError, ErrCodeRestoreFailed,
			"Restore failed, nothing was applied", resp)
		return
	}
	rw.Success(resp)
}

// isUnknownBackup recognizes the fail-fast unknown-id outcome.
func isUnknownBackup(result *backup.RestoreResult) bool {
	if result.State != backup.StateFailed || len(result.Errors) != 1 {
		return false
	}
	e := result.Errors[0]
	return e.Kind == backup.KindNotFound && e.Item == result.BackupID
}
