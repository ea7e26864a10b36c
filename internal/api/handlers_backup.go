// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/caris-health/caris-backup/internal/backup"
)

// handleTrigger runs an on-demand backup for the CÁRIS application. Both
// the database and (by default) the files tree are captured; each source's
// outcome is reported independently.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	req := TriggerRequest{}
	if r.ContentLength > 0 {
		if err := decodeRequest(r, &req); err != nil {
			rw.ValidationError(err.Error(), validationDetails(err))
			return
		}
	}

	mode := backup.ModeFull
	if req.Type == string(backup.ModeIncremental) {
		mode = backup.ModeIncremental
	}
	includeFiles := true
	if req.IncludeFiles != nil {
		includeFiles = *req.IncludeFiles
	}

	report, err := s.service.TriggerBackup(r.Context(), mode, includeFiles)
	if err != nil {
		if errors.Is(err, backup.ErrRateLimited) {
			rw.TooManyRequests("Backup trigger rate limit exceeded")
			return
		}
		rw.InternalError("Backup trigger failed")
		return
	}

	if !report.Success() {
		rw.ErrorWithDetails(http.StatusInternalServerError, ErrCodeBackupFailed,
			"One or more captures failed", report)
		return
	}
	rw.Success(report)
}

// handleCreateBackup runs a backup outside the trigger budget. The
// database is always captured; the files tree is included unless the
// request opts out.
func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	req := CreateBackupRequest{}
	if r.ContentLength > 0 {
		if err := decodeRequest(r, &req); err != nil {
			rw.ValidationError(err.Error(), validationDetails(err))
			return
		}
	}

	mode := backup.ModeFull
	if req.Type == string(backup.ModeIncremental) {
		mode = backup.ModeIncremental
	}
	includeFiles := true
	if req.IncludeFiles != nil {
		includeFiles = *req.IncludeFiles
	}

	report := s.service.RunBackup(r.Context(), mode, includeFiles)
	if !report.Success() {
		rw.ErrorWithDetails(http.StatusInternalServerError, ErrCodeBackupFailed,
			"One or more captures failed", report)
		return
	}
	rw.Created(report)
}

// listResponse bundles snapshots with optional embedded statistics.
type listResponse struct {
	Backups []*backup.Snapshot `json:"backups"`
	Stats   *backup.Stats      `json:"stats,omitempty"`
}

// handleListBackups lists cataloged snapshots, newest first. Query
// parameters: kind, status, limit, offset, includeFiles (default true),
// includeStats.
func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := r.URL.Query()

	opts := backup.ListOptions{}
	if v := q.Get("kind"); v != "" {
		kind := backup.Kind(v)
		if kind != backup.KindDatabase && kind != backup.KindFiles {
			rw.BadRequest("kind must be database or files")
			return
		}
		opts.Kind = &kind
	}
	if v := q.Get("status"); v != "" {
		status := backup.Status(v)
		if status != backup.StatusPending && status != backup.StatusCompleted && status != backup.StatusFailed {
			rw.BadRequest("status must be pending, completed, or failed")
			return
		}
		opts.Status = &status
	}
	if v := q.Get("includeFiles"); v == "false" && opts.Kind == nil {
		kind := backup.KindDatabase
		opts.Kind = &kind
	}

	var err error
	if opts.Limit, err = parseIntParam(q.Get("limit"), 0); err != nil {
		rw.BadRequest("limit must be a non-negative integer")
		return
	}
	if opts.Offset, err = parseIntParam(q.Get("offset"), 0); err != nil {
		rw.BadRequest("offset must be a non-negative integer")
		return
	}

	resp := listResponse{Backups: s.service.List(opts)}
	if q.Get("includeStats") == "true" {
		resp.Stats = s.service.Stats()
	}

	rw.SuccessWithPagination(resp, &PaginationMeta{
		Count:   len(resp.Backups),
		Offset:  opts.Offset,
		Limit:   opts.Limit,
		HasMore: opts.Limit > 0 && len(resp.Backups) == opts.Limit,
	})
}

func parseIntParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid integer parameter")
	}
	return v, nil
}

// handleGetBackup returns one snapshot record with its verification
// history.
func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	snap, err := s.service.Get(id)
	if err != nil {
		rw.NotFound("Backup not found: " + id)
		return
	}

	rw.Success(map[string]interface{}{
		"backup":        snap,
		"verifications": s.service.Verifications(id),
	})
}

// handleStats returns catalog-wide aggregates. The catalog alone decides
// these numbers; artifact files on disk are not rescanned.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(s.service.Stats())
}

// verifyResponse is the advisory verification outcome for clients.
type verifyResponse struct {
	BackupID string `json:"backupId"`
	Type     string `json:"type"`
	IsValid  bool   `json:"isValid"`
	Message  string `json:"message"`

	Result *backup.VerificationResult `json:"result"`
}

// handleVerify runs an integrity check on one snapshot. Verification is
// advisory and never changes the snapshot's status.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req VerifyRequest
	if err := decodeRequest(r, &req); err != nil {
		rw.ValidationError(err.Error(), validationDetails(err))
		return
	}

	result, err := s.service.Verify(req.BackupID)
	if err != nil {
		if errors.Is(err, backup.ErrNotFound) {
			rw.NotFound("Backup not found: " + req.BackupID)
			return
		}
		rw.InternalError("Verification failed to run")
		return
	}

	if req.Type != "" && req.Type != string(result.Kind) {
		rw.BadRequest("Backup is " + string(result.Kind) + ", not " + req.Type)
		return
	}

	rw.Success(verifyResponse{
		BackupID: result.SnapshotID,
		Type:     string(result.Kind),
		IsValid:  result.Valid,
		Message:  result.Message,
		Result:   result,
	})
}

// handleDownload streams a completed snapshot artifact.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	path, snap, err := s.service.ArtifactPath(id)
	if err != nil {
		if errors.Is(err, backup.ErrNotFound) {
			rw.NotFound("Backup not found: " + id)
			return
		}
		rw.BadRequest(err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	w.Header().Set("X-Checksum-SHA256", snap.Checksum)
	http.ServeFile(w, r, path)
}
