// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

// Package backup implements snapshot capture, cataloging, verification, and
// recovery for the CÁRIS data sources.
//
// Two sources are protected:
//
//	database: the CÁRIS relational store, captured as per-table logical dumps
//	files:    the uploaded-files trees, captured file by file
//
// Snapshots are tar artifacts (optionally compressed and encrypted) with a
// SHA-256 content checksum, cataloged in a JSON metadata store. Restoration
// is item-granular: one table or one file at a time, with per-item errors
// aggregated rather than aborting the job.
//
// Architecture:
//
//	┌───────────┐     ┌──────────────────┐     ┌─────────────┐
//	│ Scheduler │────▶│ Snapshot Writers │────▶│   Catalog   │
//	└───────────┘     └──────────────────┘     └─────────────┘
//	                                                  │
//	                  ┌──────────────────┐            │
//	                  │ Recovery Engine  │◀───────────┤
//	                  └──────────────────┘            │
//	                  ┌──────────────────┐            │
//	                  │     Verifier     │◀───────────┘
//	                  └──────────────────┘
package backup

import (
	"time"
)

// Kind identifies the data source a snapshot captures.
type Kind string

const (
	// KindDatabase is a logical dump of the relational store.
	KindDatabase Kind = "database"

	// KindFiles is a capture of the uploaded-files trees.
	KindFiles Kind = "files"
)

// Mode selects how much of the source a snapshot captures.
type Mode string

const (
	// ModeFull captures the entire current state of the source.
	ModeFull Mode = "full"

	// ModeIncremental captures items changed since the latest completed
	// snapshot of the same kind. With no prior snapshot it degrades to
	// a full capture.
	ModeIncremental Mode = "incremental"
)

// Status is the lifecycle state of a snapshot. Transitions are strictly
// pending → completed or pending → failed, never backward.
type Status string

const (
	// StatusPending indicates capture is in progress.
	StatusPending Status = "pending"

	// StatusCompleted indicates the artifact is durable and checksummed.
	StatusCompleted Status = "completed"

	// StatusFailed indicates capture hit an unrecoverable error.
	StatusFailed Status = "failed"
)

// Snapshot is the catalog record for one point-in-time backup.
type Snapshot struct {
	// ID is an opaque unique token, immutable once assigned.
	ID string `json:"id"`

	Kind   Kind   `json:"kind"`
	Mode   Mode   `json:"mode"`
	Status Status `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    int64      `json:"duration_ms"`

	// FilePath is the artifact location under the backup directory.
	FilePath string `json:"file_path"`

	// SizeBytes is the artifact size; for failed captures it reflects
	// whatever partial data was written.
	SizeBytes int64 `json:"size_bytes"`

	// Checksum is the SHA-256 of the artifact bytes as stored
	// (after compression and encryption).
	Checksum string `json:"checksum"`

	Compressed bool `json:"compressed"`
	Encrypted  bool `json:"encrypted"`

	// Error is set when Status is failed.
	Error string `json:"error,omitempty"`

	// Tables lists the captured table dumps (database kind), in the
	// order they will be restored.
	Tables []TableEntry `json:"tables,omitempty"`

	// Files lists the captured file entries (files kind), in the order
	// they will be restored.
	Files []FileEntry `json:"files,omitempty"`
}

// ItemCount returns the number of restorable items in the snapshot.
func (s *Snapshot) ItemCount() int {
	if s.Kind == KindDatabase {
		return len(s.Tables)
	}
	return len(s.Files)
}

// TableEntry is one captured table within a database snapshot.
type TableEntry struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// FileEntry is one tracked file within a files snapshot. Entries are
// created with the snapshot and never mutated afterwards.
type FileEntry struct {
	// OriginalPath is the absolute path the file was captured from.
	OriginalPath string `json:"original_path"`

	// StoredPath is the entry path inside the artifact (files/...).
	StoredPath string `json:"stored_path"`

	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
	ModTime   time.Time `json:"mod_time"`
}

// ListOptions filters and paginates catalog listings. Results are always
// ordered by creation time, newest first.
type ListOptions struct {
	Kind   *Kind   `json:"kind,omitempty"`
	Status *Status `json:"status,omitempty"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Stats aggregates over all cataloged snapshots. The catalog is the single
// source of truth for total storage usage.
type Stats struct {
	TotalBackups int            `json:"total_backups"`
	TotalSize    int64          `json:"total_size"`
	OldestBackup *time.Time     `json:"oldest_backup,omitempty"`
	NewestBackup *time.Time     `json:"newest_backup,omitempty"`
	ByKind       map[Kind]int   `json:"by_type"`
	ByStatus     map[Status]int `json:"by_status"`
}

// ErrorKind tags a restoration item error, keeping the taxonomy exhaustive
// and matchable.
type ErrorKind string

const (
	// KindNotFound: the snapshot id is unknown to the catalog. The only
	// fail-fast case inside the recovery engine.
	KindNotFound ErrorKind = "not_found"

	// KindChecksumMismatch: recorded and recomputed checksums differ.
	KindChecksumMismatch ErrorKind = "checksum_mismatch"

	// KindIOFailure: the artifact or an item could not be read/written.
	KindIOFailure ErrorKind = "io_failure"

	// KindDecodeFailure: an item could not be decoded from the artifact.
	KindDecodeFailure ErrorKind = "decode_failure"

	// KindApplyFailure: an item was read but could not be applied to the
	// target.
	KindApplyFailure ErrorKind = "apply_failure"

	// KindInvalidRequest: the request does not match the snapshot
	// (e.g. a files restore against a database snapshot).
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindCanceled: the job was canceled between items.
	KindCanceled ErrorKind = "canceled"
)

// ItemError is one per-item failure or warning within a restore job.
type ItemError struct {
	Kind    ErrorKind `json:"kind"`
	Item    string    `json:"item"`
	Message string    `json:"message"`
}

// RestoreType selects what a restore job targets.
type RestoreType string

const (
	RestoreDatabase RestoreType = "database"
	RestoreFiles    RestoreType = "files"
	RestoreFull     RestoreType = "full"
)

// RestoreState is the terminal state of a restore job.
type RestoreState string

const (
	// StateCompleted: every attempted item succeeded.
	StateCompleted RestoreState = "completed"

	// StateCompletedWithErrors: some items succeeded, some failed.
	// Partial progress still counts as actionable success.
	StateCompletedWithErrors RestoreState = "completed_with_errors"

	// StateFailed: nothing was restored.
	StateFailed RestoreState = "failed"
)

// RestoreRequest describes one restore job. It is ephemeral; only the
// resulting RestoreResult outlives the job.
type RestoreRequest struct {
	SnapshotID string `json:"backup_id"`

	// DryRun validates and counts without mutating any state.
	DryRun bool `json:"dry_run"`

	// Verify runs the verifier before restoring; a failed verification
	// becomes a warning, not a hard error.
	Verify bool `json:"verify"`
}

// RestoreResult is the aggregated outcome of a restore job.
type RestoreResult struct {
	// Success is true for Completed and CompletedWithErrors.
	Success bool `json:"success"`

	BackupID string       `json:"backup_id"`
	Type     RestoreType  `json:"type"`
	State    RestoreState `json:"state"`
	DryRun   bool         `json:"dry_run"`

	ItemsRestored int   `json:"items_restored"`
	Duration      int64 `json:"duration_ms"`

	// Errors and Warnings are ordered by the snapshot's recorded item
	// order; they never cause early termination of the job.
	Errors   []ItemError `json:"errors"`
	Warnings []ItemError `json:"warnings"`
}

// VerificationResult is the advisory outcome of verifying one snapshot.
// Verification never mutates the snapshot record.
type VerificationResult struct {
	SnapshotID string    `json:"snapshot_id"`
	Kind       Kind      `json:"kind"`
	Valid      bool      `json:"valid"`
	CheckedAt  time.Time `json:"checked_at"`

	ChecksumValid    bool   `json:"checksum_valid"`
	ExpectedChecksum string `json:"expected_checksum"`
	ActualChecksum   string `json:"actual_checksum"`

	// MissingItems lists recorded file entries absent or empty in the
	// artifact (files kind only).
	MissingItems []string `json:"missing_items,omitempty"`

	Message string `json:"message"`
}

// RunReport is the outcome of one scheduler/trigger run. Both sources are
// always attempted; one failing never discards the other's result.
type RunReport struct {
	Mode      Mode      `json:"mode"`
	StartedAt time.Time `json:"started_at"`

	Database      *Snapshot `json:"database,omitempty"`
	DatabaseError string    `json:"database_error,omitempty"`

	Files      *Snapshot `json:"files,omitempty"`
	FilesError string    `json:"files_error,omitempty"`
}

// Success reports whether every attempted source completed.
func (r *RunReport) Success() bool {
	return r.DatabaseError == "" && r.FilesError == ""
}
