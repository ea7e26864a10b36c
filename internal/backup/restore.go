// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/caris-health/caris-backup/internal/logging"
)

// Engine performs snapshot restoration. Restoration is item-granular:
// each table or file is restored independently, and a failing item is
// recorded and skipped rather than aborting the job. The only fail-fast
// condition is an unknown snapshot id.
//
// Results carry errors in the snapshot's recorded item order, so two runs
// against the same artifact report failures identically.
type Engine struct {
	catalog  *Catalog
	store    Store
	verifier *Verifier
	archive  ArchiveOptions

	// restoreRoot redirects file restoration under a single directory
	// instead of the files' original locations. Empty means in place.
	restoreRoot string

	// locks serializes restores per snapshot id.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine wires a recovery engine.
func NewEngine(catalog *Catalog, store Store, verifier *Verifier, archive ArchiveOptions, restoreRoot string) *Engine {
	return &Engine{
		catalog:     catalog,
		store:       store,
		verifier:    verifier,
		archive:     archive,
		restoreRoot: restoreRoot,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lock(id string) func() {
	e.locksMu.Lock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	e.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// RestoreDatabase restores every table recorded in a database snapshot.
func (e *Engine) RestoreDatabase(ctx context.Context, req RestoreRequest) *RestoreResult {
	return e.restoreKind(ctx, req, RestoreDatabase, KindDatabase)
}

// RestoreFiles restores every file recorded in a files snapshot.
func (e *Engine) RestoreFiles(ctx context.Context, req RestoreRequest) *RestoreResult {
	return e.restoreKind(ctx, req, RestoreFiles, KindFiles)
}

// RestoreFull restores the database and then the files, sequentially. The
// named snapshot supplies one kind; the newest completed snapshot of the
// other kind is paired with it. A database failure does not stop the
// files phase; both phases' errors are aggregated into one result.
func (e *Engine) RestoreFull(ctx context.Context, req RestoreRequest) *RestoreResult {
	start := time.Now()
	result := &RestoreResult{
		BackupID: req.SnapshotID,
		Type:     RestoreFull,
		DryRun:   req.DryRun,
	}

	named, err := e.catalog.Get(req.SnapshotID)
	if err != nil {
		return e.finish(result, start, notFoundResult(req.SnapshotID))
	}

	dbReq, filesReq := req, req
	switch named.Kind {
	case KindDatabase:
		if other, err := e.catalog.LatestCompleted(KindFiles); err == nil {
			filesReq.SnapshotID = other.ID
		} else {
			filesReq.SnapshotID = ""
		}
	case KindFiles:
		if other, err := e.catalog.LatestCompleted(KindDatabase); err == nil {
			dbReq.SnapshotID = other.ID
		} else {
			dbReq.SnapshotID = ""
		}
	}

	if dbReq.SnapshotID != "" {
		phase := e.RestoreDatabase(ctx, dbReq)
		mergePhase(result, phase)
	} else {
		result.Warnings = append(result.Warnings, ItemError{
			Kind:    KindNotFound,
			Item:    "database",
			Message: "no completed database snapshot to pair with this restore",
		})
	}

	if filesReq.SnapshotID != "" {
		phase := e.RestoreFiles(ctx, filesReq)
		mergePhase(result, phase)
	} else {
		result.Warnings = append(result.Warnings, ItemError{
			Kind:    KindNotFound,
			Item:    "files",
			Message: "no completed files snapshot to pair with this restore",
		})
	}

	return e.finish(result, start, nil)
}

func mergePhase(total *RestoreResult, phase *RestoreResult) {
	total.ItemsRestored += phase.ItemsRestored
	total.Errors = append(total.Errors, phase.Errors...)
	total.Warnings = append(total.Warnings, phase.Warnings...)
}

func notFoundResult(id string) []ItemError {
	return []ItemError{{
		Kind:    KindNotFound,
		Item:    id,
		Message: fmt.Sprintf("snapshot %s is not in the catalog", id),
	}}
}

// restoreKind runs one single-kind restore job end to end.
func (e *Engine) restoreKind(ctx context.Context, req RestoreRequest, rt RestoreType, kind Kind) *RestoreResult {
	start := time.Now()
	result := &RestoreResult{
		BackupID: req.SnapshotID,
		Type:     rt,
		DryRun:   req.DryRun,
	}

	snap, err := e.catalog.Get(req.SnapshotID)
	if err != nil {
		return e.finish(result, start, notFoundResult(req.SnapshotID))
	}

	if snap.Kind != kind {
		return e.finish(result, start, []ItemError{{
			Kind:    KindInvalidRequest,
			Item:    snap.ID,
			Message: fmt.Sprintf("snapshot is %s, restore requested %s", snap.Kind, kind),
		}})
	}
	if snap.Status != StatusCompleted {
		return e.finish(result, start, []ItemError{{
			Kind:    KindInvalidRequest,
			Item:    snap.ID,
			Message: fmt.Sprintf("snapshot is %s, only completed snapshots are restorable", snap.Status),
		}})
	}

	unlock := e.lock(snap.ID)
	defer unlock()

	if req.Verify {
		vr, err := e.verifier.Verify(snap.ID)
		if err == nil && !vr.Valid {
			result.Warnings = append(result.Warnings, ItemError{
				Kind:    KindChecksumMismatch,
				Item:    snap.ID,
				Message: "pre-restore verification failed: " + vr.Message,
			})
		}
	}

	logging.Info().
		Str("snapshot_id", snap.ID).
		Str("type", string(rt)).
		Bool("dry_run", req.DryRun).
		Int("items", snap.ItemCount()).
		Msg("Restore started")

	staging, err := e.extract(snap)
	if err != nil {
		return e.finish(result, start, []ItemError{{
			Kind:    KindIOFailure,
			Item:    filepath.Base(snap.FilePath),
			Message: fmt.Sprintf("artifact unreadable: %v", err),
		}})
	}
	defer os.RemoveAll(staging) //nolint:errcheck

	switch kind {
	case KindDatabase:
		e.restoreTables(ctx, snap, staging, req.DryRun, result)
	case KindFiles:
		e.restoreFileEntries(ctx, snap, staging, req.DryRun, result)
	}

	return e.finish(result, start, nil)
}

// extract unpacks the whole artifact into a temporary staging directory,
// so items can then be applied in the snapshot's recorded order.
func (e *Engine) extract(snap *Snapshot) (string, error) {
	staging, err := os.MkdirTemp("", "caris-restore-"+snap.ID+"-")
	if err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}

	ar, err := OpenArchive(snap.FilePath, e.archive)
	if err != nil {
		os.RemoveAll(staging) //nolint:errcheck
		return "", err
	}
	defer ar.Close() //nolint:errcheck

	for {
		hdr, err := ar.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			os.RemoveAll(staging) //nolint:errcheck
			return "", err
		}

		dst := filepath.Join(staging, filepath.FromSlash(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			os.RemoveAll(staging) //nolint:errcheck
			return "", fmt.Errorf("stage %s: %w", hdr.Name, err)
		}

		out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
		if err != nil {
			os.RemoveAll(staging) //nolint:errcheck
			return "", fmt.Errorf("stage %s: %w", hdr.Name, err)
		}
		_, copyErr := io.CopyN(out, ar, hdr.Size)
		closeErr := out.Close()
		if copyErr != nil || closeErr != nil {
			os.RemoveAll(staging) //nolint:errcheck
			return "", fmt.Errorf("stage %s: %w", hdr.Name, errors.Join(copyErr, closeErr))
		}
	}
	return staging, nil
}

// restoreTables applies the recorded table dumps in order.
func (e *Engine) restoreTables(ctx context.Context, snap *Snapshot, staging string, dryRun bool, result *RestoreResult) {
	for _, entry := range snap.Tables {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, ItemError{
				Kind:    KindCanceled,
				Item:    entry.Name,
				Message: "restore canceled",
			})
			return
		}

		dump, itemErr := e.loadTableDump(staging, entry.Name)
		if itemErr != nil {
			result.Errors = append(result.Errors, *itemErr)
			continue
		}

		if dryRun {
			result.ItemsRestored++
			continue
		}

		if err := e.store.RestoreTable(ctx, dump); err != nil {
			result.Errors = append(result.Errors, ItemError{
				Kind:    KindApplyFailure,
				Item:    entry.Name,
				Message: err.Error(),
			})
			continue
		}
		result.ItemsRestored++
	}
}

func (e *Engine) loadTableDump(staging, table string) (*TableDump, *ItemError) {
	data, err := os.ReadFile(filepath.Join(staging, filepath.FromSlash(tableEntryPath(table))))
	if err != nil {
		return nil, &ItemError{
			Kind:    KindIOFailure,
			Item:    table,
			Message: fmt.Sprintf("table dump unreadable: %v", err),
		}
	}

	var dump TableDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, &ItemError{
			Kind:    KindDecodeFailure,
			Item:    table,
			Message: fmt.Sprintf("table dump undecodable: %v", err),
		}
	}
	if dump.Name != table {
		return nil, &ItemError{
			Kind:    KindDecodeFailure,
			Item:    table,
			Message: fmt.Sprintf("table dump names %q", dump.Name),
		}
	}
	return &dump, nil
}

// restoreFileEntries applies the recorded file entries in order, checking
// each staged file against its recorded checksum before placing it.
func (e *Engine) restoreFileEntries(ctx context.Context, snap *Snapshot, staging string, dryRun bool, result *RestoreResult) {
	for _, entry := range snap.Files {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, ItemError{
				Kind:    KindCanceled,
				Item:    entry.StoredPath,
				Message: "restore canceled",
			})
			return
		}

		if itemErr := e.restoreOneFile(staging, entry, dryRun); itemErr != nil {
			result.Errors = append(result.Errors, *itemErr)
			continue
		}
		result.ItemsRestored++
	}
}

func (e *Engine) restoreOneFile(staging string, entry FileEntry, dryRun bool) *ItemError {
	staged := filepath.Join(staging, filepath.FromSlash(entry.StoredPath))

	sum, err := checksumPath(staged)
	if err != nil {
		return &ItemError{
			Kind:    KindIOFailure,
			Item:    entry.StoredPath,
			Message: fmt.Sprintf("staged entry unreadable: %v", err),
		}
	}
	if sum != entry.Checksum {
		return &ItemError{
			Kind:    KindChecksumMismatch,
			Item:    entry.StoredPath,
			Message: "staged entry does not match its recorded checksum",
		}
	}

	if dryRun {
		return nil
	}

	target := e.targetPath(entry)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return &ItemError{
			Kind:    KindApplyFailure,
			Item:    entry.StoredPath,
			Message: fmt.Sprintf("create target directory: %v", err),
		}
	}
	if err := placeFile(staged, target, entry.ModTime); err != nil {
		return &ItemError{
			Kind:    KindApplyFailure,
			Item:    entry.StoredPath,
			Message: err.Error(),
		}
	}
	return nil
}

// targetPath resolves where a file entry is placed. With a restore root
// configured, entries land under it mirroring the artifact layout;
// otherwise they go back to their original locations.
func (e *Engine) targetPath(entry FileEntry) string {
	if e.restoreRoot == "" {
		return entry.OriginalPath
	}
	rel := strings.TrimPrefix(entry.StoredPath, "files/")
	return filepath.Join(e.restoreRoot, filepath.FromSlash(rel))
}

// placeFile copies staged content into place via a sibling temp file and
// rename, so a crash never leaves a half-written target.
func placeFile(staged, target string, modTime time.Time) error {
	in, err := os.Open(staged)
	if err != nil {
		return fmt.Errorf("open staged entry: %w", err)
	}
	defer in.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(filepath.Dir(target), ".restore-*")
	if err != nil {
		return fmt.Errorf("create temp target: %w", err)
	}

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("write target: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("sync target: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("close target: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("place target: %w", err)
	}
	os.Chtimes(target, modTime, modTime) //nolint:errcheck
	return nil
}

func checksumPath(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// finish computes the terminal state from the accumulated counts. Partial
// progress is still success; only a job that restored nothing and hit
// errors is failed.
func (e *Engine) finish(result *RestoreResult, start time.Time, fatal []ItemError) *RestoreResult {
	if fatal != nil {
		result.Errors = append(result.Errors, fatal...)
	}
	result.Duration = time.Since(start).Milliseconds()

	switch {
	case len(result.Errors) == 0:
		result.State = StateCompleted
	case result.ItemsRestored > 0:
		result.State = StateCompletedWithErrors
	default:
		result.State = StateFailed
	}
	result.Success = result.State != StateFailed

	logging.Info().
		Str("backup_id", result.BackupID).
		Str("type", string(result.Type)).
		Str("state", string(result.State)).
		Bool("dry_run", result.DryRun).
		Int("items_restored", result.ItemsRestored).
		Int("errors", len(result.Errors)).
		Int64("duration_ms", result.Duration).
		Msg("Restore finished")
	return result
}
