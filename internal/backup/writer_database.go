// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/caris-health/caris-backup/internal/logging"
)

// tableEntryPath is where a table dump lives inside the artifact.
func tableEntryPath(table string) string {
	return "database/" + table + ".json"
}

// CaptureDatabase takes a snapshot of the relational store. Each user
// table is dumped as schema plus rows into the artifact. An incremental
// capture includes only tables with changes since the latest completed
// database snapshot and degrades to full when none exists.
//
// The returned snapshot is the finalized catalog record; on capture
// failure it is returned alongside the error with status failed.
func (w *Writer) CaptureDatabase(ctx context.Context, mode Mode) (*Snapshot, error) {
	start := time.Now()
	effective, cutoff := w.resolveMode(KindDatabase, mode)
	if mode == ModeIncremental && effective == ModeFull {
		logging.Info().Msg("No prior database snapshot, running full capture")
	}

	snap := &Snapshot{
		ID:         newSnapshotID(KindDatabase, start),
		Kind:       KindDatabase,
		Mode:       effective,
		Status:     StatusPending,
		CreatedAt:  start.UTC(),
		Compressed: w.cfg.Archive.Compression != CompressionNone,
		Encrypted:  w.cfg.Archive.Passphrase != "",
	}
	snap.FilePath = filepath.Join(w.cfg.Dir, artifactName(snap.ID, w.cfg.Archive))

	if err := w.catalog.Record(snap); err != nil {
		return nil, fmt.Errorf("record snapshot: %w", err)
	}

	logging.Info().
		Str("snapshot_id", snap.ID).
		Str("mode", string(effective)).
		Msg("Database capture started")

	tables, err := w.captureDatabaseArtifact(ctx, snap, effective, cutoff)
	if err != nil {
		return w.finalizeFailed(snap.ID, start, err)
	}

	checksum, size := tables.checksum, tables.size
	finalizeErr := w.catalog.Finalize(snap.ID, func(s *Snapshot) {
		now := time.Now().UTC()
		s.Status = StatusCompleted
		s.CompletedAt = &now
		s.Duration = time.Since(start).Milliseconds()
		s.SizeBytes = size
		s.Checksum = checksum
		s.Tables = tables.entries
	})
	if finalizeErr != nil {
		return nil, fmt.Errorf("finalize snapshot: %w", finalizeErr)
	}

	final, err := w.catalog.Get(snap.ID)
	if err != nil {
		return nil, err
	}

	logging.Info().
		Str("snapshot_id", final.ID).
		Int("tables", len(final.Tables)).
		Int64("size_bytes", final.SizeBytes).
		Int64("duration_ms", final.Duration).
		Msg("Database capture completed")
	return final, nil
}

type databaseArtifact struct {
	entries  []TableEntry
	checksum string
	size     int64
}

func (w *Writer) captureDatabaseArtifact(ctx context.Context, snap *Snapshot, mode Mode, cutoff time.Time) (*databaseArtifact, error) {
	if err := w.store.Checkpoint(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint database: %w", err)
	}

	tables, err := w.store.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	aw, err := NewArchiveWriter(snap.FilePath, w.cfg.Archive)
	if err != nil {
		return nil, err
	}

	entries := make([]TableEntry, 0, len(tables))
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			aw.Abort()
			return nil, fmt.Errorf("capture canceled: %w", err)
		}

		if mode == ModeIncremental {
			changed, err := w.store.ChangedSince(ctx, table, cutoff)
			if err != nil {
				aw.Abort()
				return nil, fmt.Errorf("check changes for %s: %w", table, err)
			}
			if !changed {
				continue
			}
		}

		dump, err := w.store.DumpTable(ctx, table)
		if err != nil {
			aw.Abort()
			return nil, fmt.Errorf("dump table %s: %w", table, err)
		}

		data, err := json.Marshal(dump)
		if err != nil {
			aw.Abort()
			return nil, fmt.Errorf("encode table %s: %w", table, err)
		}
		if err := aw.AddBytes(tableEntryPath(table), data, snap.CreatedAt); err != nil {
			aw.Abort()
			return nil, err
		}
		entries = append(entries, TableEntry{Name: table, Rows: dump.RowCount})
	}

	manifest, err := json.Marshal(archiveManifest{
		ID:        snap.ID,
		Kind:      snap.Kind,
		Mode:      mode,
		CreatedAt: snap.CreatedAt,
		Tables:    entries,
	})
	if err != nil {
		aw.Abort()
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := aw.AddBytes(manifestEntryName, manifest, snap.CreatedAt); err != nil {
		aw.Abort()
		return nil, err
	}

	checksum, size, err := aw.Close()
	if err != nil {
		return nil, err
	}
	return &databaseArtifact{entries: entries, checksum: checksum, size: size}, nil
}

// finalizeFailed marks a pending snapshot as failed and returns it with
// the capture error.
func (w *Writer) finalizeFailed(id string, start time.Time, captureErr error) (*Snapshot, error) {
	finalizeErr := w.catalog.Finalize(id, func(s *Snapshot) {
		now := time.Now().UTC()
		s.Status = StatusFailed
		s.CompletedAt = &now
		s.Duration = time.Since(start).Milliseconds()
		s.Error = captureErr.Error()
	})
	if finalizeErr != nil {
		logging.Error().
			Err(finalizeErr).
			Str("snapshot_id", id).
			Msg("Failed to finalize failed snapshot")
	}

	snap, _ := w.catalog.Get(id)
	logging.Error().
		Err(captureErr).
		Str("snapshot_id", id).
		Msg("Capture failed")
	return snap, captureErr
}
