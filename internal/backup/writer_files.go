// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/caris-health/caris-backup/internal/logging"
)

// CaptureFiles takes a snapshot of the uploaded-files trees. Every regular
// file under the configured roots becomes one artifact entry with its own
// checksum. Incremental captures include only files modified since the
// latest completed files snapshot.
func (w *Writer) CaptureFiles(ctx context.Context, mode Mode) (*Snapshot, error) {
	start := time.Now()
	effective, cutoff := w.resolveMode(KindFiles, mode)
	if mode == ModeIncremental && effective == ModeFull {
		logging.Info().Msg("No prior files snapshot, running full capture")
	}

	snap := &Snapshot{
		ID:         newSnapshotID(KindFiles, start),
		Kind:       KindFiles,
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
		Strs("roots", w.roots).
		Msg("Files capture started")

	artifact, err := w.captureFilesArtifact(ctx, snap, effective, cutoff)
	if err != nil {
		return w.finalizeFailed(snap.ID, start, err)
	}

	finalizeErr := w.catalog.Finalize(snap.ID, func(s *Snapshot) {
		now := time.Now().UTC()
		s.Status = StatusCompleted
		s.CompletedAt = &now
		s.Duration = time.Since(start).Milliseconds()
		s.SizeBytes = artifact.size
		s.Checksum = artifact.checksum
		s.Files = artifact.entries
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
		Int("files", len(final.Files)).
		Int64("size_bytes", final.SizeBytes).
		Int64("duration_ms", final.Duration).
		Msg("Files capture completed")
	return final, nil
}

type filesArtifact struct {
	entries  []FileEntry
	checksum string
	size     int64
}

func (w *Writer) captureFilesArtifact(ctx context.Context, snap *Snapshot, mode Mode, cutoff time.Time) (*filesArtifact, error) {
	aw, err := NewArchiveWriter(snap.FilePath, w.cfg.Archive)
	if err != nil {
		return nil, err
	}

	var entries []FileEntry
	for i, root := range w.roots {
		walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				// A missing root is an empty capture, not a failure.
				if os.IsNotExist(err) && p == root {
					return filepath.SkipDir
				}
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("capture canceled: %w", ctxErr)
			}
			if !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", p, err)
			}
			if mode == ModeIncremental && !info.ModTime().After(cutoff) {
				return nil
			}

			entry, err := w.addFileEntry(aw, root, i, p, info)
			if err != nil {
				return err
			}
			entries = append(entries, *entry)
			return nil
		})
		if walkErr != nil {
			aw.Abort()
			return nil, fmt.Errorf("walk %s: %w", root, walkErr)
		}
	}

	manifest, err := json.Marshal(archiveManifest{
		ID:        snap.ID,
		Kind:      snap.Kind,
		Mode:      mode,
		CreatedAt: snap.CreatedAt,
		Files:     entries,
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
	return &filesArtifact{entries: entries, checksum: checksum, size: size}, nil
}

// addFileEntry streams one file into the artifact, hashing it as it goes.
func (w *Writer) addFileEntry(aw *ArchiveWriter, root string, rootIdx int, p string, info fs.FileInfo) (*FileEntry, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return nil, fmt.Errorf("relativize %s: %w", p, err)
	}
	stored := path.Join("files", fmt.Sprintf("%d", rootIdx), filepath.ToSlash(rel))

	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if err := aw.AddFile(stored, info.Size(), info.ModTime(), io.TeeReader(f, h)); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	return &FileEntry{
		OriginalPath: abs,
		StoredPath:   stored,
		SizeBytes:    info.Size(),
		Checksum:     hex.EncodeToString(h.Sum(nil)),
		ModTime:      info.ModTime().UTC(),
	}, nil
}
