// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// manifestEntryName is the fixed entry holding the snapshot manifest
// inside every artifact.
const manifestEntryName = "snapshot.json"

// archiveManifest is the self-describing record embedded in each artifact.
// It mirrors the catalog entry so an artifact remains restorable even if
// the catalog is lost.
type archiveManifest struct {
	ID        string       `json:"id"`
	Kind      Kind         `json:"kind"`
	Mode      Mode         `json:"mode"`
	CreatedAt time.Time    `json:"created_at"`
	Tables    []TableEntry `json:"tables,omitempty"`
	Files     []FileEntry  `json:"files,omitempty"`
}

// WriterConfig holds the capture-side settings shared by both writers.
type WriterConfig struct {
	// Dir is the artifact directory; the catalog lives alongside.
	Dir string

	Archive ArchiveOptions
}

// Writer captures snapshots of the CÁRIS data sources. A pending catalog
// record is created before capture begins and finalized to completed or
// failed when it ends; no other transitions exist.
type Writer struct {
	catalog *Catalog
	store   Store
	roots   []string
	cfg     WriterConfig
}

// NewWriter wires a snapshot writer for the given sources.
func NewWriter(catalog *Catalog, store Store, fileRoots []string, cfg WriterConfig) *Writer {
	return &Writer{catalog: catalog, store: store, roots: fileRoots, cfg: cfg}
}

// newSnapshotID mints an opaque, sortable snapshot id.
func newSnapshotID(kind Kind, now time.Time) string {
	short := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s-%s-%s", kind, now.UTC().Format("20060102-150405"), short)
}

// artifactName derives the on-disk artifact filename for a snapshot id.
func artifactName(id string, opts ArchiveOptions) string {
	ext := ".tar.gz"
	switch opts.Compression {
	case CompressionZstd:
		ext = ".tar.zst"
	case CompressionNone:
		ext = ".tar"
	}
	if opts.Passphrase != "" {
		ext += ".enc"
	}
	return id + ext
}

// resolveMode degrades an incremental capture to full when no completed
// snapshot of the kind exists, returning the effective mode and the
// incremental cutoff.
func (w *Writer) resolveMode(kind Kind, mode Mode) (Mode, time.Time) {
	if mode != ModeIncremental {
		return ModeFull, time.Time{}
	}
	prior, err := w.catalog.LatestCompleted(kind)
	if err != nil {
		return ModeFull, time.Time{}
	}
	return ModeIncremental, prior.CreatedAt
}
