// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/caris-health/caris-backup/internal/logging"
)

// Verifier checks snapshot integrity against the catalog's recorded
// checksums. Verification is advisory: results are appended to the
// snapshot's verification history, but the snapshot record itself is
// never mutated, so repeated runs are idempotent.
type Verifier struct {
	catalog *Catalog
	archive ArchiveOptions
}

// NewVerifier wires a verifier against the catalog.
func NewVerifier(catalog *Catalog, archive ArchiveOptions) *Verifier {
	return &Verifier{catalog: catalog, archive: archive}
}

// Verify checks one snapshot. For every kind the stored artifact bytes are
// rehashed and compared with the recorded checksum. For files snapshots
// the artifact is additionally walked to confirm every recorded entry is
// present and non-empty.
//
// An unknown id returns ErrNotFound; everything else is reported inside
// the result, with Valid false.
func (v *Verifier) Verify(id string) (*VerificationResult, error) {
	snap, err := v.catalog.Get(id)
	if err != nil {
		return nil, err
	}

	result := &VerificationResult{
		SnapshotID:       snap.ID,
		Kind:             snap.Kind,
		CheckedAt:        time.Now().UTC(),
		ExpectedChecksum: snap.Checksum,
	}

	if snap.Status != StatusCompleted {
		result.Message = fmt.Sprintf("snapshot is %s, only completed snapshots are verifiable", snap.Status)
		return v.record(result)
	}

	actual, err := ChecksumFile(snap.FilePath)
	if err != nil {
		result.Message = fmt.Sprintf("artifact unreadable: %v", err)
		return v.record(result)
	}
	result.ActualChecksum = actual
	result.ChecksumValid = actual == snap.Checksum

	if !result.ChecksumValid {
		result.Message = "checksum mismatch: artifact bytes do not match the cataloged checksum"
		return v.record(result)
	}

	if snap.Kind == KindFiles {
		missing, err := v.checkEntries(snap)
		if err != nil {
			result.Message = fmt.Sprintf("artifact walk failed: %v", err)
			return v.record(result)
		}
		if len(missing) > 0 {
			result.MissingItems = missing
			result.Message = fmt.Sprintf("%d recorded entries missing or empty in artifact", len(missing))
			return v.record(result)
		}
	}

	result.Valid = true
	result.Message = "snapshot verified"
	return v.record(result)
}

// checkEntries walks the artifact and returns recorded file entries that
// are absent or empty.
func (v *Verifier) checkEntries(snap *Snapshot) ([]string, error) {
	ar, err := OpenArchive(snap.FilePath, v.archive)
	if err != nil {
		return nil, err
	}
	defer ar.Close() //nolint:errcheck

	present := make(map[string]int64)
	for {
		hdr, err := ar.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		present[hdr.Name] = hdr.Size
	}

	var missing []string
	for _, entry := range snap.Files {
		size, ok := present[entry.StoredPath]
		if !ok || (size == 0 && entry.SizeBytes > 0) {
			missing = append(missing, entry.StoredPath)
		}
	}
	return missing, nil
}

func (v *Verifier) record(result *VerificationResult) (*VerificationResult, error) {
	if err := v.catalog.RecordVerification(*result); err != nil {
		logging.Warn().
			Err(err).
			Str("snapshot_id", result.SnapshotID).
			Msg("Failed to record verification result")
	}

	logging.Info().
		Str("snapshot_id", result.SnapshotID).
		Bool("valid", result.Valid).
		Str("message", result.Message).
		Msg("Snapshot verification finished")
	return result, nil
}
