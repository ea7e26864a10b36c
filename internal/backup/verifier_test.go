// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestVerifyCompletedSnapshot(t *testing.T) {
	store := newFakeStore("users", "diary_entries")
	w, catalog := newTestWriter(t, store, nil)

	snap, err := w.CaptureDatabase(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("CaptureDatabase: %v", err)
	}

	v := NewVerifier(catalog, testWriterConfig("").Archive)
	result, err := v.Verify(snap.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Valid || !result.ChecksumValid {
		t.Errorf("result = %+v, want valid", result)
	}
	if result.ActualChecksum != snap.Checksum {
		t.Error("actual checksum differs from the recorded one")
	}

	// Verification is advisory and repeatable.
	again, err := v.Verify(snap.ID)
	if err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if !again.Valid {
		t.Error("second verification flipped to invalid")
	}

	history := catalog.Verifications(snap.ID)
	if len(history) != 2 {
		t.Errorf("history has %d entries, want 2", len(history))
	}

	unchanged, err := catalog.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if unchanged.Status != StatusCompleted || unchanged.Checksum != snap.Checksum {
		t.Error("verification mutated the snapshot record")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	store := newFakeStore("users")
	w, catalog := newTestWriter(t, store, nil)

	snap, err := w.CaptureDatabase(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("CaptureDatabase: %v", err)
	}

	f, err := os.OpenFile(snap.FilePath, os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	if _, err := f.Write([]byte{0x00}); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	f.Close() //nolint:errcheck

	v := NewVerifier(catalog, testWriterConfig("").Archive)
	result, err := v.Verify(snap.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid || result.ChecksumValid {
		t.Errorf("result = %+v, want checksum mismatch", result)
	}
	if result.Message == "" {
		t.Error("mismatch produced no message")
	}
}

func TestVerifyMissingArtifact(t *testing.T) {
	store := newFakeStore("users")
	w, catalog := newTestWriter(t, store, nil)

	snap, err := w.CaptureDatabase(context.Background(), ModeFull)
	if err != nil {
		t.Fatalf("CaptureDatabase: %v", err)
	}
	if err := os.Remove(snap.FilePath); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	v := NewVerifier(catalog, testWriterConfig("").Archive)
	result, err := v.Verify(snap.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid {
		t.Error("missing artifact verified as valid")
	}
}

func TestVerifyNonCompletedSnapshot(t *testing.T) {
	dir := t.TempDir()
	catalog, err := OpenCatalog(dir)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	snap := newTestSnapshot("database-20260101-000000-aaaa", KindDatabase, time.Now().UTC())
	mustRecord(t, catalog, snap)

	v := NewVerifier(catalog, testWriterConfig("").Archive)
	result, err := v.Verify(snap.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid {
		t.Error("pending snapshot verified as valid")
	}
}

func TestVerifyUnknownID(t *testing.T) {
	dir := t.TempDir()
	catalog, err := OpenCatalog(dir)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}

	v := NewVerifier(catalog, testWriterConfig("").Archive)
	if _, err := v.Verify("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestVerifyFilesSnapshotReportsMissingEntries(t *testing.T) {
	dir := t.TempDir()
	catalog, err := OpenCatalog(dir)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}

	// Artifact holds one entry; the catalog record claims two.
	opts := testWriterConfig("").Archive
	artifact := filepath.Join(dir, "files-test.tar.gz")
	aw, err := NewArchiveWriter(artifact, opts)
	if err != nil {
		t.Fatalf("NewArchiveWriter: %v", err)
	}
	if err := aw.AddBytes("files/0/present.txt", []byte("aqui"), time.Now()); err != nil {
		t.Fatalf("AddBytes: %v", err)
	}
	checksum, size, err := aw.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	snap := newTestSnapshot("files-20260101-000000-bbbb", KindFiles, time.Now().UTC())
	mustRecord(t, catalog, snap)
	err = catalog.Finalize(snap.ID, func(s *Snapshot) {
		now := time.Now().UTC()
		s.Status = StatusCompleted
		s.CompletedAt = &now
		s.FilePath = artifact
		s.Checksum = checksum
		s.SizeBytes = size
		s.Files = []FileEntry{
			{StoredPath: "files/0/present.txt", SizeBytes: 4},
			{StoredPath: "files/0/gone.txt", SizeBytes: 9},
		}
	})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	v := NewVerifier(catalog, opts)
	result, err := v.Verify(snap.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid {
		t.Error("snapshot with missing entries verified as valid")
	}
	if len(result.MissingItems) != 1 || result.MissingItems[0] != "files/0/gone.txt" {
		t.Errorf("missing = %v, want files/0/gone.txt", result.MissingItems)
	}
}
