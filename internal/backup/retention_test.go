// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func recordCompleted(t *testing.T, c *Catalog, id string, kind Kind, createdAt time.Time, artifact string) {
	t.Helper()
	snap := newTestSnapshot(id, kind, createdAt)
	snap.FilePath = artifact
	mustRecord(t, c, snap)
	completeSnapshot(t, c, id, 10)
}

func TestEnforceRetentionDisabledRemovesNothing(t *testing.T) {
	c, err := OpenCatalog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		recordCompleted(t, c, newSnapshotID(KindDatabase, base), KindDatabase, base.Add(time.Duration(i)*time.Minute), "")
	}

	if removed := EnforceRetention(c, RetentionPolicy{MaxCount: 1}); removed != 0 {
		t.Errorf("removed %d snapshots with a disabled policy", removed)
	}
	if got := len(c.List(ListOptions{})); got != 5 {
		t.Errorf("%d snapshots remain, want 5", got)
	}
}

func TestEnforceRetentionMaxCountPerKind(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenCatalog(dir)
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	var artifacts []string
	for i := 0; i < 3; i++ {
		artifact := filepath.Join(dir, newSnapshotID(KindDatabase, base)+".tar.gz")
		if err := os.WriteFile(artifact, []byte("artifact"), 0o640); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
		artifacts = append(artifacts, artifact)
		recordCompleted(t, c, filepath.Base(artifact), KindDatabase, base.Add(time.Duration(i)*time.Minute), artifact)
	}
	// Files snapshots are counted separately and must survive.
	recordCompleted(t, c, newSnapshotID(KindFiles, base), KindFiles, base, "")

	removed := EnforceRetention(c, RetentionPolicy{Enabled: true, MaxCount: 1})
	if removed != 2 {
		t.Fatalf("removed %d snapshots, want 2", removed)
	}

	kind := KindDatabase
	dbRemaining := c.List(ListOptions{Kind: &kind})
	if len(dbRemaining) != 1 {
		t.Fatalf("%d database snapshots remain, want 1", len(dbRemaining))
	}
	// Newest survives; the two oldest artifacts are gone from disk.
	if dbRemaining[0].FilePath != artifacts[2] {
		t.Errorf("survivor = %s, want newest", dbRemaining[0].ID)
	}
	for _, artifact := range artifacts[:2] {
		if _, err := os.Stat(artifact); !os.IsNotExist(err) {
			t.Errorf("artifact %s still on disk", artifact)
		}
	}

	files := KindFiles
	if got := len(c.List(ListOptions{Kind: &files})); got != 1 {
		t.Errorf("%d files snapshots remain, want 1", got)
	}
}

func TestEnforceRetentionMaxAge(t *testing.T) {
	c, err := OpenCatalog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}

	now := time.Now().UTC()
	recordCompleted(t, c, "database-old", KindDatabase, now.AddDate(0, 0, -40), "")
	recordCompleted(t, c, "database-new", KindDatabase, now.Add(-time.Hour), "")

	removed := EnforceRetention(c, RetentionPolicy{Enabled: true, MaxAgeDays: 30})
	if removed != 1 {
		t.Fatalf("removed %d snapshots, want 1", removed)
	}
	if _, err := c.Get("database-old"); err == nil {
		t.Error("expired snapshot still in catalog")
	}
	if _, err := c.Get("database-new"); err != nil {
		t.Errorf("recent snapshot removed: %v", err)
	}
}

func TestEnforceRetentionSkipsPending(t *testing.T) {
	c, err := OpenCatalog(t.TempDir())
	if err != nil {
		t.Fatalf("OpenCatalog: %v", err)
	}

	now := time.Now().UTC()
	mustRecord(t, c, newTestSnapshot("database-pending", KindDatabase, now.AddDate(0, 0, -90)))
	recordCompleted(t, c, "database-done", KindDatabase, now, "")

	removed := EnforceRetention(c, RetentionPolicy{Enabled: true, MaxCount: 1, MaxAgeDays: 30})
	if removed != 0 {
		t.Errorf("removed %d snapshots, want 0", removed)
	}
	if _, err := c.Get("database-pending"); err != nil {
		t.Errorf("pending snapshot removed: %v", err)
	}
}
