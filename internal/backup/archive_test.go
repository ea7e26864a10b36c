// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestArchive(t *testing.T, path string, opts ArchiveOptions, entries map[string][]byte) (string, int64) {
	t.Helper()
	aw, err := NewArchiveWriter(path, opts)
	if err != nil {
		t.Fatalf("NewArchiveWriter: %v", err)
	}
	for name, data := range entries {
		if err := aw.AddBytes(name, data, time.Now()); err != nil {
			t.Fatalf("AddBytes(%s): %v", name, err)
		}
	}
	checksum, size, err := aw.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	return checksum, size
}

func readTestArchive(t *testing.T, path string, opts ArchiveOptions) map[string][]byte {
	t.Helper()
	ar, err := OpenArchive(path, opts)
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer ar.Close()

	out := make(map[string][]byte)
	for {
		hdr, err := ar.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		data, err := ar.ReadEntry(hdr)
		if err != nil {
			t.Fatalf("ReadEntry(%s): %v", hdr.Name, err)
		}
		out[hdr.Name] = data
	}
	return out
}

func TestArchiveRoundTrip(t *testing.T) {
	entries := map[string][]byte{
		"snapshot.json":            []byte(`{"id":"db-1"}`),
		"database/users.json":      []byte(`{"name":"users","rows":[]}`),
		"files/0/uploads/note.txt": []byte("paciente anotou um sonho"),
	}

	cases := []struct {
		name string
		opts ArchiveOptions
	}{
		{"gzip", ArchiveOptions{Compression: CompressionGzip, Level: 6}},
		{"zstd", ArchiveOptions{Compression: CompressionZstd, Level: 3}},
		{"none", ArchiveOptions{Compression: CompressionNone}},
		{"gzip_encrypted", ArchiveOptions{Compression: CompressionGzip, Passphrase: "clinic-archive-passphrase"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "artifact")
			writeTestArchive(t, path, tc.opts, entries)

			got := readTestArchive(t, path, tc.opts)
			if len(got) != len(entries) {
				t.Fatalf("read %d entries, want %d", len(got), len(entries))
			}
			for name, want := range entries {
				if string(got[name]) != string(want) {
					t.Errorf("entry %s = %q, want %q", name, got[name], want)
				}
			}
		})
	}
}

func TestArchiveChecksumMatchesStoredBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact")
	checksum, size := writeTestArchive(t, path, ArchiveOptions{Compression: CompressionGzip},
		map[string][]byte{"snapshot.json": []byte("{}")})

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != size {
		t.Errorf("reported size %d, file size %d", size, info.Size())
	}

	recomputed, err := ChecksumFile(path)
	if err != nil {
		t.Fatalf("ChecksumFile: %v", err)
	}
	if recomputed != checksum {
		t.Errorf("writer checksum %s != recomputed %s", checksum, recomputed)
	}
}

func TestArchiveWrongPassphraseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact")
	opts := ArchiveOptions{Compression: CompressionGzip, Passphrase: "correct-passphrase-here"}
	writeTestArchive(t, path, opts, map[string][]byte{"snapshot.json": []byte("{}")})

	bad := opts
	bad.Passphrase = "wrong-passphrase-entirely"
	if _, err := OpenArchive(path, bad); err == nil {
		t.Error("OpenArchive with wrong passphrase succeeded; gzip header should not decrypt")
	}
}

func TestArchiveRejectsTraversalEntries(t *testing.T) {
	for _, name := range []string{"../escape", "/absolute", "a/../../b"} {
		if err := validateEntryName(name); err == nil {
			t.Errorf("validateEntryName(%q) accepted a traversal name", name)
		}
	}
	for _, name := range []string{"snapshot.json", "database/users.json", "files/0/a/b"} {
		if err := validateEntryName(name); err != nil {
			t.Errorf("validateEntryName(%q) = %v, want nil", name, err)
		}
	}
}

func TestArchiveWriterRefusesOverwriteAndAbortCleansUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact")
	writeTestArchive(t, path, ArchiveOptions{Compression: CompressionGzip},
		map[string][]byte{"snapshot.json": []byte("{}")})

	if _, err := NewArchiveWriter(path, ArchiveOptions{Compression: CompressionGzip}); err == nil {
		t.Error("NewArchiveWriter overwrote an existing artifact")
	}

	path2 := filepath.Join(dir, "aborted")
	aw, err := NewArchiveWriter(path2, ArchiveOptions{Compression: CompressionGzip})
	if err != nil {
		t.Fatalf("NewArchiveWriter: %v", err)
	}
	aw.Abort()
	if _, err := os.Stat(path2); !os.IsNotExist(err) {
		t.Error("Abort left a partial artifact behind")
	}
}
