// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/caris-health/caris-backup/internal/logging"
)

// ErrNotFound is returned when a snapshot id is unknown to the catalog.
var ErrNotFound = errors.New("snapshot not found")

// ErrTerminalStatus is returned on an attempt to move a snapshot out of a
// terminal status.
var ErrTerminalStatus = errors.New("snapshot status is terminal")

const catalogFilename = "catalog.json"

// maximum verification results retained per snapshot
const verificationHistoryLimit = 20

// catalogFile is the on-disk shape of the catalog.
type catalogFile struct {
	Version       int                             `json:"version"`
	Snapshots     map[string]*Snapshot            `json:"snapshots"`
	Verifications map[string][]VerificationResult `json:"verifications,omitempty"`
	UpdatedAt     time.Time                       `json:"updated_at"`
}

// Catalog is the JSON-backed snapshot metadata store. It is the single
// source of truth for snapshot existence, status, and storage statistics.
// All mutations are persisted before they return.
type Catalog struct {
	path string

	mu            sync.RWMutex
	snapshots     map[string]*Snapshot
	verifications map[string][]VerificationResult
}

// OpenCatalog loads the catalog from dir, creating an empty one if none
// exists yet.
func OpenCatalog(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	c := &Catalog{
		path:          filepath.Join(dir, catalogFilename),
		snapshots:     make(map[string]*Snapshot),
		verifications: make(map[string][]VerificationResult),
	}

	if err := c.load(); err != nil {
		return nil, err
	}

	logging.Debug().
		Str("path", c.path).
		Int("snapshots", len(c.snapshots)).
		Msg("Backup catalog opened")

	return c, nil
}

func (c *Catalog) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read catalog: %w", err)
	}

	var f catalogFile
	if err := json.Unmarshal(data, &f); err != nil {
		// A corrupt catalog must not silently wipe history. Preserve the
		// bad file for inspection and start fresh.
		backup := c.path + ".corrupt"
		if renameErr := os.Rename(c.path, backup); renameErr == nil {
			logging.Warn().
				Err(err).
				Str("preserved", backup).
				Msg("Catalog file corrupt, preserved and reset")
			return nil
		}
		return fmt.Errorf("parse catalog: %w", err)
	}

	if f.Snapshots != nil {
		c.snapshots = f.Snapshots
	}
	if f.Verifications != nil {
		c.verifications = f.Verifications
	}
	return nil
}

// save persists the catalog atomically. Callers must hold c.mu.
func (c *Catalog) save() error {
	f := catalogFile{
		Version:       1,
		Snapshots:     c.snapshots,
		Verifications: c.verifications,
		UpdatedAt:     time.Now().UTC(),
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		return fmt.Errorf("sync catalog: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace catalog: %w", err)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // sync result is what matters
	return f.Sync()
}

// Record registers a new snapshot. The snapshot must be pending; its id
// must be unused.
func (c *Catalog) Record(snap *Snapshot) error {
	if snap.ID == "" {
		return errors.New("snapshot id is empty")
	}
	if snap.Status != StatusPending {
		return fmt.Errorf("new snapshot must be pending, got %q", snap.Status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.snapshots[snap.ID]; exists {
		return fmt.Errorf("snapshot %s already cataloged", snap.ID)
	}

	c.snapshots[snap.ID] = cloneSnapshot(snap)
	return c.save()
}

// Finalize moves a pending snapshot to a terminal status and persists the
// final artifact metadata. Terminal snapshots reject further transitions.
func (c *Catalog) Finalize(id string, update func(*Snapshot)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.snapshots[id]
	if !ok {
		return ErrNotFound
	}
	if snap.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrTerminalStatus, id, snap.Status)
	}

	update(snap)

	if snap.Status != StatusCompleted && snap.Status != StatusFailed {
		snap.Status = StatusFailed
		snap.Error = "finalize did not set a terminal status"
	}
	return c.save()
}

// Get returns a copy of the snapshot record.
func (c *Catalog) Get(id string) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

// List returns snapshots matching opts, newest first.
func (c *Catalog) List(opts ListOptions) []*Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*Snapshot, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		if opts.Kind != nil && snap.Kind != *opts.Kind {
			continue
		}
		if opts.Status != nil && snap.Status != *opts.Status {
			continue
		}
		result = append(result, cloneSnapshot(snap))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return []*Snapshot{}
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(result) {
		result = result[:opts.Limit]
	}
	return result
}

// LatestCompleted returns the newest completed snapshot of the given kind,
// or ErrNotFound when none exists. Incremental captures cut over from here.
func (c *Catalog) LatestCompleted(kind Kind) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var latest *Snapshot
	for _, snap := range c.snapshots {
		if snap.Kind != kind || snap.Status != StatusCompleted {
			continue
		}
		if latest == nil || snap.CreatedAt.After(latest.CreatedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneSnapshot(latest), nil
}

// Stats aggregates catalog contents. Artifact files on disk that the
// catalog does not know about are intentionally not counted.
func (c *Catalog) Stats() *Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := &Stats{
		ByKind:   make(map[Kind]int),
		ByStatus: make(map[Status]int),
	}

	for _, snap := range c.snapshots {
		stats.TotalBackups++
		stats.TotalSize += snap.SizeBytes
		stats.ByKind[snap.Kind]++
		stats.ByStatus[snap.Status]++

		created := snap.CreatedAt
		if stats.OldestBackup == nil || created.Before(*stats.OldestBackup) {
			t := created
			stats.OldestBackup = &t
		}
		if stats.NewestBackup == nil || created.After(*stats.NewestBackup) {
			t := created
			stats.NewestBackup = &t
		}
	}
	return stats
}

// RecordVerification appends an advisory verification result. The snapshot
// record itself is never touched.
func (c *Catalog) RecordVerification(result VerificationResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.snapshots[result.SnapshotID]; !ok {
		return ErrNotFound
	}

	history := append(c.verifications[result.SnapshotID], result)
	if len(history) > verificationHistoryLimit {
		history = history[len(history)-verificationHistoryLimit:]
	}
	c.verifications[result.SnapshotID] = history
	return c.save()
}

// Verifications returns the recorded verification history for a snapshot,
// oldest first.
func (c *Catalog) Verifications(id string) []VerificationResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := c.verifications[id]
	out := make([]VerificationResult, len(history))
	copy(out, history)
	return out
}

// Remove deletes a snapshot record and its verification history. The
// artifact file is the caller's responsibility.
func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.snapshots[id]; !ok {
		return ErrNotFound
	}
	delete(c.snapshots, id)
	delete(c.verifications, id)
	return c.save()
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	out := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Tables != nil {
		out.Tables = make([]TableEntry, len(s.Tables))
		copy(out.Tables, s.Tables)
	}
	if s.Files != nil {
		out.Files = make([]FileEntry, len(s.Files))
		copy(out.Files, s.Files)
	}
	return &out
}
