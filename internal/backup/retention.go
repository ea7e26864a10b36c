// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"os"
	"time"

	"github.com/caris-health/caris-backup/internal/logging"
	"github.com/caris-health/caris-backup/internal/metrics"
)

// RetentionPolicy bounds how many snapshots are kept per kind and how old
// they may get. Disabled by default; snapshots are clinical data and are
// only ever pruned on explicit operator opt-in.
type RetentionPolicy struct {
	Enabled    bool
	MaxCount   int
	MaxAgeDays int
}

// EnforceRetention removes snapshots exceeding the policy, oldest first.
// Counting is per kind so a burst of database snapshots never evicts the
// files history. Pending snapshots are never touched. The artifact file is
// removed before the catalog record, so an interrupted pass leaves a
// record pointing at a missing artifact rather than an orphaned artifact.
func EnforceRetention(catalog *Catalog, policy RetentionPolicy) int {
	if !policy.Enabled {
		return 0
	}

	removed := 0
	for _, kind := range []Kind{KindDatabase, KindFiles} {
		removed += enforceKind(catalog, policy, kind)
	}
	if removed > 0 {
		logging.Info().Int("removed", removed).Msg("Retention enforced")
	}
	return removed
}

func enforceKind(catalog *Catalog, policy RetentionPolicy, kind Kind) int {
	snaps := catalog.List(ListOptions{Kind: &kind})

	var cutoff time.Time
	if policy.MaxAgeDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -policy.MaxAgeDays)
	}

	removed := 0
	kept := 0
	for _, snap := range snaps { // newest first
		if snap.Status == StatusPending {
			continue
		}

		tooMany := policy.MaxCount > 0 && kept >= policy.MaxCount
		tooOld := !cutoff.IsZero() && snap.CreatedAt.Before(cutoff)
		if !tooMany && !tooOld {
			kept++
			continue
		}

		if err := removeSnapshot(catalog, snap); err != nil {
			logging.Warn().
				Err(err).
				Str("snapshot_id", snap.ID).
				Msg("Retention removal failed, keeping snapshot")
			kept++
			continue
		}
		removed++
		metrics.RetentionRemovals.Inc()
	}
	return removed
}

func removeSnapshot(catalog *Catalog, snap *Snapshot) error {
	if snap.FilePath != "" {
		if err := os.Remove(snap.FilePath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := catalog.Remove(snap.ID); err != nil {
		return err
	}
	logging.Debug().
		Str("snapshot_id", snap.ID).
		Str("kind", string(snap.Kind)).
		Msg("Snapshot removed by retention")
	return nil
}
