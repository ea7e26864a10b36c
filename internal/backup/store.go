// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"context"
	"time"
)

// TableDump is one table's logical dump: schema plus rows, sufficient to
// rebuild the table from scratch on restore.
type TableDump struct {
	Name      string           `json:"name"`
	CreateSQL string           `json:"create_sql"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int64            `json:"row_count"`
}

// Store abstracts the relational database for capture and restoration.
// The DuckDB implementation lives in internal/store.
type Store interface {
	// Tables returns the names of all user tables, in a stable order.
	Tables(ctx context.Context) ([]string, error)

	// ChangedSince reports whether the table has rows created or updated
	// after the cutoff. Implementations that cannot prove a table
	// unchanged must return true.
	ChangedSince(ctx context.Context, table string, cutoff time.Time) (bool, error)

	// DumpTable captures one table's schema and rows.
	DumpTable(ctx context.Context, table string) (*TableDump, error)

	// RestoreTable rebuilds one table from a dump, replacing the current
	// contents atomically.
	RestoreTable(ctx context.Context, dump *TableDump) error

	// Checkpoint flushes pending writes before a capture.
	Checkpoint(ctx context.Context) error
}
