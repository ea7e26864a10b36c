// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

// Package store adapts the CÁRIS DuckDB database to the backup subsystem.
// It dumps and rebuilds whole tables as logical JSON-friendly rows, so
// artifacts stay restorable across DuckDB storage-format upgrades.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/caris-health/caris-backup/internal/backup"
	"github.com/caris-health/caris-backup/internal/logging"
)

// changeColumns are the timestamp columns probed by ChangedSince, in
// preference order. Tables without any of them cannot be proven unchanged.
var changeColumns = []string{"updated_at", "created_at", "timestamp", "data_registro"}

// DuckDB implements backup.Store over the CÁRIS database file.
type DuckDB struct {
	conn *sql.DB
	path string
}

// Open connects to the database file, creating the parent directory if
// needed. The connection is read-write: restoration rebuilds tables in
// place.
func Open(path string) (*DuckDB, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	connStr := path + "?access_mode=read_write&autoinstall_known_extensions=false&autoload_known_extensions=false"
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logging.Info().Str("path", path).Msg("Database opened")
	return &DuckDB{conn: conn, path: path}, nil
}

// Close releases the database connection.
func (d *DuckDB) Close() error {
	return d.conn.Close()
}

// Ping reports database liveness, used by the readiness probe.
func (d *DuckDB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// Tables returns all base tables in the main schema, alphabetically.
func (d *DuckDB) Tables(ctx context.Context) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'main' AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// ChangedSince reports whether a table has rows stamped after the cutoff.
// Tables without a recognized timestamp column are reported as changed;
// an incremental capture must never silently drop them.
func (d *DuckDB) ChangedSince(ctx context.Context, table string, cutoff time.Time) (bool, error) {
	cols, err := d.timestampColumns(ctx, table)
	if err != nil {
		return false, err
	}
	if len(cols) == 0 {
		return true, nil
	}

	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		conds[i] = quoteIdent(col) + " > ?"
		args[i] = cutoff
	}
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE %s)",
		quoteIdent(table), strings.Join(conds, " OR "))

	var changed bool
	if err := d.conn.QueryRowContext(ctx, query, args...).Scan(&changed); err != nil {
		return false, fmt.Errorf("probe changes in %s: %w", table, err)
	}
	return changed, nil
}

func (d *DuckDB) timestampColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = 'main' AND table_name = ?
		  AND data_type LIKE 'TIMESTAMP%'`, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close() //nolint:errcheck

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		present[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var cols []string
	for _, candidate := range changeColumns {
		if present[candidate] {
			cols = append(cols, candidate)
		}
	}
	return cols, nil
}

// DumpTable captures one table's schema and rows.
func (d *DuckDB) DumpTable(ctx context.Context, table string) (*backup.TableDump, error) {
	createSQL, err := d.createStatement(ctx, table)
	if err != nil {
		return nil, err
	}

	rows, err := d.conn.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}

	dump := &backup.TableDump{Name: table, CreateSQL: createSQL, Columns: cols}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row of %s: %w", table, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		dump.Rows = append(dump.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	dump.RowCount = int64(len(dump.Rows))
	return dump, nil
}

func (d *DuckDB) createStatement(ctx context.Context, table string) (string, error) {
	var createSQL string
	err := d.conn.QueryRowContext(ctx,
		"SELECT sql FROM duckdb_tables() WHERE schema_name = 'main' AND table_name = ?",
		table).Scan(&createSQL)
	if err != nil {
		return "", fmt.Errorf("schema of %s: %w", table, err)
	}
	return createSQL, nil
}

// normalizeValue flattens driver types into JSON-stable values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// RestoreTable rebuilds one table from its dump inside a transaction, so
// a failing row never leaves the table half-replaced.
func (d *DuckDB) RestoreTable(ctx context.Context, dump *backup.TableDump) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore of %s: %w", dump.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(dump.Name)); err != nil {
		return fmt.Errorf("drop %s: %w", dump.Name, err)
	}
	if _, err := tx.ExecContext(ctx, dump.CreateSQL); err != nil {
		return fmt.Errorf("recreate %s: %w", dump.Name, err)
	}

	if len(dump.Rows) > 0 {
		if err := insertRows(ctx, tx, dump); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore of %s: %w", dump.Name, err)
	}

	logging.Debug().
		Str("table", dump.Name).
		Int64("rows", dump.RowCount).
		Msg("Table restored")
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, dump *backup.TableDump) error {
	quoted := make([]string, len(dump.Columns))
	holes := make([]string, len(dump.Columns))
	for i, col := range dump.Columns {
		quoted[i] = quoteIdent(col)
		holes[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(dump.Name), strings.Join(quoted, ", "), strings.Join(holes, ", "))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", dump.Name, err)
	}
	defer stmt.Close() //nolint:errcheck

	for i, row := range dump.Rows {
		args := make([]any, len(dump.Columns))
		for j, col := range dump.Columns {
			args[j] = row[col]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d into %s: %w", i, dump.Name, err)
		}
	}
	return nil
}

// Checkpoint flushes the write-ahead log into the database file.
func (d *DuckDB) Checkpoint(ctx context.Context) error {
	if _, err := d.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// quoteIdent double-quotes an identifier for safe interpolation.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
