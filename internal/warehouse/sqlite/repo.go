// Package sqlite implements a SQLite-backed warehouse.Repository using
// database/sql. Upserts run as prepared INSERT ... ON CONFLICT statements
// inside a single transaction; SQLite has no bulk-load API, but one
// transaction per batch keeps performance acceptable for the volumes this
// system loads.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"retailetl/internal/warehouse"
)

func init() {
	warehouse.Register("sqlite", func(ctx context.Context, cfg warehouse.Config) (warehouse.Repository, error) {
		return NewRepository(ctx, cfg.DSN)
	})
}

// Repository is a SQLite-backed warehouse.
type Repository struct {
	db *sql.DB
}

// NewRepository opens a SQLite connection for dsn and verifies it.
//
// Example DSNs:
//
//	"file:retail_sales.db?cache=shared"
//	":memory:"
func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON;")

	return &Repository{db: db}, nil
}

// New wraps an existing handle; used by tests and the bootstrap tooling.
func New(db *sql.DB) *Repository { return &Repository{db: db} }

// BulkUpsert implements warehouse.Repository. Non-key columns are updated
// from the excluded row on conflict, so reloading identical rows is a
// no-op rather than a constraint violation.
func (r *Repository) BulkUpsert(ctx context.Context, table string, columns, keyColumns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("sqlite: BulkUpsert: columns must not be empty")
	}
	if len(keyColumns) == 0 {
		return 0, fmt.Errorf("sqlite: BulkUpsert: key columns must not be empty")
	}
	if len(rows) == 0 {
		return 0, nil
	}

	stmtSQL, err := upsertSQL(table, columns, keyColumns)
	if err != nil {
		return 0, fmt.Errorf("sqlite: BulkUpsert: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: prepare upsert: %w", err)
	}
	defer stmt.Close()

	var written int64
	for _, row := range rows {
		if len(row) != len(columns) {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: BulkUpsert: row length %d != columns length %d", len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: upsert into %s: %w", table, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return written, nil
}

// CountQuery implements warehouse.Repository.
func (r *Repository) CountQuery(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count query: %w", err)
	}
	return n, nil
}

// QueryStrings implements warehouse.Repository.
func (r *Repository) QueryStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s sql.NullString
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out = append(out, s.String)
	}
	return out, rows.Err()
}

// Exec implements warehouse.Repository.
func (r *Repository) Exec(ctx context.Context, stmt string) error {
	if strings.TrimSpace(stmt) == "" {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("sqlite: exec: %w", err)
	}
	return nil
}

// Close implements warehouse.Repository.
func (r *Repository) Close() { _ = r.db.Close() }

// upsertSQL builds INSERT ... ON CONFLICT (keys) DO UPDATE. When every
// column is part of the key there is nothing to update and the conflict
// action degrades to DO NOTHING.
func upsertSQL(table string, columns, keyColumns []string) (string, error) {
	keySet := make(map[string]struct{}, len(keyColumns))
	for _, k := range keyColumns {
		keySet[k] = struct{}{}
	}

	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}

	var updates []string
	for _, c := range columns {
		if _, isKey := keySet[c]; !isKey {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(keyColumns, ", "),
		conflict,
	), nil
}
