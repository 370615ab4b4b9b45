// Package mssql implements a SQL Server-backed warehouse.Repository using
// database/sql and the go-mssqldb driver. Upserts run as per-row MERGE
// statements inside one transaction; SQL Server has no ON CONFLICT
// clause, and MERGE keyed on the primary key gives the same idempotent
// semantics.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"retailetl/internal/warehouse"
)

func init() {
	warehouse.Register("mssql", func(ctx context.Context, cfg warehouse.Config) (warehouse.Repository, error) {
		return NewRepository(ctx, cfg.DSN)
	})
}

// Repository is a SQL Server-backed warehouse.
type Repository struct {
	db *sql.DB
}

// NewRepository opens a SQL Server connection for dsn and verifies it.
func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("mssql: DSN must not be empty")
	}

	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}

	return &Repository{db: db}, nil
}

// BulkUpsert implements warehouse.Repository.
func (r *Repository) BulkUpsert(ctx context.Context, table string, columns, keyColumns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: BulkUpsert: columns must not be empty")
	}
	if len(keyColumns) == 0 {
		return 0, fmt.Errorf("mssql: BulkUpsert: key columns must not be empty")
	}
	if len(rows) == 0 {
		return 0, nil
	}

	stmtSQL := mergeSQL(table, columns, keyColumns)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("mssql: prepare merge: %w", err)
	}
	defer stmt.Close()

	var written int64
	for _, row := range rows {
		if len(row) != len(columns) {
			_ = tx.Rollback()
			return 0, fmt.Errorf("mssql: BulkUpsert: row length %d != columns length %d", len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("mssql: merge into %s: %w", table, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit: %w", err)
	}
	return written, nil
}

// CountQuery implements warehouse.Repository.
func (r *Repository) CountQuery(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("mssql: count query: %w", err)
	}
	return n, nil
}

// QueryStrings implements warehouse.Repository.
func (r *Repository) QueryStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("mssql: query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s sql.NullString
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("mssql: scan: %w", err)
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
		return fmt.Errorf("mssql: exec: %w", err)
	}
	return nil
}

// Close implements warehouse.Repository.
func (r *Repository) Close() { _ = r.db.Close() }

// mergeSQL builds a MERGE keyed on keyColumns with @pN parameters in
// column order.
func mergeSQL(table string, columns, keyColumns []string) string {
	keySet := make(map[string]struct{}, len(keyColumns))
	for _, k := range keyColumns {
		keySet[k] = struct{}{}
	}

	srcCols := make([]string, len(columns))
	for i, c := range columns {
		srcCols[i] = fmt.Sprintf("@p%d AS %s", i+1, c)
	}

	var on []string
	for _, k := range keyColumns {
		on = append(on, fmt.Sprintf("t.%s = s.%s", k, k))
	}

	var updates []string
	for _, c := range columns {
		if _, isKey := keySet[c]; !isKey {
			updates = append(updates, fmt.Sprintf("t.%s = s.%s", c, c))
		}
	}

	insertCols := strings.Join(columns, ", ")
	var insertVals []string
	for _, c := range columns {
		insertVals = append(insertVals, "s."+c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s AS t USING (SELECT %s) AS s ON (%s)",
		table, strings.Join(srcCols, ", "), strings.Join(on, " AND "))
	if len(updates) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(updates, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		insertCols, strings.Join(insertVals, ", "))
	return b.String()
}
