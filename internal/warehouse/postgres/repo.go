// Package postgres implements a Postgres-backed warehouse.Repository on
// top of pgx/pgxpool. Upserts are sent as a single pgx batch of
// INSERT ... ON CONFLICT statements, which keeps round trips low without
// needing COPY (upsert semantics rule COPY out).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"retailetl/internal/warehouse"
)

func init() {
	warehouse.Register("postgres", func(ctx context.Context, cfg warehouse.Config) (warehouse.Repository, error) {
		return NewRepository(ctx, cfg.DSN)
	})
}

// Repository is a Postgres-backed warehouse.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository connects a pgx pool for dsn and verifies connectivity.
func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres: DSN must not be empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Repository{pool: pool}, nil
}

// BulkUpsert implements warehouse.Repository.
func (r *Repository) BulkUpsert(ctx context.Context, table string, columns, keyColumns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("postgres: BulkUpsert: columns must not be empty")
	}
	if len(keyColumns) == 0 {
		return 0, fmt.Errorf("postgres: BulkUpsert: key columns must not be empty")
	}
	if len(rows) == 0 {
		return 0, nil
	}

	stmtSQL := upsertSQL(table, columns, keyColumns)

	batch := &pgx.Batch{}
	for _, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("postgres: BulkUpsert: row length %d != columns length %d", len(row), len(columns))
		}
		batch.Queue(stmtSQL, row...)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	var written int64
	for range rows {
		if _, err := br.Exec(); err != nil {
			return written, fmt.Errorf("postgres: upsert into %s: %w", table, err)
		}
		written++
	}
	return written, nil
}

// CountQuery implements warehouse.Repository.
func (r *Repository) CountQuery(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count query: %w", err)
	}
	return n, nil
}

// QueryStrings implements warehouse.Repository.
func (r *Repository) QueryStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s sql.NullString
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
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
	if _, err := r.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("postgres: exec: %w", err)
	}
	return nil
}

// Close implements warehouse.Repository.
func (r *Repository) Close() { r.pool.Close() }

func upsertSQL(table string, columns, keyColumns []string) string {
	keySet := make(map[string]struct{}, len(keyColumns))
	for _, k := range keyColumns {
		keySet[k] = struct{}{}
	}

	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
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
	)
}
