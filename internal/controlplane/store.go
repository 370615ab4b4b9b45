package controlplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Default control-plane driver.
	_ "modernc.org/sqlite"
)

// Store provides durable access to the control-plane tables. It wraps an
// explicit *sql.DB handle passed in by the caller; there is no package-wide
// singleton connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an already-open control database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open opens the control database at dsn using the SQLite driver and
// verifies connectivity. The returned close function must be called when
// the store is no longer needed.
//
// Example DSNs:
//
//	"file:etl_control.db?cache=shared"
//	":memory:"
func Open(ctx context.Context, dsn string) (*Store, func(), error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, nil, fmt.Errorf("controlplane: DSN must not be empty")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("controlplane: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("controlplane: ping: %w", err)
	}

	// Enforce FK integrity between log tables; ignore if unsupported.
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON;")

	return NewStore(db), func() { db.Close() }, nil
}

// DB exposes the underlying handle for schema bootstrap.
func (s *Store) DB() *sql.DB { return s.db }

// GetPipeline fetches a pipeline definition by name.
func (s *Store) GetPipeline(ctx context.Context, name string) (PipelineDefinition, error) {
	const q = `
		SELECT pipeline_name, source_name, load_strategy, schedule, is_active, created_at, updated_at
		FROM pipeline_md
		WHERE pipeline_name = ?`

	var (
		p      PipelineDefinition
		active int
	)
	err := s.db.QueryRowContext(ctx, q, name).Scan(
		&p.Name, &p.SourceName, (*string)(&p.LoadStrategy), &p.Schedule, &active, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return PipelineDefinition{}, &NotFoundError{Kind: "pipeline", Name: name}
	}
	if err != nil {
		return PipelineDefinition{}, fmt.Errorf("controlplane: get pipeline %q: %w", name, err)
	}
	p.IsActive = active != 0
	return p, nil
}

// IsActive reports whether the named pipeline exists and is active.
func (s *Store) IsActive(ctx context.Context, name string) (bool, error) {
	p, err := s.GetPipeline(ctx, name)
	if err != nil {
		return false, err
	}
	return p.IsActive, nil
}

// ListActivePipelines returns every active pipeline, ordered by name.
func (s *Store) ListActivePipelines(ctx context.Context) ([]PipelineDefinition, error) {
	const q = `
		SELECT pipeline_name, source_name, load_strategy, schedule, is_active, created_at, updated_at
		FROM pipeline_md
		WHERE is_active = 1
		ORDER BY pipeline_name`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("controlplane: list active pipelines: %w", err)
	}
	defer rows.Close()

	var out []PipelineDefinition
	for rows.Next() {
		var (
			p      PipelineDefinition
			active int
		)
		if err := rows.Scan(&p.Name, &p.SourceName, (*string)(&p.LoadStrategy), &p.Schedule, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("controlplane: scan pipeline: %w", err)
		}
		p.IsActive = active != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetTable fetches a table definition by name.
func (s *Store) GetTable(ctx context.Context, name string) (TableDefinition, error) {
	const q = `
		SELECT table_name, layer, source_name, grain, primary_key, load_strategy,
		       watermark_column, last_loaded_value, row_count, is_active, created_at, updated_at
		FROM table_md
		WHERE table_name = ?`

	t, err := scanTable(s.db.QueryRowContext(ctx, q, name))
	if errors.Is(err, sql.ErrNoRows) {
		return TableDefinition{}, &NotFoundError{Kind: "table", Name: name}
	}
	if err != nil {
		return TableDefinition{}, fmt.Errorf("controlplane: get table %q: %w", name, err)
	}
	return t, nil
}

// TableMapping returns the active tables mapped to a pipeline, ordered
// ascending by load_order with ties broken by table name. load_order is
// compared numerically in SQL via CAST; values that fail the cast are left
// for the planner to reject.
func (s *Store) TableMapping(ctx context.Context, pipelineName string) ([]MappedTable, error) {
	if _, err := s.GetPipeline(ctx, pipelineName); err != nil {
		return nil, err
	}

	const q = `
		SELECT tm.table_name, tm.layer, tm.source_name, tm.grain, tm.primary_key, tm.load_strategy,
		       tm.watermark_column, tm.last_loaded_value, tm.row_count, tm.is_active, tm.created_at, tm.updated_at,
		       ptm.load_order, ptm.table_role
		FROM pipeline_table_map ptm
		JOIN table_md tm ON ptm.table_name = tm.table_name
		WHERE ptm.pipeline_name = ? AND tm.is_active = 1
		ORDER BY CAST(ptm.load_order AS INTEGER), tm.table_name`

	rows, err := s.db.QueryContext(ctx, q, pipelineName)
	if err != nil {
		return nil, fmt.Errorf("controlplane: table mapping for %q: %w", pipelineName, err)
	}
	defer rows.Close()

	var out []MappedTable
	for rows.Next() {
		var (
			t         TableDefinition
			pk        string
			wmCol     sql.NullString
			lastVal   sql.NullString
			active    int
			loadOrder string
			role      string
		)
		err := rows.Scan(
			&t.Name, &t.Layer, &t.SourceName, &t.Grain, &pk, (*string)(&t.LoadStrategy),
			&wmCol, &lastVal, &t.RowCount, &active, &t.CreatedAt, &t.UpdatedAt,
			&loadOrder, &role,
		)
		if err != nil {
			return nil, fmt.Errorf("controlplane: scan mapping row: %w", err)
		}
		t.PrimaryKey = splitKey(pk)
		t.WatermarkColumn = wmCol.String
		t.LastLoadedValue = lastVal.String
		t.IsActive = active != 0
		out = append(out, MappedTable{Table: t, Role: TableRole(role), LoadOrder: loadOrder})
	}
	return out, rows.Err()
}

// CommitTableLoadResult is the single mutation point for table_md. It
// records the table's new row count and advanced watermark, and is applied
// by the orchestrator only after the table's load has succeeded and the
// run's validation gate has passed.
func (s *Store) CommitTableLoadResult(ctx context.Context, tableName string, rowCount int64, newWatermark string) error {
	const q = `
		UPDATE table_md
		SET last_loaded_value = ?, row_count = ?, updated_at = ?
		WHERE table_name = ?`

	wm := sql.NullString{String: newWatermark, Valid: newWatermark != ""}
	res, err := s.db.ExecContext(ctx, q, wm, rowCount, utcNow(s.now), tableName)
	if err != nil {
		return fmt.Errorf("controlplane: commit load result for %q: %w", tableName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("controlplane: commit load result for %q: %w", tableName, err)
	}
	if n == 0 {
		return &NotFoundError{Kind: "table", Name: tableName}
	}
	return nil
}

// RegisterPipeline inserts a pipeline definition. Used by bootstrap and
// administrative tooling, never during execution.
func (s *Store) RegisterPipeline(ctx context.Context, p PipelineDefinition) error {
	const q = `
		INSERT INTO pipeline_md (pipeline_name, source_name, load_strategy, schedule, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	ts := utcNow(s.now)
	active := 0
	if p.IsActive {
		active = 1
	}
	if _, err := s.db.ExecContext(ctx, q, p.Name, p.SourceName, string(p.LoadStrategy), p.Schedule, active, ts, ts); err != nil {
		return fmt.Errorf("controlplane: register pipeline %q: %w", p.Name, err)
	}
	return nil
}

// RegisterTable inserts a table definition with zero row count and no
// watermark.
func (s *Store) RegisterTable(ctx context.Context, t TableDefinition) error {
	const q = `
		INSERT INTO table_md (table_name, layer, source_name, grain, primary_key, load_strategy,
		                      watermark_column, last_loaded_value, row_count, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 0, ?, ?, ?)`

	ts := utcNow(s.now)
	active := 0
	if t.IsActive {
		active = 1
	}
	wm := sql.NullString{String: t.WatermarkColumn, Valid: t.WatermarkColumn != ""}
	_, err := s.db.ExecContext(ctx, q,
		t.Name, t.Layer, t.SourceName, t.Grain, strings.Join(t.PrimaryKey, ","), string(t.LoadStrategy),
		wm, active, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("controlplane: register table %q: %w", t.Name, err)
	}
	return nil
}

// MapTable associates a table with a pipeline at the given load order.
func (s *Store) MapTable(ctx context.Context, pipelineName, tableName, loadOrder string, role TableRole) error {
	const q = `
		INSERT INTO pipeline_table_map (pipeline_name, table_name, load_order, table_role)
		VALUES (?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q, pipelineName, tableName, loadOrder, string(role)); err != nil {
		return fmt.Errorf("controlplane: map table %q to pipeline %q: %w", tableName, pipelineName, err)
	}
	return nil
}

// DeactivatePipeline flips a pipeline's active flag off.
func (s *Store) DeactivatePipeline(ctx context.Context, name string) error {
	const q = `UPDATE pipeline_md SET is_active = 0, updated_at = ? WHERE pipeline_name = ?`

	res, err := s.db.ExecContext(ctx, q, utcNow(s.now), name)
	if err != nil {
		return fmt.Errorf("controlplane: deactivate pipeline %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "pipeline", Name: name}
	}
	return nil
}

func scanTable(row *sql.Row) (TableDefinition, error) {
	var (
		t       TableDefinition
		pk      string
		wmCol   sql.NullString
		lastVal sql.NullString
		active  int
	)
	err := row.Scan(
		&t.Name, &t.Layer, &t.SourceName, &t.Grain, &pk, (*string)(&t.LoadStrategy),
		&wmCol, &lastVal, &t.RowCount, &active, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return TableDefinition{}, err
	}
	t.PrimaryKey = splitKey(pk)
	t.WatermarkColumn = wmCol.String
	t.LastLoadedValue = lastVal.String
	t.IsActive = active != 0
	return t, nil
}

// splitKey parses the comma-separated primary_key column.
func splitKey(pk string) []string {
	parts := strings.Split(pk, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
