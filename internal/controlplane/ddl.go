package controlplane

import (
	"context"
	"database/sql"
	"fmt"
)

// controlDDL creates the control-plane schema. The statements are written
// in the portable subset shared by SQLite and Postgres; types are logical
// (timestamps as ISO-8601 text, booleans as 0/1 integers).
var controlDDL = []string{
	`CREATE TABLE IF NOT EXISTS etl_run_log (
		run_id        TEXT PRIMARY KEY,
		pipeline_name TEXT NOT NULL,
		source_name   TEXT NOT NULL,
		status        TEXT NOT NULL,
		start_time    TEXT NOT NULL,
		end_time      TEXT,
		error_message TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS etl_stage_log (
		run_id        TEXT NOT NULL,
		stage_name    TEXT NOT NULL,
		status        TEXT NOT NULL,
		rows_in       INTEGER,
		rows_out      INTEGER,
		start_time    TEXT NOT NULL,
		end_time      TEXT,
		error_message TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (run_id, stage_name),
		FOREIGN KEY (run_id) REFERENCES etl_run_log (run_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_md (
		pipeline_name TEXT PRIMARY KEY,
		source_name   TEXT NOT NULL,
		load_strategy TEXT NOT NULL,
		schedule      TEXT NOT NULL,
		is_active     INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS table_md (
		table_name        TEXT PRIMARY KEY,
		layer             TEXT NOT NULL,
		source_name       TEXT NOT NULL,
		grain             TEXT NOT NULL,
		primary_key       TEXT NOT NULL,
		load_strategy     TEXT NOT NULL,
		watermark_column  TEXT,
		last_loaded_value TEXT,
		row_count         INTEGER NOT NULL DEFAULT 0,
		is_active         INTEGER NOT NULL DEFAULT 1,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`,
	// load_order is TEXT in the source schema; the run planner parses it
	// as an integer and rejects non-numeric values.
	`CREATE TABLE IF NOT EXISTS pipeline_table_map (
		pipeline_name TEXT NOT NULL,
		table_name    TEXT NOT NULL,
		load_order    TEXT NOT NULL,
		table_role    TEXT NOT NULL,
		PRIMARY KEY (pipeline_name, table_name),
		FOREIGN KEY (pipeline_name) REFERENCES pipeline_md (pipeline_name),
		FOREIGN KEY (table_name) REFERENCES table_md (table_name)
	)`,
}

// EnsureSchema creates the control-plane tables if they do not exist.
// Safe to re-run.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range controlDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("controlplane: ensure schema: %w", err)
		}
	}
	return nil
}
