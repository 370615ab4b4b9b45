// Package controlplane implements the durable control plane of the ETL
// system: pipeline/table metadata, run and stage logging, watermark
// bookkeeping, and the per-table admission locks.
//
// The package owns two disjoint write paths with different consistency
// rules:
//
//   - Log tables (etl_run_log, etl_stage_log) are append-only history.
//     A row is inserted once and only ever updated toward a terminal
//     status; identity fields never change after creation.
//   - Metadata tables (pipeline_md, table_md, pipeline_table_map) are
//     read-only during execution except for a single mutation point,
//     Store.CommitTableLoadResult, which the orchestrator invokes only
//     after a table's load has fully succeeded and validated.
//
// All timestamps are ISO-8601 text in UTC. Boolean columns are stored as
// 0/1. The backing store is any database/sql driver; the default is
// SQLite (modernc.org/sqlite).
package controlplane

import "time"

// Status is the lifecycle status of a run or stage.
type Status string

const (
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// LoadStrategy selects how a pipeline or table is loaded.
type LoadStrategy string

const (
	// LoadFull reloads the entire table each run.
	LoadFull LoadStrategy = "full"
	// LoadIncremental loads only rows beyond the last watermark.
	LoadIncremental LoadStrategy = "incremental"
)

// TableRole classifies a mapped table within a pipeline.
type TableRole string

const (
	RoleDimension TableRole = "dimension"
	RoleFact      TableRole = "fact"
)

// PipelineDefinition is one row of pipeline_md. It is mutable only by
// explicit administrative update and read-only during execution.
type PipelineDefinition struct {
	Name         string
	SourceName   string
	LoadStrategy LoadStrategy
	Schedule     string
	IsActive     bool
	CreatedAt    string
	UpdatedAt    string
}

// TableDefinition is one row of table_md. LastLoadedValue and RowCount are
// mutated exclusively through Store.CommitTableLoadResult.
type TableDefinition struct {
	Name         string
	Layer        string
	SourceName   string
	Grain        string
	PrimaryKey   []string
	LoadStrategy LoadStrategy

	// WatermarkColumn is empty for tables that only support full reloads.
	WatermarkColumn string

	// LastLoadedValue is the highest successfully loaded watermark value,
	// empty until the first successful incremental load.
	LastLoadedValue string

	RowCount  int64
	IsActive  bool
	CreatedAt string
	UpdatedAt string
}

// MappedTable is one entry of a pipeline's table mapping: the table
// definition joined with its role and declared load order.
//
// LoadOrder is stored as text in pipeline_table_map (a quirk inherited
// from the metadata schema); callers obtain the parsed integer ordering
// from the run planner, which rejects non-numeric values.
type MappedTable struct {
	Table     TableDefinition
	Role      TableRole
	LoadOrder string
}

// PipelineRun is one row of etl_run_log. Once created the row only ever
// transitions to a terminal status; it is never deleted or reused.
type PipelineRun struct {
	RunID        string
	PipelineName string
	SourceName   string
	Status       Status
	StartTime    string
	EndTime      string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// StageExecution is one row of etl_stage_log, identified by
// (run id, stage name). RowsIn/RowsOut are negative until recorded.
type StageExecution struct {
	RunID        string
	StageName    string
	Status       Status
	RowsIn       int64
	RowsOut      int64
	StartTime    string
	EndTime      string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// TimeLayout is the fixed-width ISO-8601 layout used for every
// control-plane timestamp column. Fixed fractional width keeps the text
// lexically sortable, which the stage ordering and stuck-run queries rely
// on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// utcNow formats the current instant the way every control-plane column
// stores time.
func utcNow(now func() time.Time) string {
	return now().UTC().Format(TimeLayout)
}
