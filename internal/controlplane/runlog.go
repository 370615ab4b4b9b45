package controlplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run and stage logging. Both tables are append-only history: rows are
// inserted in STARTED status and updated in place exactly once to a
// terminal status. A second finalize is an InvalidTransitionError; a
// second start for the same (run, stage) is a DuplicateStageError. Both
// indicate a broken invariant in the caller and are never retried.

// StartRun creates a STARTED run row and returns its generated id.
// Identifiers are UUIDv4; a collision would surface as a primary-key
// violation and is treated as fatal, not retryable.
func (s *Store) StartRun(ctx context.Context, pipelineName, sourceName string) (string, error) {
	const q = `
		INSERT INTO etl_run_log (run_id, pipeline_name, source_name, status, start_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	runID := uuid.NewString()
	ts := utcNow(s.now)
	if _, err := s.db.ExecContext(ctx, q, runID, pipelineName, sourceName, string(StatusStarted), ts, ts, ts); err != nil {
		return "", fmt.Errorf("controlplane: start run for %q: %w", pipelineName, err)
	}
	return runID, nil
}

// EndRun transitions a run to a terminal status. The guarded UPDATE only
// matches non-terminal rows, so finalizing twice (or finalizing an unknown
// run) fails with InvalidTransitionError.
func (s *Store) EndRun(ctx context.Context, runID string, status Status, errorMessage string) error {
	if !status.Terminal() {
		return &InvalidTransitionError{RunID: runID, Status: status}
	}

	const q = `
		UPDATE etl_run_log
		SET status = ?, end_time = ?, error_message = ?, updated_at = ?
		WHERE run_id = ? AND status = ?`

	ts := utcNow(s.now)
	msg := sql.NullString{String: errorMessage, Valid: errorMessage != ""}
	res, err := s.db.ExecContext(ctx, q, string(status), ts, msg, ts, runID, string(StatusStarted))
	if err != nil {
		return fmt.Errorf("controlplane: end run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("controlplane: end run %s: %w", runID, err)
	}
	if n == 0 {
		return &InvalidTransitionError{RunID: runID, Status: status}
	}
	return nil
}

// GetRun fetches a run row by id.
func (s *Store) GetRun(ctx context.Context, runID string) (PipelineRun, error) {
	const q = `
		SELECT run_id, pipeline_name, source_name, status, start_time, end_time, error_message, created_at, updated_at
		FROM etl_run_log
		WHERE run_id = ?`

	var (
		r        PipelineRun
		endTime  sql.NullString
		errorMsg sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, runID).Scan(
		&r.RunID, &r.PipelineName, &r.SourceName, (*string)(&r.Status),
		&r.StartTime, &endTime, &errorMsg, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return PipelineRun{}, &NotFoundError{Kind: "run", Name: runID}
	}
	if err != nil {
		return PipelineRun{}, fmt.Errorf("controlplane: get run %s: %w", runID, err)
	}
	r.EndTime = endTime.String
	r.ErrorMessage = errorMsg.String
	return r, nil
}

// StartStage creates a STARTED stage row for (runID, stageName).
func (s *Store) StartStage(ctx context.Context, runID, stageName string, rowsIn int64) error {
	// Existence check first so a duplicate surfaces as the typed error
	// rather than a driver-specific constraint message.
	const exists = `SELECT 1 FROM etl_stage_log WHERE run_id = ? AND stage_name = ?`
	var one int
	err := s.db.QueryRowContext(ctx, exists, runID, stageName).Scan(&one)
	switch {
	case err == nil:
		return &DuplicateStageError{RunID: runID, StageName: stageName}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("controlplane: start stage %q of run %s: %w", stageName, runID, err)
	}

	const q = `
		INSERT INTO etl_stage_log (run_id, stage_name, status, rows_in, start_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	ts := utcNow(s.now)
	in := sql.NullInt64{Int64: rowsIn, Valid: rowsIn >= 0}
	if _, err := s.db.ExecContext(ctx, q, runID, stageName, string(StatusStarted), in, ts, ts, ts); err != nil {
		return fmt.Errorf("controlplane: start stage %q of run %s: %w", stageName, runID, err)
	}
	return nil
}

// EndStage finalizes a stage row with its terminal status and row counts.
// Negative counts record as NULL (stage failed before counting).
func (s *Store) EndStage(ctx context.Context, runID, stageName string, status Status, rowsIn, rowsOut int64, errorMessage string) error {
	if !status.Terminal() {
		return &InvalidTransitionError{RunID: runID, StageName: stageName, Status: status}
	}

	const q = `
		UPDATE etl_stage_log
		SET status = ?, rows_in = ?, rows_out = ?, end_time = ?, error_message = ?, updated_at = ?
		WHERE run_id = ? AND stage_name = ? AND status = ?`

	ts := utcNow(s.now)
	in := sql.NullInt64{Int64: rowsIn, Valid: rowsIn >= 0}
	out := sql.NullInt64{Int64: rowsOut, Valid: rowsOut >= 0}
	msg := sql.NullString{String: errorMessage, Valid: errorMessage != ""}

	res, err := s.db.ExecContext(ctx, q, string(status), in, out, ts, msg, ts, runID, stageName, string(StatusStarted))
	if err != nil {
		return fmt.Errorf("controlplane: end stage %q of run %s: %w", stageName, runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("controlplane: end stage %q of run %s: %w", stageName, runID, err)
	}
	if n == 0 {
		return &InvalidTransitionError{RunID: runID, StageName: stageName, Status: status}
	}
	return nil
}

// ListStages returns all stage rows of a run ordered by start time, then
// stage name for determinism.
func (s *Store) ListStages(ctx context.Context, runID string) ([]StageExecution, error) {
	const q = `
		SELECT run_id, stage_name, status, rows_in, rows_out, start_time, end_time, error_message, created_at, updated_at
		FROM etl_stage_log
		WHERE run_id = ?
		ORDER BY start_time, stage_name`

	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("controlplane: list stages of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []StageExecution
	for rows.Next() {
		var (
			st       StageExecution
			rowsIn   sql.NullInt64
			rowsOut  sql.NullInt64
			endTime  sql.NullString
			errorMsg sql.NullString
		)
		err := rows.Scan(
			&st.RunID, &st.StageName, (*string)(&st.Status), &rowsIn, &rowsOut,
			&st.StartTime, &endTime, &errorMsg, &st.CreatedAt, &st.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("controlplane: scan stage row: %w", err)
		}
		st.RowsIn, st.RowsOut = -1, -1
		if rowsIn.Valid {
			st.RowsIn = rowsIn.Int64
		}
		if rowsOut.Valid {
			st.RowsOut = rowsOut.Int64
		}
		st.EndTime = endTime.String
		st.ErrorMessage = errorMsg.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListStuckRuns returns runs still in STARTED status whose start time is
// older than the given ceiling. This is the monitoring hook for detecting
// externally terminated runs; resolution is manual, the orchestrator never
// times a run out on its own.
func (s *Store) ListStuckRuns(ctx context.Context, olderThan time.Duration) ([]PipelineRun, error) {
	cutoff := s.now().UTC().Add(-olderThan).Format(TimeLayout)

	const q = `
		SELECT run_id, pipeline_name, source_name, status, start_time, end_time, error_message, created_at, updated_at
		FROM etl_run_log
		WHERE status = ? AND start_time < ?
		ORDER BY start_time`

	rows, err := s.db.QueryContext(ctx, q, string(StatusStarted), cutoff)
	if err != nil {
		return nil, fmt.Errorf("controlplane: list stuck runs: %w", err)
	}
	defer rows.Close()

	var out []PipelineRun
	for rows.Next() {
		var (
			r        PipelineRun
			endTime  sql.NullString
			errorMsg sql.NullString
		)
		err := rows.Scan(
			&r.RunID, &r.PipelineName, &r.SourceName, (*string)(&r.Status),
			&r.StartTime, &endTime, &errorMsg, &r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("controlplane: scan stuck run: %w", err)
		}
		r.EndTime = endTime.String
		r.ErrorMessage = errorMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}
