// Package runner orchestrates pipeline runs: admission, planning, stage
// execution, the validation gate, and the single metadata commit point.
//
// A run walks its tables in load order and executes EXTRACT,
// TRANSFORM_P1, TRANSFORM_P2, and LOAD per table, fail-fast: the first
// stage failure finalizes the run as FAILED and no later table starts.
// Per-table load results are staged in memory; table_md is committed only
// after the run-level VALIDATION stage has passed, so watermarks and row
// counts never advance past unvalidated data.
package runner

import (
	"context"
	"fmt"
	"time"

	"retailetl/internal/controlplane"
	"retailetl/internal/metrics"
	"retailetl/internal/schema"
	"retailetl/internal/stage"
	"retailetl/internal/stage/condition"
	"retailetl/internal/stage/extract"
	"retailetl/internal/stage/load"
	"retailetl/internal/stage/model"
	"retailetl/internal/textlog"
	"retailetl/internal/validate"
	"retailetl/internal/warehouse"
)

// rowKinds maps each per-table stage kind to the metrics row kind its
// output counts under.
var rowKinds = map[stage.Kind]string{
	stage.Extract:            "extracted",
	stage.ConditionTransform: "conditioned",
	stage.ModelTransform:     "modeled",
	stage.Load:               "loaded",
}

// Runner executes pipelines against one control store and one warehouse.
// A single Runner (and its lock set) must be shared by all concurrent
// runs in the process.
type Runner struct {
	Store *controlplane.Store
	Locks *controlplane.TableLocks
	Repo  warehouse.Repository

	// Sources maps a source name (table_md.source_name) to a local CSV path.
	Sources map[string]string

	// AsOf anchors time-derived modeling attributes.
	AsOf time.Time

	// Regions maps upper-case state codes to store regions.
	Regions map[string]string

	// LogDir is where per-run log files land; empty logs to stderr only.
	LogDir string

	wm controlplane.WatermarkManager
}

// Result summarizes one finished (or planned) run.
type Result struct {
	RunID    string
	Pipeline string
	Status   controlplane.Status
	Tables   []string
	Err      error
}

// tableOutcome is the staged, not-yet-committed result of one table.
type tableOutcome struct {
	table      controlplane.TableDefinition
	rowsLoaded int64
	watermark  string
}

// Plan resolves a pipeline's execution plan without starting a run. It is
// the dry-run entry point: admission and planning errors surface exactly
// as they would on a real run, but nothing is logged to the control
// tables.
func (r *Runner) Plan(ctx context.Context, pipelineName string) ([]PlanEntry, error) {
	p, err := r.Store.GetPipeline(ctx, pipelineName)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, &controlplane.InactiveError{Pipeline: pipelineName}
	}

	mapping, err := r.Store.TableMapping(ctx, pipelineName)
	if err != nil {
		return nil, err
	}
	if len(mapping) == 0 {
		return nil, fmt.Errorf("runner: pipeline %q maps no active tables", pipelineName)
	}
	return BuildPlan(mapping)
}

// Run executes one pipeline end to end and returns its terminal result.
// The returned error is non-nil only when the run could not be admitted
// or its outcome could not be recorded; a run that executed and FAILED
// reports that through Result.Status and Result.Err.
func (r *Runner) Run(ctx context.Context, pipelineName string) (Result, error) {
	p, err := r.Store.GetPipeline(ctx, pipelineName)
	if err != nil {
		return Result{}, err
	}
	if !p.IsActive {
		return Result{}, &controlplane.InactiveError{Pipeline: pipelineName}
	}

	mapping, err := r.Store.TableMapping(ctx, pipelineName)
	if err != nil {
		return Result{}, err
	}
	if len(mapping) == 0 {
		return Result{}, fmt.Errorf("runner: pipeline %q maps no active tables", pipelineName)
	}
	plan, err := BuildPlan(mapping)
	if err != nil {
		return Result{}, err
	}

	runID, err := r.Store.StartRun(ctx, pipelineName, p.SourceName)
	if err != nil {
		return Result{}, err
	}
	started := time.Now()

	res := Result{RunID: runID, Pipeline: pipelineName}
	for _, e := range plan {
		res.Tables = append(res.Tables, e.Table.Name)
	}

	logger, err := textlog.ForRun(r.LogDir, pipelineName, runID)
	if err != nil {
		// The run row exists; finalize it rather than leaving it STARTED.
		return r.finish(ctx, res, started, nil, err)
	}
	defer logger.Close()
	if logger.Path != "" {
		logger.Printf("run %s started, log file %s", runID, logger.Path)
	} else {
		logger.Printf("run %s started", runID)
	}

	if err := r.Locks.Acquire(runID, res.Tables); err != nil {
		logger.Printf("run %s rejected: %v", runID, err)
		return r.finish(ctx, res, started, logger, err)
	}
	defer r.Locks.Release(runID)

	// The extraction ceiling is fixed once per run so every table sees the
	// same cutoff. The fixed-width timestamp sorts after any ISO date or
	// timestamp at or before this instant.
	ceiling := time.Now().UTC().Format(controlplane.TimeLayout)

	var outcomes []tableOutcome
	for _, entry := range plan {
		out, err := r.runTable(ctx, logger, runID, pipelineName, entry, ceiling)
		if err != nil {
			logger.Printf("run %s: table %s failed: %v", runID, entry.Table.Name, err)
			return r.finish(ctx, res, started, logger, err)
		}
		outcomes = append(outcomes, out)
	}

	if err := r.validateRun(ctx, logger, runID, pipelineName, outcomes); err != nil {
		return r.finish(ctx, res, started, logger, err)
	}

	// Commit point: all stages and validation succeeded, so per-table
	// metadata can advance.
	for _, out := range outcomes {
		count, err := r.Repo.CountQuery(ctx, "SELECT COUNT(*) FROM "+out.table.Name)
		if err != nil {
			return r.finish(ctx, res, started, logger, fmt.Errorf("runner: count %s: %w", out.table.Name, err))
		}
		if err := r.Store.CommitTableLoadResult(ctx, out.table.Name, count, out.watermark); err != nil {
			return r.finish(ctx, res, started, logger, err)
		}
		logger.Printf("run %s: committed %s: %d rows, watermark %q", runID, out.table.Name, count, out.watermark)
	}

	return r.finish(ctx, res, started, logger, nil)
}

// runTable drives one table through its four stages and stages the
// outcome for the post-validation commit.
func (r *Runner) runTable(ctx context.Context, logger *textlog.RunLogger, runID, pipelineName string, entry PlanEntry, ceiling string) (tableOutcome, error) {
	bounds, err := r.wm.ResolveExtractionBounds(entry.Table, ceiling)
	if err != nil {
		return tableOutcome{}, err
	}

	stages, err := r.buildStages(entry.Table)
	if err != nil {
		return tableOutcome{}, err
	}

	batch := stage.Batch{Table: entry.Table, Role: entry.Role, Bounds: bounds}
	var loaded int64
	for _, st := range stages {
		out, counts, err := r.execStage(ctx, logger, runID, pipelineName, entry.Table.Name, st, batch)
		if err != nil {
			return tableOutcome{}, err
		}
		if st.Kind() == stage.Load {
			loaded = counts.RowsOut
		}
		batch = out
	}

	return tableOutcome{
		table:      entry.Table,
		rowsLoaded: loaded,
		watermark:  r.advanceWatermark(entry.Table, batch),
	}, nil
}

// execStage wraps one stage invocation with stage logging, metrics, and
// error attribution. Control-plane integrity errors (duplicate stage,
// invalid transition) abort immediately; they mean the run's own
// bookkeeping is broken.
func (r *Runner) execStage(ctx context.Context, logger *textlog.RunLogger, runID, pipelineName, table string, st stage.Stage, in stage.Batch) (stage.Batch, stage.Counts, error) {
	name := st.Kind().LogName(table)
	if err := r.Store.StartStage(ctx, runID, name, -1); err != nil {
		return stage.Batch{}, stage.Counts{}, err
	}

	t0 := time.Now()
	out, counts, runErr := st.Run(ctx, in)
	d := time.Since(t0)
	metrics.RecordStage(pipelineName, name, runErr, d)

	if runErr != nil {
		serr := &stage.Error{Kind: st.Kind(), Table: table, Err: runErr}
		if err := r.Store.EndStage(ctx, runID, name, controlplane.StatusFailed, -1, -1, serr.Error()); err != nil {
			return stage.Batch{}, stage.Counts{}, err
		}
		return stage.Batch{}, stage.Counts{}, serr
	}

	if err := r.Store.EndStage(ctx, runID, name, controlplane.StatusSuccess, counts.RowsIn, counts.RowsOut, ""); err != nil {
		return stage.Batch{}, stage.Counts{}, err
	}
	if kind, ok := rowKinds[st.Kind()]; ok {
		metrics.RecordRows(pipelineName, table, kind, counts.RowsOut)
	}
	logger.Printf("run %s: %s done in %s (%d in, %d out)", runID, name, d.Round(time.Millisecond), counts.RowsIn, counts.RowsOut)
	return out, counts, nil
}

// validateRun executes the run-level VALIDATION stage over every staged
// outcome. All violations aggregate into one failure.
func (r *Runner) validateRun(ctx context.Context, logger *textlog.RunLogger, runID, pipelineName string, outcomes []tableOutcome) error {
	name := stage.Validate.LogName("")
	if err := r.Store.StartStage(ctx, runID, name, -1); err != nil {
		return err
	}

	results := make([]validate.TableResult, 0, len(outcomes))
	for _, out := range outcomes {
		results = append(results, validate.TableResult{Table: out.table.Name, RowsLoaded: out.rowsLoaded})
	}

	gate := validate.Gate{Repo: r.Repo}
	t0 := time.Now()
	violations, err := gate.Run(ctx, results)
	if err == nil && len(violations) > 0 {
		err = &validate.AggregateError{Violations: violations}
	}
	metrics.RecordStage(pipelineName, name, err, time.Since(t0))

	if err != nil {
		logger.Printf("run %s: validation failed: %v", runID, err)
		if endErr := r.Store.EndStage(ctx, runID, name, controlplane.StatusFailed, -1, -1, err.Error()); endErr != nil {
			return endErr
		}
		return err
	}

	checked := int64(len(results))
	if err := r.Store.EndStage(ctx, runID, name, controlplane.StatusSuccess, checked, checked, ""); err != nil {
		return err
	}
	logger.Printf("run %s: validation passed for %d table(s)", runID, checked)
	return nil
}

// buildStages assembles the per-table stage sequence. Derived tables
// (date_dim) extract and condition under their feeder table's source
// contract.
func (r *Runner) buildStages(t controlplane.TableDefinition) ([]stage.Stage, error) {
	src := t.Name
	if feeder, ok := schema.SourceTable[src]; ok {
		src = feeder
	}

	columns, ok := schema.SourceColumns[src]
	if !ok {
		return nil, fmt.Errorf("runner: no source contract for table %q", t.Name)
	}
	path, ok := r.Sources[t.SourceName]
	if !ok {
		return nil, fmt.Errorf("runner: no source path configured for source %q (table %q)", t.SourceName, t.Name)
	}

	return []stage.Stage{
		&extract.Stage{Path: path, Columns: columns},
		&condition.Stage{
			Key:            schema.SourceKey(t.Name),
			Defaults:       schema.Defaults[src],
			NumericColumns: schema.NumericColumns[src],
			DateColumns:    schema.DateColumns[src],
		},
		&model.Stage{AsOf: r.AsOf, Regions: r.Regions},
		&load.Stage{Repo: r.Repo},
	}, nil
}

// advanceWatermark computes the watermark to persist for a table from the
// rows that actually loaded. Full-reload tables and tables without a
// watermark column keep their stored value.
func (r *Runner) advanceWatermark(t controlplane.TableDefinition, batch stage.Batch) string {
	if t.LoadStrategy != controlplane.LoadIncremental || t.WatermarkColumn == "" {
		return t.LastLoadedValue
	}

	observed := ""
	for _, rec := range batch.Rows {
		v := rec.String(t.WatermarkColumn)
		if v == "" {
			continue
		}
		if observed == "" || controlplane.CompareWatermarks(v, observed) > 0 {
			observed = v
		}
	}
	return r.wm.Advance(t, observed)
}

// finish finalizes the run row exactly once and records run metrics. A
// failure to record the terminal status is returned as the hard error; the
// run's own outcome travels in Result.
func (r *Runner) finish(ctx context.Context, res Result, started time.Time, logger *textlog.RunLogger, runErr error) (Result, error) {
	status := controlplane.StatusSuccess
	msg := ""
	if runErr != nil {
		status = controlplane.StatusFailed
		msg = runErr.Error()
	}
	res.Status = status
	res.Err = runErr

	// A failure here includes InvalidTransitionError from a double
	// finalize, which is a runner bug, not a data failure. Surface it hard.
	if err := r.Store.EndRun(ctx, res.RunID, status, msg); err != nil {
		return res, err
	}

	metrics.RecordRun(res.Pipeline, string(status), time.Since(started))
	if logger != nil {
		logger.Printf("run %s finished: %s", res.RunID, status)
	}
	return res, nil
}
