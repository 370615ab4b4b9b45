package controlplane

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

/*
Package-level test helpers (TB-aware)
*/

func newTestStore(tb testing.TB) *Store {
	tb.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		tb.Fatalf("open sqlite :memory:: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })

	if err := EnsureSchema(context.Background(), db); err != nil {
		tb.Fatalf("ensure schema: %v", err)
	}
	return NewStore(db)
}

func seedPipeline(tb testing.TB, s *Store, name string, active bool) {
	tb.Helper()
	err := s.RegisterPipeline(context.Background(), PipelineDefinition{
		Name:         name,
		SourceName:   name,
		LoadStrategy: LoadFull,
		Schedule:     "manual",
		IsActive:     active,
	})
	if err != nil {
		tb.Fatalf("register pipeline %q: %v", name, err)
	}
}

func startRun(tb testing.TB, s *Store, pipeline string) string {
	tb.Helper()
	runID, err := s.StartRun(context.Background(), pipeline, pipeline)
	if err != nil {
		tb.Fatalf("start run: %v", err)
	}
	return runID
}

/*
Unit tests
*/

// TestRunLifecycle walks a run from STARTED to SUCCESS and checks the
// stored row.
func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, s, "sales", true)

	runID := startRun(t, s, "sales")

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != StatusStarted {
		t.Fatalf("status = %s, want %s", run.Status, StatusStarted)
	}
	if run.EndTime != "" {
		t.Fatalf("end_time set before finalize: %q", run.EndTime)
	}

	if err := s.EndRun(ctx, runID, StatusSuccess, ""); err != nil {
		t.Fatalf("EndRun: %v", err)
	}

	run, err = s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun after end: %v", err)
	}
	if run.Status != StatusSuccess {
		t.Fatalf("status = %s, want %s", run.Status, StatusSuccess)
	}
	if run.EndTime == "" {
		t.Fatal("end_time not recorded")
	}
}

// TestEndRunExactlyOnce verifies a run finalizes once and only once:
// a second finalize, with either terminal status, is an
// InvalidTransitionError and does not overwrite the first outcome.
func TestEndRunExactlyOnce(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, s, "sales", true)
	runID := startRun(t, s, "sales")

	if err := s.EndRun(ctx, runID, StatusFailed, "extract blew up"); err != nil {
		t.Fatalf("first EndRun: %v", err)
	}

	var ite *InvalidTransitionError
	if err := s.EndRun(ctx, runID, StatusSuccess, ""); !errors.As(err, &ite) {
		t.Fatalf("second EndRun error = %v, want InvalidTransitionError", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != StatusFailed || run.ErrorMessage != "extract blew up" {
		t.Fatalf("first outcome overwritten: status=%s msg=%q", run.Status, run.ErrorMessage)
	}
}

// TestEndRunRejectsNonTerminal verifies STARTED is not a valid finalize
// target.
func TestEndRunRejectsNonTerminal(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	seedPipeline(t, s, "sales", true)
	runID := startRun(t, s, "sales")

	var ite *InvalidTransitionError
	if err := s.EndRun(context.Background(), runID, StatusStarted, ""); !errors.As(err, &ite) {
		t.Fatalf("EndRun(STARTED) error = %v, want InvalidTransitionError", err)
	}
}

// TestEndRunUnknownRun verifies finalizing a run that was never started
// fails.
func TestEndRunUnknownRun(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	var ite *InvalidTransitionError
	if err := s.EndRun(context.Background(), "no-such-run", StatusSuccess, ""); !errors.As(err, &ite) {
		t.Fatalf("EndRun error = %v, want InvalidTransitionError", err)
	}
}

// TestStageDuplicateStart verifies the (run_id, stage_name) identity: the
// same stage name cannot start twice within one run, but distinct
// table-qualified names can.
func TestStageDuplicateStart(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, s, "sales", true)
	runID := startRun(t, s, "sales")

	if err := s.StartStage(ctx, runID, "EXTRACT:sales_fact", 100); err != nil {
		t.Fatalf("first StartStage: %v", err)
	}

	var dup *DuplicateStageError
	if err := s.StartStage(ctx, runID, "EXTRACT:sales_fact", 100); !errors.As(err, &dup) {
		t.Fatalf("duplicate StartStage error = %v, want DuplicateStageError", err)
	}

	if err := s.StartStage(ctx, runID, "EXTRACT:date_dim", 100); err != nil {
		t.Fatalf("distinct stage name rejected: %v", err)
	}
}

// TestStageFinalizeOnce verifies stage rows transition to a terminal
// status exactly once.
func TestStageFinalizeOnce(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, s, "sales", true)
	runID := startRun(t, s, "sales")

	if err := s.StartStage(ctx, runID, "LOAD:sales_fact", -1); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if err := s.EndStage(ctx, runID, "LOAD:sales_fact", StatusSuccess, 20, 20, ""); err != nil {
		t.Fatalf("EndStage: %v", err)
	}

	var ite *InvalidTransitionError
	if err := s.EndStage(ctx, runID, "LOAD:sales_fact", StatusFailed, -1, -1, "late"); !errors.As(err, &ite) {
		t.Fatalf("second EndStage error = %v, want InvalidTransitionError", err)
	}
}

// TestStageNullCounts verifies negative counts round-trip as "not
// recorded" (-1).
func TestStageNullCounts(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, s, "sales", true)
	runID := startRun(t, s, "sales")

	if err := s.StartStage(ctx, runID, "EXTRACT:sales_fact", -1); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if err := s.EndStage(ctx, runID, "EXTRACT:sales_fact", StatusFailed, -1, -1, "boom"); err != nil {
		t.Fatalf("EndStage: %v", err)
	}

	stages, err := s.ListStages(ctx, runID)
	if err != nil {
		t.Fatalf("ListStages: %v", err)
	}
	if len(stages) != 1 {
		t.Fatalf("got %d stages, want 1", len(stages))
	}
	st := stages[0]
	if st.RowsIn != -1 || st.RowsOut != -1 {
		t.Fatalf("counts = (%d, %d), want (-1, -1)", st.RowsIn, st.RowsOut)
	}
	if st.ErrorMessage != "boom" {
		t.Fatalf("error message = %q", st.ErrorMessage)
	}
}

// TestListStagesOrder verifies deterministic ordering by start time then
// stage name.
func TestListStagesOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, s, "sales", true)
	runID := startRun(t, s, "sales")

	names := []string{"EXTRACT:b_table", "EXTRACT:a_table", "LOAD:a_table"}
	for _, n := range names {
		if err := s.StartStage(ctx, runID, n, -1); err != nil {
			t.Fatalf("StartStage %q: %v", n, err)
		}
	}

	stages, err := s.ListStages(ctx, runID)
	if err != nil {
		t.Fatalf("ListStages: %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("got %d stages, want 3", len(stages))
	}
	// All three share one clock tick at worst; ties fall back to name.
	for i := 1; i < len(stages); i++ {
		prev, cur := stages[i-1], stages[i]
		if prev.StartTime > cur.StartTime {
			t.Fatalf("stages out of time order: %q before %q", prev.StageName, cur.StageName)
		}
		if prev.StartTime == cur.StartTime && prev.StageName > cur.StageName {
			t.Fatalf("tie not broken by name: %q before %q", prev.StageName, cur.StageName)
		}
	}
}

// TestListStuckRuns verifies only old STARTED runs are reported.
func TestListStuckRuns(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	seedPipeline(t, s, "sales", true)

	// Backdate the clock for the first run so it starts three hours ago.
	past := time.Now().Add(-3 * time.Hour)
	s.now = func() time.Time { return past }
	oldRun := startRun(t, s, "sales")
	oldDone := startRun(t, s, "sales")

	s.now = time.Now
	if err := s.EndRun(ctx, oldDone, StatusFailed, "x"); err != nil {
		t.Fatalf("EndRun: %v", err)
	}
	fresh := startRun(t, s, "sales")

	stuck, err := s.ListStuckRuns(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("ListStuckRuns: %v", err)
	}
	if len(stuck) != 1 || stuck[0].RunID != oldRun {
		t.Fatalf("stuck = %+v, want only run %s", stuck, oldRun)
	}
	_ = fresh
}
