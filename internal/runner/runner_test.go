package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"retailetl/internal/bootstrap"
	"retailetl/internal/controlplane"
	"retailetl/internal/schema"
	"retailetl/internal/validate"
	"retailetl/internal/warehouse/sqlite"
)

/*
End-to-end fixtures: an in-memory control store, an in-memory SQLite
warehouse, and a set of CSV sources on disk.
*/

const customersCSV = `customer_id,first_name,last_name,email,city,signup_date
C1,Asha,Rao,asha@example.com,Pune,2023-11-15
C2,Ben,Iyer,ben@example.com,Mumbai,2024-01-02
C3,Chitra,Nair,chitra@shop.example,Delhi,2021-06-30
C4,Dev,Shah,dev@example.com,Bangalore,2024-04-20
C5,Esha,Verma,esha@mail.example,Chennai,2022-02-01
`

const productsCSV = `product_id,product_name,category,price
P1,Notebook,stationery,120
P2,Desk Lamp,home,950
P3,Laptop,electronics,45000
P4,Pen Set,stationery,300
`

const storesCSV = `store_id,store_name,city,state
S1,Flagship,Mumbai,MH
S2,Riverside,Pune,MH
S3,Capital,Delhi,DL
`

// 20 sales over 2024-01-01..2024-01-10, all keys resolvable.
var salesCSV = buildSalesCSV()

func buildSalesCSV() string {
	var b strings.Builder
	b.WriteString("sale_id,sale_date,customer_id,product_id,store_id,quantity,unit_price,discount_pct\n")
	customers := []string{"C1", "C2", "C3", "C4", "C5"}
	products := []string{"P1", "P2", "P3", "P4"}
	stores := []string{"S1", "S2", "S3"}
	for i := 0; i < 20; i++ {
		day := i/2 + 1 // two sales per day, days 1..10
		fmt.Fprintf(&b, "T%02d,2024-01-%02d,%s,%s,%s,%d,%d,%d\n",
			i+1, day, customers[i%5], products[i%4], stores[i%3], i%3+1, (i+1)*10, (i%2)*10)
	}
	return b.String()
}

type env struct {
	store *controlplane.Store
	repo  *sqlite.Repository
	run   *Runner
	dir   string
}

// newEnv bootstraps a complete environment. overrides replaces source
// file contents by source name before anything runs.
func newEnv(tb testing.TB, overrides map[string]string) *env {
	tb.Helper()
	ctx := context.Background()

	controlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		tb.Fatalf("open control db: %v", err)
	}
	tb.Cleanup(func() { _ = controlDB.Close() })
	store := controlplane.NewStore(controlDB)

	whDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		tb.Fatalf("open warehouse db: %v", err)
	}
	tb.Cleanup(func() { _ = whDB.Close() })
	repo := sqlite.New(whDB)

	if err := bootstrap.Init(ctx, store, repo); err != nil {
		tb.Fatalf("bootstrap: %v", err)
	}

	dir := tb.TempDir()
	files := map[string]string{
		"customers": customersCSV,
		"products":  productsCSV,
		"stores":    storesCSV,
		"sales":     salesCSV,
	}
	for name, content := range overrides {
		files[name] = content
	}
	sources := make(map[string]string, len(files))
	for name, content := range files {
		path := filepath.Join(dir, name+".csv")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			tb.Fatalf("write %s: %v", name, err)
		}
		sources[name] = path
	}
	// daily_sales is registered with its own source name but the mapped
	// tables resolve their files through table_md source names, so no
	// entry for "retail_sales" is needed.

	r := &Runner{
		Store:   store,
		Locks:   controlplane.NewTableLocks(),
		Repo:    repo,
		Sources: sources,
		AsOf:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Regions: schema.DefaultStateRegions,
		LogDir:  filepath.Join(dir, "logs"),
	}
	return &env{store: store, repo: repo, run: r, dir: dir}
}

func stageNames(tb testing.TB, store *controlplane.Store, runID string) map[string]controlplane.StageExecution {
	tb.Helper()
	stages, err := store.ListStages(context.Background(), runID)
	if err != nil {
		tb.Fatalf("ListStages: %v", err)
	}
	out := make(map[string]controlplane.StageExecution, len(stages))
	for _, st := range stages {
		out[st.StageName] = st
	}
	return out
}

/*
End-to-end tests
*/

// TestDailySalesSuccess runs the composite pipeline over clean sources
// and checks the full contract: run and stage statuses, warehouse
// contents, committed metadata, and the per-run log file.
func TestDailySalesSuccess(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()

	res, err := e.run.Run(ctx, "daily_sales")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != controlplane.StatusSuccess {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}

	wantOrder := []string{"stores_dim", "customers_dim", "products_dim", "date_dim", "sales_fact"}
	if len(res.Tables) != len(wantOrder) {
		t.Fatalf("tables = %v", res.Tables)
	}
	for i, want := range wantOrder {
		if res.Tables[i] != want {
			t.Fatalf("table %d = %s, want %s", i, res.Tables[i], want)
		}
	}

	// 5 tables x 4 stages + run-level validation.
	stages := stageNames(t, e.store, res.RunID)
	if len(stages) != 21 {
		t.Fatalf("got %d stage rows, want 21", len(stages))
	}
	for name, st := range stages {
		if st.Status != controlplane.StatusSuccess {
			t.Fatalf("stage %s status = %s", name, st.Status)
		}
	}
	if st := stages["EXTRACT:sales_fact"]; st.RowsIn != 20 || st.RowsOut != 20 {
		t.Fatalf("EXTRACT:sales_fact counts = (%d, %d)", st.RowsIn, st.RowsOut)
	}
	if st := stages["VALIDATION"]; st.RowsIn != 5 {
		t.Fatalf("VALIDATION counts = %d tables", st.RowsIn)
	}

	// Warehouse contents.
	counts := map[string]int64{
		"customers_dim": 5,
		"products_dim":  4,
		"stores_dim":    3,
		"date_dim":      10, // 2024-01-01..2024-01-10
		"sales_fact":    20,
	}
	for table, want := range counts {
		got, err := e.repo.CountQuery(ctx, "SELECT COUNT(*) FROM "+table)
		if err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if got != want {
			t.Fatalf("%s holds %d rows, want %d", table, got, want)
		}
	}

	// Committed metadata: row counts and the advanced watermark.
	fact, err := e.store.GetTable(ctx, "sales_fact")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if fact.RowCount != 20 || fact.LastLoadedValue != "2024-01-10" {
		t.Fatalf("sales_fact metadata = (%d, %q)", fact.RowCount, fact.LastLoadedValue)
	}
	dim, err := e.store.GetTable(ctx, "customers_dim")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if dim.RowCount != 5 || dim.LastLoadedValue != "" {
		t.Fatalf("customers_dim metadata = (%d, %q)", dim.RowCount, dim.LastLoadedValue)
	}

	// Per-run log file exists and is named by pipeline and run id.
	logPath := filepath.Join(e.run.LogDir, "daily_sales_"+res.RunID+".log")
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("run log file: %v", err)
	}
}

// TestIncrementalAdvanceAndIdempotence reruns daily_sales twice after a
// successful load: first with one new sale (watermark advances, only the
// new row loads), then with nothing new (run still succeeds, watermark
// stays).
func TestIncrementalAdvanceAndIdempotence(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()

	if res, err := e.run.Run(ctx, "daily_sales"); err != nil || res.Status != controlplane.StatusSuccess {
		t.Fatalf("first run: %+v, %v", res, err)
	}

	// Append one sale beyond the watermark.
	salesPath := e.run.Sources["sales"]
	extra := salesCSV + "T21,2024-01-11,C1,P1,S1,1,10,0\n"
	if err := os.WriteFile(salesPath, []byte(extra), 0o644); err != nil {
		t.Fatalf("append sale: %v", err)
	}

	res, err := e.run.Run(ctx, "daily_sales")
	if err != nil || res.Status != controlplane.StatusSuccess {
		t.Fatalf("second run: %+v, %v", res, err)
	}

	stages := stageNames(t, e.store, res.RunID)
	if st := stages["EXTRACT:sales_fact"]; st.RowsIn != 21 || st.RowsOut != 1 {
		t.Fatalf("incremental extract counts = (%d, %d), want (21, 1)", st.RowsIn, st.RowsOut)
	}

	fact, err := e.store.GetTable(ctx, "sales_fact")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if fact.RowCount != 21 || fact.LastLoadedValue != "2024-01-11" {
		t.Fatalf("metadata after advance = (%d, %q)", fact.RowCount, fact.LastLoadedValue)
	}

	// Third run with no new rows: idempotent, watermark unchanged.
	res, err = e.run.Run(ctx, "daily_sales")
	if err != nil || res.Status != controlplane.StatusSuccess {
		t.Fatalf("third run: %+v, %v", res, err)
	}
	fact, err = e.store.GetTable(ctx, "sales_fact")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if fact.RowCount != 21 || fact.LastLoadedValue != "2024-01-11" {
		t.Fatalf("metadata after idempotent rerun = (%d, %q)", fact.RowCount, fact.LastLoadedValue)
	}
}

// TestReferentialViolationFailsRunAndSkipsCommit loads a sale referencing
// a customer that does not exist. Every load succeeds, the validation
// gate fails the run, and no table metadata is committed.
func TestReferentialViolationFailsRunAndSkipsCommit(t *testing.T) {
	t.Parallel()

	bad := salesCSV + "T21,2024-01-11,C404,P1,S1,1,10,0\n"
	e := newEnv(t, map[string]string{"sales": bad})
	ctx := context.Background()

	res, err := e.run.Run(ctx, "daily_sales")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != controlplane.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}

	var agg *validate.AggregateError
	if !errors.As(res.Err, &agg) {
		t.Fatalf("res.Err = %v, want AggregateError", res.Err)
	}
	if !strings.Contains(res.Err.Error(), "C404") {
		t.Fatalf("violating key not reported: %v", res.Err)
	}

	stages := stageNames(t, e.store, res.RunID)
	if st := stages["VALIDATION"]; st.Status != controlplane.StatusFailed {
		t.Fatalf("VALIDATION status = %s", st.Status)
	}
	if st := stages["LOAD:sales_fact"]; st.Status != controlplane.StatusSuccess {
		t.Fatalf("LOAD:sales_fact status = %s (gate must run after loads)", st.Status)
	}

	// No metadata advanced: watermark and row counts stay at bootstrap
	// values for every table.
	for _, table := range []string{"customers_dim", "products_dim", "stores_dim", "date_dim", "sales_fact"} {
		td, err := e.store.GetTable(ctx, table)
		if err != nil {
			t.Fatalf("GetTable(%s): %v", table, err)
		}
		if td.RowCount != 0 || td.LastLoadedValue != "" {
			t.Fatalf("%s metadata committed on failed run: (%d, %q)", table, td.RowCount, td.LastLoadedValue)
		}
	}

	run, err := e.store.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != controlplane.StatusFailed || run.ErrorMessage == "" {
		t.Fatalf("run row = %+v", run)
	}
}

// TestFailFastStopsLaterTables breaks the products source. stores and
// customers (orders 1 and 2) run fully; products fails at extract; no
// stage for date_dim or sales_fact ever starts.
func TestFailFastStopsLaterTables(t *testing.T) {
	t.Parallel()

	e := newEnv(t, map[string]string{"products": "product_id,wrong_header\nP1,x\n"})

	res, err := e.run.Run(context.Background(), "daily_sales")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != controlplane.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}

	stages := stageNames(t, e.store, res.RunID)
	if st, ok := stages["EXTRACT:products_dim"]; !ok || st.Status != controlplane.StatusFailed {
		t.Fatalf("EXTRACT:products_dim = %+v", st)
	}
	if st := stages["LOAD:customers_dim"]; st.Status != controlplane.StatusSuccess {
		t.Fatalf("earlier table did not complete: %+v", st)
	}
	for name := range stages {
		if strings.HasSuffix(name, ":date_dim") || strings.HasSuffix(name, ":sales_fact") || name == "VALIDATION" {
			t.Fatalf("stage %s ran after the failure", name)
		}
	}
}

// TestInactivePipelineRejected verifies no run row is created for an
// inactive pipeline.
func TestInactivePipelineRejected(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()
	if err := e.store.DeactivatePipeline(ctx, "daily_sales"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	var inactive *controlplane.InactiveError
	if _, err := e.run.Run(ctx, "daily_sales"); !errors.As(err, &inactive) {
		t.Fatalf("err = %v, want InactiveError", err)
	}

	stuck, err := e.store.ListStuckRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListStuckRuns: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("run row created for rejected run: %+v", stuck)
	}
}

// TestUnknownPipelineRejected surfaces the typed miss.
func TestUnknownPipelineRejected(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)

	var nf *controlplane.NotFoundError
	if _, err := e.run.Run(context.Background(), "ghost"); !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

// TestLockedTableFailsRun verifies admission fails when another run holds
// a mapped table, and that the run is finalized FAILED rather than left
// STARTED.
func TestLockedTableFailsRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()

	if err := e.run.Locks.Acquire("other-run", []string{"sales_fact"}); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	res, err := e.run.Run(ctx, "daily_sales")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != controlplane.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	var locked *controlplane.TableLockedError
	if !errors.As(res.Err, &locked) {
		t.Fatalf("res.Err = %v, want TableLockedError", res.Err)
	}

	run, err := e.store.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != controlplane.StatusFailed {
		t.Fatalf("run left %s", run.Status)
	}
}

// TestFullReloadIdempotent runs the single-table customers pipeline twice
// and expects identical warehouse and metadata state.
func TestFullReloadIdempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := e.run.Run(ctx, "customers")
		if err != nil || res.Status != controlplane.StatusSuccess {
			t.Fatalf("run %d: %+v, %v", i+1, res, err)
		}
	}

	count, err := e.repo.CountQuery(ctx, "SELECT COUNT(*) FROM customers_dim")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 5 {
		t.Fatalf("customers_dim holds %d rows after reload, want 5", count)
	}
	td, err := e.store.GetTable(ctx, "customers_dim")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if td.RowCount != 5 {
		t.Fatalf("row_count = %d", td.RowCount)
	}
}

// TestPlanDryRun resolves the plan without creating any run rows.
func TestPlanDryRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx := context.Background()

	plan, err := e.run.Plan(ctx, "daily_sales")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []string{"stores_dim", "customers_dim", "products_dim", "date_dim", "sales_fact"}
	if len(plan) != len(want) {
		t.Fatalf("plan = %+v", plan)
	}
	for i, name := range want {
		if plan[i].Table.Name != name {
			t.Fatalf("plan[%d] = %s, want %s", i, plan[i].Table.Name, name)
		}
	}

	stuck, err := e.store.ListStuckRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListStuckRuns: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("dry run created run rows: %+v", stuck)
	}
}
