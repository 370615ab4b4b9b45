package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"retailetl/internal/controlplane"
	"retailetl/internal/stage"
)

func writeCSV(tb testing.TB, content string) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "source.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("write csv: %v", err)
	}
	return path
}

var storeColumns = []string{"store_id", "store_name", "city", "state"}

// TestExtractHappyPath reads a small file and checks row shape and
// counts.
func TestExtractHappyPath(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "store_id,store_name,city,state\nS1,Main,Mumbai,MH\nS2,Annex,Pune,MH\n")
	s := &Stage{Path: path, Columns: storeColumns}

	out, counts, err := s.Run(context.Background(), stage.Batch{Bounds: controlplane.Bounds{Unbounded: true}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counts.RowsIn != 2 || counts.RowsOut != 2 {
		t.Fatalf("counts = %+v", counts)
	}
	if got := out.Rows[0].String("store_id"); got != "S1" {
		t.Fatalf("row 0 store_id = %q", got)
	}
	if got := out.Rows[1].String("city"); got != "Pune" {
		t.Fatalf("row 1 city = %q", got)
	}
}

// TestExtractBOMHeader strips a UTF-8 BOM from the first header cell.
func TestExtractBOMHeader(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "\xef\xbb\xbfstore_id,store_name,city,state\nS1,Main,Mumbai,MH\n")
	s := &Stage{Path: path, Columns: storeColumns}

	out, _, err := s.Run(context.Background(), stage.Batch{Bounds: controlplane.Bounds{Unbounded: true}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := out.Rows[0].String("store_id"); got != "S1" {
		t.Fatalf("store_id = %q (BOM not stripped?)", got)
	}
}

// TestExtractSchemaMismatch fails fast on header drift.
func TestExtractSchemaMismatch(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "store_id,shop_name,city,state\nS1,Main,Mumbai,MH\n")
	s := &Stage{Path: path, Columns: storeColumns}

	_, _, err := s.Run(context.Background(), stage.Batch{Bounds: controlplane.Bounds{Unbounded: true}})
	if err == nil || !strings.Contains(err.Error(), "schema mismatch") {
		t.Fatalf("err = %v, want schema mismatch", err)
	}
}

// TestExtractEmptySource fails on a header-only file.
func TestExtractEmptySource(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "store_id,store_name,city,state\n")
	s := &Stage{Path: path, Columns: storeColumns}

	_, _, err := s.Run(context.Background(), stage.Batch{Bounds: controlplane.Bounds{Unbounded: true}})
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("err = %v, want empty-source failure", err)
	}
}

// TestExtractDuplicateRows fails on identical full rows.
func TestExtractDuplicateRows(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, "store_id,store_name,city,state\nS1,Main,Mumbai,MH\nS1,Main,Mumbai,MH\n")
	s := &Stage{Path: path, Columns: storeColumns}

	_, _, err := s.Run(context.Background(), stage.Batch{Bounds: controlplane.Bounds{Unbounded: true}})
	if err == nil || !strings.Contains(err.Error(), "duplicate source rows") {
		t.Fatalf("err = %v, want duplicate failure", err)
	}
}

// TestExtractNullColumn fails when a column is effectively all null.
func TestExtractNullColumn(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("store_id,store_name,city,state\n")
	for i := 0; i < 25; i++ {
		b.WriteString("S")
		b.WriteString(strings.Repeat("x", i+1)) // unique ids, unique rows
		b.WriteString(",Main,,MH\n")
	}
	path := writeCSV(t, b.String())
	s := &Stage{Path: path, Columns: storeColumns}

	_, _, err := s.Run(context.Background(), stage.Batch{Bounds: controlplane.Bounds{Unbounded: true}})
	if err == nil || !strings.Contains(err.Error(), "null") {
		t.Fatalf("err = %v, want null-distribution failure", err)
	}
}

// TestExtractWatermarkFilter keeps only rows inside (lower, upper] on the
// watermark column, while RowsIn still reports what was read.
func TestExtractWatermarkFilter(t *testing.T) {
	t.Parallel()

	path := writeCSV(t, strings.Join([]string{
		"sale_id,sale_date",
		"T1,2024-01-01",
		"T2,2024-01-02",
		"T3,2024-01-03",
		"T4,2024-01-04",
		"",
	}, "\n"))
	s := &Stage{Path: path, Columns: []string{"sale_id", "sale_date"}}

	in := stage.Batch{
		Table:  controlplane.TableDefinition{Name: "sales_fact", WatermarkColumn: "sale_date"},
		Bounds: controlplane.Bounds{Lower: "2024-01-01", Upper: "2024-01-03"},
	}
	out, counts, err := s.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counts.RowsIn != 4 || counts.RowsOut != 2 {
		t.Fatalf("counts = %+v, want 4 in / 2 out", counts)
	}
	for _, rec := range out.Rows {
		d := rec.String("sale_date")
		if d <= "2024-01-01" || d > "2024-01-03" {
			t.Fatalf("row outside bounds survived: %q", d)
		}
	}
}
