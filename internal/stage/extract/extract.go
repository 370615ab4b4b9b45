// Package extract implements the EXTRACT stage: reading one raw CSV
// source file into records, enforcing the source schema contract, and
// applying lightweight sanity checks before any transformation happens.
//
// Extraction is read-only and idempotent. All failures are fail-fast: a
// malformed file aborts the stage rather than dropping rows silently,
// because the control plane's row accounting depends on exact counts.
package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"retailetl/internal/controlplane"
	"retailetl/internal/stage"
	"retailetl/pkg/records"
)

// nullThresholdPct fails extraction when a column is almost entirely
// empty, which usually means a shifted or truncated source file.
const nullThresholdPct = 95.0

// Stage reads one CSV file for one table.
type Stage struct {
	// Path is the local path of the source file.
	Path string

	// Columns is the authoritative source column contract; extraction fails
	// when the file header deviates from it (order-insensitive).
	Columns []string
}

// Kind implements stage.Stage.
func (s *Stage) Kind() stage.Kind { return stage.Extract }

// Run implements stage.Stage. The incoming batch carries the resolved
// extraction bounds; for incremental tables rows at or below the previous
// watermark (or above the ceiling) are filtered out after parsing.
func (s *Stage) Run(ctx context.Context, in stage.Batch) (stage.Batch, stage.Counts, error) {
	rows, err := s.readCSV(ctx)
	if err != nil {
		return stage.Batch{}, stage.Counts{}, err
	}

	if len(rows) == 0 {
		return stage.Batch{}, stage.Counts{}, fmt.Errorf("source data is empty: %s", s.Path)
	}
	if err := checkNullDistribution(rows, s.Columns); err != nil {
		return stage.Batch{}, stage.Counts{}, err
	}
	if err := checkFullRowDuplicates(rows, s.Columns); err != nil {
		return stage.Batch{}, stage.Counts{}, err
	}

	read := int64(len(rows))
	rows = filterBounds(rows, in.Table.WatermarkColumn, in.Bounds)

	out := in
	out.Rows = rows
	return out, stage.Counts{RowsIn: read, RowsOut: int64(len(rows))}, nil
}

// readCSV parses the source file into records keyed by header name. A BOM
// on the first header cell is stripped. Every data row must have exactly
// the header's field count (encoding/csv enforces this).
func (s *Stage) readCSV(ctx context.Context) ([]records.Record, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = string(bytes.TrimPrefix([]byte(header[0]), []byte("\xef\xbb\xbf")))
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	if err := checkSchema(header, s.Columns); err != nil {
		return nil, err
	}

	var out []records.Record
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		rec := make(records.Record, len(header))
		for i, col := range header {
			rec[col] = fields[i]
		}
		out = append(out, rec)
	}
	return out, nil
}

// checkSchema compares the file header against the contract, ignoring
// column order.
func checkSchema(header, expected []string) error {
	got := append([]string(nil), header...)
	want := append([]string(nil), expected...)
	sort.Strings(got)
	sort.Strings(want)

	if len(got) != len(want) {
		return fmt.Errorf("schema mismatch: expected %d columns %v, read %d columns %v", len(want), want, len(got), got)
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("schema mismatch: expected columns %v, read %v", want, got)
		}
	}
	return nil
}

// checkNullDistribution rejects columns that are empty beyond the
// threshold.
func checkNullDistribution(rows []records.Record, columns []string) error {
	total := float64(len(rows))
	for _, col := range columns {
		nulls := 0
		for _, rec := range rows {
			if rec.IsNull(col) {
				nulls++
			}
		}
		if pct := float64(nulls) / total * 100; pct > nullThresholdPct {
			return fmt.Errorf("column %q is %.2f%% null in source", col, pct)
		}
	}
	return nil
}

// checkFullRowDuplicates fails when the raw source contains identical
// rows. Key-level duplicates are handled later by conditioning; identical
// full rows indicate a corrupted or double-appended source file.
func checkFullRowDuplicates(rows []records.Record, columns []string) error {
	seen := make(map[string]int, len(rows))
	for i, rec := range rows {
		var b strings.Builder
		for _, col := range columns {
			b.WriteString(rec.String(col))
			b.WriteByte('\x1f')
		}
		key := b.String()
		if first, ok := seen[key]; ok {
			return fmt.Errorf("duplicate source rows: row %d repeats row %d", i+1, first+1)
		}
		seen[key] = i
	}
	return nil
}

// filterBounds drops rows outside (lower, upper] on the watermark column.
// Full reloads (unbounded) and tables without a watermark column pass
// through untouched.
func filterBounds(rows []records.Record, watermarkColumn string, b controlplane.Bounds) []records.Record {
	if b.Unbounded || watermarkColumn == "" {
		return rows
	}

	out := rows[:0]
	for _, rec := range rows {
		v := rec.String(watermarkColumn)
		if b.Lower != "" && controlplane.CompareWatermarks(v, b.Lower) <= 0 {
			continue
		}
		if b.Upper != "" && controlplane.CompareWatermarks(v, b.Upper) > 0 {
			continue
		}
		out = append(out, rec)
	}
	return out
}
