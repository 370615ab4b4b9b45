// Package validate implements the post-load validation gate. The gate
// runs after every table of a pipeline has loaded and before any metadata
// is committed; a failing gate fails the run and leaves watermarks and
// row counts untouched.
//
// Unlike the fail-fast stages, validation is exhaustive: every check on
// every table runs, and all violations are reported together so one run
// surfaces the complete damage instead of the first symptom.
package validate

import (
	"context"
	"fmt"
	"strings"

	"retailetl/internal/schema"
	"retailetl/internal/warehouse"
)

// sampleLimit caps how many violating key values a single check reports.
const sampleLimit = 5

// Violation is one failed check on one table.
type Violation struct {
	Table  string
	Check  string
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s: %s", v.Table, v.Check, v.Detail)
}

// AggregateError carries every violation found by a gate run.
type AggregateError struct {
	Violations []Violation
}

func (e *AggregateError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("validation failed with %d violation(s): %s", len(e.Violations), strings.Join(parts, "; "))
}

// TableResult is what the orchestrator stages per table before the gate:
// the rows the LOAD stage reported written.
type TableResult struct {
	Table      string
	RowsLoaded int64
}

// Gate validates loaded tables against the warehouse contract.
type Gate struct {
	Repo warehouse.Repository
}

// Run checks every table in results. It returns (violations, nil) when
// all queries executed; a non-nil error means the gate itself could not
// run and the run must fail regardless of data quality.
func (g *Gate) Run(ctx context.Context, results []TableResult) ([]Violation, error) {
	var out []Violation
	for _, res := range results {
		contract, ok := schema.Warehouse[res.Table]
		if !ok {
			return nil, fmt.Errorf("validate: table %q is not part of the warehouse contract", res.Table)
		}

		vs, err := g.checkTable(ctx, contract, res)
		if err != nil {
			return nil, fmt.Errorf("validate: %s: %w", res.Table, err)
		}
		out = append(out, vs...)
	}
	return out, nil
}

// nullCheckSQL builds the null predicate for one critical column. The
// empty-string clause applies only to TEXT columns: comparing a numeric
// column to '' is a parse error on postgres and coerces to 0 on mssql,
// which would misreport a legitimate zero value.
func nullCheckSQL(table, col string) string {
	pred := col + " IS NULL"
	if schema.ColumnType(col) == "TEXT" {
		pred += fmt.Sprintf(" OR %s = ''", col)
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, pred)
}

func (g *Gate) checkTable(ctx context.Context, t schema.Table, res TableResult) ([]Violation, error) {
	var out []Violation

	// Row-count reconciliation. Upserts never shrink the table, so the
	// target holding fewer rows than this run loaded means rows were lost.
	count, err := g.Repo.CountQuery(ctx, "SELECT COUNT(*) FROM "+t.Name)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		out = append(out, Violation{t.Name, "row_count", "table is empty after load"})
	} else if count < res.RowsLoaded {
		out = append(out, Violation{t.Name, "row_count",
			fmt.Sprintf("table holds %d rows but the run loaded %d", count, res.RowsLoaded)})
	}

	// Nulls in critical columns.
	for _, col := range t.NotNull {
		n, err := g.Repo.CountQuery(ctx, nullCheckSQL(t.Name, col))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out = append(out, Violation{t.Name, "null_check",
				fmt.Sprintf("column %s has %d null value(s)", col, n)})
		}
	}

	// Duplicate primary keys.
	pk := strings.Join(t.PrimaryKey, ", ")
	q := fmt.Sprintf("SELECT COUNT(*) FROM (SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1) d", pk, t.Name, pk)
	dups, err := g.Repo.CountQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	if dups > 0 {
		out = append(out, Violation{t.Name, "duplicate_pk",
			fmt.Sprintf("%d duplicated primary key value(s) on (%s)", dups, pk)})
	}

	// Referential integrity, facts only.
	for _, ref := range t.Refs {
		q := fmt.Sprintf(
			"SELECT COUNT(*) FROM %s f LEFT JOIN %s d ON f.%s = d.%s WHERE d.%s IS NULL",
			t.Name, ref.DimTable, ref.Column, ref.DimColumn, ref.DimColumn)
		orphans, err := g.Repo.CountQuery(ctx, q)
		if err != nil {
			return nil, err
		}
		if orphans == 0 {
			continue
		}

		sampleQ := fmt.Sprintf(
			"SELECT DISTINCT f.%s FROM %s f LEFT JOIN %s d ON f.%s = d.%s WHERE d.%s IS NULL ORDER BY f.%s LIMIT %d",
			ref.Column, t.Name, ref.DimTable, ref.Column, ref.DimColumn, ref.DimColumn, ref.Column, sampleLimit)
		sample, err := g.Repo.QueryStrings(ctx, sampleQ)
		if err != nil {
			return nil, err
		}
		out = append(out, Violation{t.Name, "referential_integrity",
			fmt.Sprintf("%d row(s) reference missing %s.%s (sample: %s)",
				orphans, ref.DimTable, ref.DimColumn, strings.Join(sample, ", "))})
	}

	return out, nil
}
