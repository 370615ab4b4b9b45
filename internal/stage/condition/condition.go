// Package condition implements the TRANSFORM_P1 (conditioning) stage:
// deterministic cleaning of extracted rows before modeling.
//
// Conditioning performs, in order:
//
//  1. Column name standardization to snake_case.
//  2. Unicode NFC normalization of string values.
//  3. Dropping rows with a NULL primary key component.
//  4. Filling missing non-key fields from the declared defaults.
//  5. Primary-key de-duplication, keep-first.
//  6. Type coercion for declared numeric and date columns (fail-fast).
//
// No joins, aggregation, or business logic happen here; that is the
// modeling stage's job.
package condition

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/unicode/norm"

	"retailetl/internal/stage"
	"retailetl/pkg/records"
)

// Stage conditions one table's extracted batch.
type Stage struct {
	// Key is the source-level primary key used for null-key drops and
	// de-duplication. It can differ from the warehouse primary key when a
	// table is derived from another table's source (the date dimension is
	// keyed by sale_id at this point, not by date).
	Key []string

	// Defaults maps column name to the fill value for missing fields.
	Defaults map[string]any

	// NumericColumns are coerced to float64; unparseable values fail the
	// stage.
	NumericColumns []string

	// DateColumns are coerced to canonical "2006-01-02" strings.
	DateColumns []string
}

// Kind implements stage.Stage.
func (s *Stage) Kind() stage.Kind { return stage.ConditionTransform }

// Run implements stage.Stage.
func (s *Stage) Run(ctx context.Context, in stage.Batch) (stage.Batch, stage.Counts, error) {
	rowsIn := int64(len(in.Rows))

	out := make([]records.Record, 0, len(in.Rows))
	for _, rec := range in.Rows {
		out = append(out, normalizeRecord(rec))
	}

	out = dropNullKeys(out, s.Key)
	fillDefaults(out, s.Defaults)
	out = dedupByKey(out, s.Key)

	if err := s.coerce(out); err != nil {
		return stage.Batch{}, stage.Counts{}, err
	}

	res := in
	res.Rows = out
	return res, stage.Counts{RowsIn: rowsIn, RowsOut: int64(len(out))}, nil
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeColumnName converts a raw column name to deterministic
// snake_case.
func NormalizeColumnName(col string) string {
	col = strings.ToLower(strings.TrimSpace(col))
	col = nonAlnum.ReplaceAllString(col, "_")
	return strings.Trim(col, "_")
}

// normalizeRecord rewrites a record with snake_case column names and
// NFC-normalized, trimmed string values.
func normalizeRecord(rec records.Record) records.Record {
	out := make(records.Record, len(rec))
	for col, v := range rec {
		if s, ok := v.(string); ok {
			v = norm.NFC.String(strings.TrimSpace(s))
		}
		out[NormalizeColumnName(col)] = v
	}
	return out
}

// dropNullKeys removes rows missing any primary key component.
func dropNullKeys(rows []records.Record, key []string) []records.Record {
	out := rows[:0]
	for _, rec := range rows {
		keep := true
		for _, k := range key {
			if rec.IsNull(k) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, rec)
		}
	}
	return out
}

// fillDefaults replaces null fields with their declared default.
func fillDefaults(rows []records.Record, defaults map[string]any) {
	if len(defaults) == 0 {
		return
	}
	for _, rec := range rows {
		for col, def := range defaults {
			if rec.IsNull(col) {
				rec[col] = def
			}
		}
	}
}

// dedupByKey keeps the first occurrence of each primary key. Keys are
// hashed rather than concatenated so the retained set stays small for
// wide keys.
func dedupByKey(rows []records.Record, key []string) []records.Record {
	if len(key) == 0 {
		return rows
	}

	seen := make(map[uint64]struct{}, len(rows))
	out := rows[:0]
	for _, rec := range rows {
		var b strings.Builder
		for _, k := range key {
			b.WriteString(rec.String(k))
			b.WriteByte('\x1f')
		}
		h := xxh3.HashString(b.String())
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// coerce converts declared numeric and date columns in place.
func (s *Stage) coerce(rows []records.Record) error {
	for i, rec := range rows {
		for _, col := range s.NumericColumns {
			f, ok := rec.Float(col)
			if !ok {
				return fmt.Errorf("row %d: column %q value %q is not numeric", i+1, col, rec.String(col))
			}
			rec[col] = f
		}
		for _, col := range s.DateColumns {
			t, ok := rec.Time(col)
			if !ok {
				return fmt.Errorf("row %d: column %q value %q is not a date", i+1, col, rec.String(col))
			}
			rec[col] = t.Format("2006-01-02")
		}
	}
	return nil
}
