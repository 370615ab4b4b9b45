// Package records defines the shared record type passed between ETL stages.
//
// A Record is a single logical row keyed by column name. Values are kept as
// loosely typed `any` because rows flow through several stages (extract,
// condition, model, load) that each refine types incrementally; the typed
// accessors below perform only minimal coercion and report whether the value
// was usable, mirroring the style of config.Options.
package records

import (
	"fmt"
	"strconv"
	"time"
)

// Record is one row of data keyed by column name.
type Record map[string]any

// Clone returns a shallow copy of the record. Stage implementations that
// rewrite rows should clone first so that upstream batches stay immutable.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// IsNull reports whether the column is absent, nil, or an empty string.
func (r Record) IsNull(col string) bool {
	v, ok := r[col]
	if !ok || v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// String returns the value for col rendered as a string. Missing and nil
// values render as "".
func (r Record) String(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float returns the value for col as a float64. Strings are parsed; absent,
// nil, and unparseable values return (0, false).
func (r Record) Float(col string) (float64, bool) {
	switch v := r[col].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Int returns the value for col as an int64, accepting integral floats and
// numeric strings.
func (r Record) Int(col string) (int64, bool) {
	switch v := r[col].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
		return 0, false
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Time returns the value for col as a time.Time. String values are parsed as
// RFC 3339 first and then as a bare "2006-01-02" date.
func (r Record) Time(col string) (time.Time, bool) {
	switch v := r[col].(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// Columns returns the record's column names in unspecified order.
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	return cols
}
