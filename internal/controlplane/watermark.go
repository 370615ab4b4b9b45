package controlplane

import "strconv"

// WatermarkManager computes extraction bounds and watermark advancement for
// tables. It never queries source data itself: the extraction ceiling is
// always supplied by the caller (e.g. the run start time, or the maximum
// value observed in the freshly extracted batch), and persistence happens
// exclusively through Store.CommitTableLoadResult.
//
// Watermark values are opaque sortable text. Two values that both parse as
// numbers compare numerically; anything else compares lexically, which is
// correct for the ISO-8601 timestamps the warehouse uses.
type WatermarkManager struct{}

// Bounds delimits an extraction range. Zero-value fields mean unbounded on
// that side; Unbounded is true for full reloads.
type Bounds struct {
	Lower     string // exclusive: rows strictly beyond the last watermark
	Upper     string // inclusive ceiling supplied by the caller
	Unbounded bool
}

// ResolveExtractionBounds returns the extraction range for a table.
//
// Full-strategy tables always re-extract everything. Incremental tables
// extract (LastLoadedValue, ceiling]; requesting incremental bounds for a
// table without a watermark column fails with UnsupportedStrategyError.
func (WatermarkManager) ResolveExtractionBounds(table TableDefinition, ceiling string) (Bounds, error) {
	if table.LoadStrategy == LoadFull {
		return Bounds{Unbounded: true}, nil
	}
	if table.WatermarkColumn == "" {
		return Bounds{}, &UnsupportedStrategyError{Table: table.Name}
	}
	return Bounds{Lower: table.LastLoadedValue, Upper: ceiling}, nil
}

// Advance returns the watermark value to persist after a successful load:
// the greater of the table's previous watermark and the observed value.
// It is a pure computation; a failed run simply never persists the result.
func (WatermarkManager) Advance(table TableDefinition, observed string) string {
	if observed == "" {
		return table.LastLoadedValue
	}
	if table.LastLoadedValue == "" || CompareWatermarks(observed, table.LastLoadedValue) > 0 {
		return observed
	}
	return table.LastLoadedValue
}

// CompareWatermarks orders two watermark values: numerically when both
// parse as floats, lexically otherwise. Returns -1, 0, or 1.
func CompareWatermarks(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
