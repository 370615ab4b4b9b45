// Package load implements the LOAD stage: writing a modeled batch into
// the warehouse through a backend-agnostic repository.
//
// Loads are idempotent upserts keyed by the warehouse primary key, so a
// full reload of unchanged source data leaves the target table
// byte-identical. Values are flattened to driver-friendly types here;
// booleans are stored as 0/1 integers so the same modeled batch loads
// identically on every backend.
package load

import (
	"context"
	"fmt"

	"retailetl/internal/schema"
	"retailetl/internal/stage"
	"retailetl/internal/warehouse"
)

// Stage loads one modeled batch into its warehouse table.
type Stage struct {
	Repo warehouse.Repository
}

// Kind implements stage.Stage.
func (s *Stage) Kind() stage.Kind { return stage.Load }

// Run implements stage.Stage. Column order comes from the warehouse
// contract, not from map iteration, so generated statements are stable.
func (s *Stage) Run(ctx context.Context, in stage.Batch) (stage.Batch, stage.Counts, error) {
	contract, ok := schema.Warehouse[in.Table.Name]
	if !ok {
		return stage.Batch{}, stage.Counts{}, fmt.Errorf("table %q is not part of the warehouse contract", in.Table.Name)
	}

	rows := make([][]any, 0, len(in.Rows))
	for _, rec := range in.Rows {
		row := make([]any, len(contract.Columns))
		for i, col := range contract.Columns {
			row[i] = flatten(rec[col])
		}
		rows = append(rows, row)
	}

	written, err := s.Repo.BulkUpsert(ctx, contract.Name, contract.Columns, contract.PrimaryKey, rows)
	if err != nil {
		return stage.Batch{}, stage.Counts{}, fmt.Errorf("load %s: %w", contract.Name, err)
	}

	return in, stage.Counts{RowsIn: int64(len(in.Rows)), RowsOut: written}, nil
}

func flatten(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return int64(1)
		}
		return int64(0)
	}
	return v
}
