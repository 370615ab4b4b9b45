// Package stage defines the uniform invocation contract wrapping each
// pipeline phase. The orchestrator never inspects a concrete stage's
// internals; it drives this interface and wraps every call with logging,
// timing, and metrics. Concrete stages live in the subpackages (extract,
// condition, model) and in internal/warehouse's load adapter.
//
// Stages form a closed set of kinds rather than free-form strings: the
// Kind enumeration is the in-memory representation, and its String form is
// the serialized stage name stored in etl_stage_log.
package stage

import (
	"context"
	"fmt"

	"retailetl/internal/controlplane"
	"retailetl/pkg/records"
)

// Kind enumerates the fixed stage vocabulary.
type Kind int

const (
	Extract Kind = iota
	ConditionTransform
	ModelTransform
	Load
	Validate
)

// String returns the serialized form stored in the stage log.
func (k Kind) String() string {
	switch k {
	case Extract:
		return "EXTRACT"
	case ConditionTransform:
		return "TRANSFORM_P1"
	case ModelTransform:
		return "TRANSFORM_P2"
	case Load:
		return "LOAD"
	case Validate:
		return "VALIDATION"
	default:
		return fmt.Sprintf("KIND(%d)", int(k))
	}
}

// LogName builds the stage_name recorded for this kind. Per-table stages
// qualify the kind with the table so the (run_id, stage_name) primary key
// holds for pipelines that map several tables; the run-level validation
// stage stays bare.
func (k Kind) LogName(table string) string {
	if k == Validate || table == "" {
		return k.String()
	}
	return k.String() + ":" + table
}

// Batch is the typed value flowing between stages: the target table, its
// role in the pipeline, the extraction bounds resolved for this run, and
// the rows produced so far. The extract stage receives an empty row set
// and fills it; transforms rewrite it; load consumes it.
type Batch struct {
	Table  controlplane.TableDefinition
	Role   controlplane.TableRole
	Bounds controlplane.Bounds
	Rows   []records.Record
}

// Counts is the row accounting a stage reports for the stage log.
type Counts struct {
	RowsIn  int64
	RowsOut int64
}

// Stage is the capability interface every pipeline phase implements.
type Stage interface {
	Kind() Kind
	Run(ctx context.Context, in Batch) (Batch, Counts, error)
}

// Error wraps a failure from a concrete stage with its kind and table, so
// the orchestrator and the log tables can attribute it without inspecting
// stage internals.
type Error struct {
	Kind  Kind
	Table string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed for table %q: %v", e.Kind, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
