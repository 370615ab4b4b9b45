package controlplane

import "fmt"

// NotFoundError reports a pipeline or table absent from the definition set.
type NotFoundError struct {
	Kind string // "pipeline" or "table"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("controlplane: %s %q not found", e.Kind, e.Name)
}

// InactiveError reports an attempt to run a disabled pipeline. Callers must
// check activity before starting a run so that disabled pipelines never
// produce a spurious run record.
type InactiveError struct {
	Pipeline string
}

func (e *InactiveError) Error() string {
	return fmt.Sprintf("controlplane: pipeline %q is inactive", e.Pipeline)
}

// UnsupportedStrategyError reports an incremental-bounds request for a table
// without a watermark column.
type UnsupportedStrategyError struct {
	Table string
}

func (e *UnsupportedStrategyError) Error() string {
	return fmt.Sprintf("controlplane: table %q has no watermark column and only supports full loads", e.Table)
}

// DuplicateStageError reports a second StartStage for the same
// (run, stage) pair. This is a broken invariant, not a retryable
// condition.
type DuplicateStageError struct {
	RunID     string
	StageName string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("controlplane: stage %q already started for run %s", e.StageName, e.RunID)
}

// InvalidTransitionError reports an attempt to finalize a run or stage that
// is already terminal (or was never started). Like DuplicateStageError it
// indicates programmer/integrity error and must not be swallowed.
type InvalidTransitionError struct {
	RunID     string
	StageName string // empty for run-level transitions
	Status    Status
}

func (e *InvalidTransitionError) Error() string {
	if e.StageName == "" {
		return fmt.Sprintf("controlplane: run %s cannot transition to %s: already terminal or unknown", e.RunID, e.Status)
	}
	return fmt.Sprintf("controlplane: stage %q of run %s cannot transition to %s: already terminal or unknown", e.StageName, e.RunID, e.Status)
}

// TableLockedError reports that another in-flight run holds one of the
// tables this run needs.
type TableLockedError struct {
	Table string
	RunID string // holder
}

func (e *TableLockedError) Error() string {
	return fmt.Sprintf("controlplane: table %q is locked by run %s", e.Table, e.RunID)
}
