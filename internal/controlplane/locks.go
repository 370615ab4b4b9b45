package controlplane

import "sync"

// TableLocks enforces the single-writer invariant on table_md: at most one
// in-flight run may target a given table. A run acquires every table it
// maps before its first stage and holds the set until the run finalizes,
// so two concurrent pipelines proceed only when their table sets are
// disjoint.
//
// The lock set is in-process, which is sufficient for the single-binary
// deployment this system targets; runs admitted through the same lock set
// can never commit conflicting watermark or row-count updates.
type TableLocks struct {
	mu   sync.Mutex
	held map[string]string // table name → holding run id
}

// NewTableLocks returns an empty lock set.
func NewTableLocks() *TableLocks {
	return &TableLocks{held: make(map[string]string)}
}

// Acquire locks every table for runID, all-or-nothing. If any table is
// already held by another run, nothing is acquired and a TableLockedError
// names the first conflicting table.
func (l *TableLocks) Acquire(runID string, tables []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range tables {
		if holder, ok := l.held[t]; ok && holder != runID {
			return &TableLockedError{Table: t, RunID: holder}
		}
	}
	for _, t := range tables {
		l.held[t] = runID
	}
	return nil
}

// Release frees every table held by runID.
func (l *TableLocks) Release(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for t, holder := range l.held {
		if holder == runID {
			delete(l.held, t)
		}
	}
}
