package controlplane

import (
	"errors"
	"testing"
)

// TestLocksAllOrNothing verifies a partial conflict acquires nothing.
func TestLocksAllOrNothing(t *testing.T) {
	t.Parallel()

	l := NewTableLocks()

	if err := l.Acquire("run-a", []string{"customers_dim", "sales_fact"}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	var locked *TableLockedError
	err := l.Acquire("run-b", []string{"stores_dim", "sales_fact"})
	if !errors.As(err, &locked) {
		t.Fatalf("conflicting acquire error = %v, want TableLockedError", err)
	}
	if locked.Table != "sales_fact" || locked.RunID != "run-a" {
		t.Fatalf("conflict = %+v", locked)
	}

	// stores_dim must not have been acquired by the failed attempt.
	if err := l.Acquire("run-c", []string{"stores_dim"}); err != nil {
		t.Fatalf("stores_dim leaked from failed acquire: %v", err)
	}
}

// TestLocksReacquireByHolder verifies acquiring tables you already hold is
// not a conflict.
func TestLocksReacquireByHolder(t *testing.T) {
	t.Parallel()

	l := NewTableLocks()
	if err := l.Acquire("run-a", []string{"sales_fact"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Acquire("run-a", []string{"sales_fact", "date_dim"}); err != nil {
		t.Fatalf("reacquire by holder: %v", err)
	}
}

// TestLocksRelease verifies release frees only the holder's tables.
func TestLocksRelease(t *testing.T) {
	t.Parallel()

	l := NewTableLocks()
	if err := l.Acquire("run-a", []string{"customers_dim"}); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if err := l.Acquire("run-b", []string{"stores_dim"}); err != nil {
		t.Fatalf("acquire b: %v", err)
	}

	l.Release("run-a")

	if err := l.Acquire("run-c", []string{"customers_dim"}); err != nil {
		t.Fatalf("customers_dim still held after release: %v", err)
	}
	var locked *TableLockedError
	if err := l.Acquire("run-c", []string{"stores_dim"}); !errors.As(err, &locked) {
		t.Fatalf("stores_dim released by wrong holder: %v", err)
	}
}
