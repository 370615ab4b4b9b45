// Package warehouse contains the storage-agnostic contract for the
// analytical warehouse plus the backend factory. Concrete backends
// (sqlite, postgres, mssql) register themselves at init time; callers
// select one by kind and never import backend packages directly.
package warehouse

import (
	"context"
	"fmt"
	"sync"
)

// Config selects and configures a warehouse backend.
type Config struct {
	// Kind selects the backend implementation: "sqlite", "postgres", "mssql".
	Kind string
	// DSN is the backend connection string.
	DSN string
}

// Repository is the minimal warehouse capability the orchestrator and the
// validation gate need. Loads are idempotent upserts by primary key:
// reloading identical rows must not duplicate or corrupt state.
type Repository interface {
	// BulkUpsert inserts rows into table, updating non-key columns on
	// primary-key conflict. rows are aligned to columns; keyColumns must be
	// a subset of columns. Returns the number of rows written.
	BulkUpsert(ctx context.Context, table string, columns, keyColumns []string, rows [][]any) (int64, error)

	// CountQuery runs a single-value COUNT-style query with no parameters.
	// Queries are built from metadata identifiers only, never from row data.
	CountQuery(ctx context.Context, query string) (int64, error)

	// QueryStrings runs a query returning one text column and collects the
	// values, used for sampling violating keys during validation.
	QueryStrings(ctx context.Context, query string) ([]string, error)

	// Exec executes an arbitrary statement, typically DDL.
	Exec(ctx context.Context, stmt string) error

	Close()
}

// Factory constructs a Repository for a registered kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs (or replaces) the factory for a backend kind. It is
// called from backend packages' init functions.
func Register(kind string, fn Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = fn
}

// New opens a Repository for cfg.Kind. Unknown kinds list the registered
// alternatives to make mis-wired configs easy to diagnose.
func New(ctx context.Context, cfg Config) (Repository, error) {
	regMu.RLock()
	fn, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("warehouse: unknown kind %q (registered: %v)", cfg.Kind, Kinds())
	}
	return fn(ctx, cfg)
}

// Kinds returns the registered backend kinds in unspecified order.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}
