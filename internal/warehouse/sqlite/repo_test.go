package sqlite

import (
	"context"
	"database/sql"
	"testing"
)

/*
Package-level test helpers (TB-aware)
*/

func newMemRepo(tb testing.TB) *Repository {
	tb.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		tb.Fatalf("open sqlite :memory:: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func mustExec(tb testing.TB, r *Repository, stmt string) {
	tb.Helper()
	if err := r.Exec(context.Background(), stmt); err != nil {
		tb.Fatalf("exec %q: %v", stmt, err)
	}
}

/*
Unit tests
*/

// TestBulkUpsertIdempotent verifies loading the same rows twice leaves the
// table unchanged and updates non-key columns on conflict.
func TestBulkUpsertIdempotent(t *testing.T) {
	t.Parallel()

	r := newMemRepo(t)
	ctx := context.Background()
	mustExec(t, r, "CREATE TABLE stores_dim (store_id TEXT PRIMARY KEY, city TEXT)")

	rows := [][]any{
		{"S1", "MUMBAI"},
		{"S2", "PUNE"},
	}
	cols := []string{"store_id", "city"}
	keys := []string{"store_id"}

	if n, err := r.BulkUpsert(ctx, "stores_dim", cols, keys, rows); err != nil || n != 2 {
		t.Fatalf("first upsert = %d, %v", n, err)
	}
	if n, err := r.BulkUpsert(ctx, "stores_dim", cols, keys, rows); err != nil || n != 2 {
		t.Fatalf("second upsert = %d, %v", n, err)
	}

	count, err := r.CountQuery(ctx, "SELECT COUNT(*) FROM stores_dim")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2 after reload", count)
	}

	// Conflict updates the non-key column.
	if _, err := r.BulkUpsert(ctx, "stores_dim", cols, keys, [][]any{{"S1", "DELHI"}}); err != nil {
		t.Fatalf("update upsert: %v", err)
	}
	cities, err := r.QueryStrings(ctx, "SELECT city FROM stores_dim WHERE store_id = 'S1'")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(cities) != 1 || cities[0] != "DELHI" {
		t.Fatalf("cities = %v", cities)
	}
}

// TestBulkUpsertValidation rejects malformed calls before touching the
// database.
func TestBulkUpsertValidation(t *testing.T) {
	t.Parallel()

	r := newMemRepo(t)
	ctx := context.Background()
	mustExec(t, r, "CREATE TABLE t (id TEXT PRIMARY KEY, v TEXT)")

	if _, err := r.BulkUpsert(ctx, "t", nil, []string{"id"}, [][]any{{"a"}}); err == nil {
		t.Fatal("empty columns accepted")
	}
	if _, err := r.BulkUpsert(ctx, "t", []string{"id", "v"}, nil, [][]any{{"a", "b"}}); err == nil {
		t.Fatal("empty key columns accepted")
	}
	if _, err := r.BulkUpsert(ctx, "t", []string{"id", "v"}, []string{"id"}, [][]any{{"a"}}); err == nil {
		t.Fatal("short row accepted")
	}
	if n, err := r.BulkUpsert(ctx, "t", []string{"id", "v"}, []string{"id"}, nil); err != nil || n != 0 {
		t.Fatalf("empty rows = %d, %v", n, err)
	}
}

// TestUpsertSQLAllKeyColumns degrades to DO NOTHING when every column is
// part of the key.
func TestUpsertSQLAllKeyColumns(t *testing.T) {
	t.Parallel()

	stmt, err := upsertSQL("date_dim", []string{"date"}, []string{"date"})
	if err != nil {
		t.Fatalf("upsertSQL: %v", err)
	}
	want := "INSERT INTO date_dim (date) VALUES (?) ON CONFLICT (date) DO NOTHING"
	if stmt != want {
		t.Fatalf("stmt = %q, want %q", stmt, want)
	}
}

// TestQueryStringsNulls maps NULL values to empty strings rather than
// failing the scan.
func TestQueryStringsNulls(t *testing.T) {
	t.Parallel()

	r := newMemRepo(t)
	ctx := context.Background()
	mustExec(t, r, "CREATE TABLE t (v TEXT)")
	mustExec(t, r, "INSERT INTO t (v) VALUES ('a'), (NULL)")

	got, err := r.QueryStrings(ctx, "SELECT v FROM t ORDER BY v IS NULL, v")
	if err != nil {
		t.Fatalf("QueryStrings: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "" {
		t.Fatalf("got = %v", got)
	}
}
