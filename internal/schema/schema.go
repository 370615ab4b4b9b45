// Package schema declares the star-schema contract of the retail sales
// warehouse: per-table column sets, primary keys, critical non-nullable
// columns, and fact→dimension references. The warehouse is consumed, not
// owned, by the control plane, but the contract is needed in three places:
// the modeling stage (output shape), the validation gate (checks), and the
// bootstrap DDL.
package schema

// Ref declares a foreign-key relationship from a fact column to a
// dimension table's key column.
type Ref struct {
	Column    string // column on the referencing table
	DimTable  string
	DimColumn string
}

// Table is the declared contract for one warehouse table.
type Table struct {
	Name       string
	Columns    []string // full column set in load order
	PrimaryKey []string
	NotNull    []string // critical columns validated post-load
	Refs       []Ref    // non-empty only for facts
}

// Warehouse lists every table of the retail sales star schema keyed by
// name.
var Warehouse = map[string]Table{
	"customers_dim": {
		Name: "customers_dim",
		Columns: []string{
			"customer_id", "first_name", "last_name", "email", "city", "signup_date",
			"customer_full_name", "customer_tenure_days", "customer_tenure_bucket", "email_domain",
		},
		PrimaryKey: []string{"customer_id"},
		NotNull:    []string{"customer_id", "signup_date"},
	},
	"products_dim": {
		Name: "products_dim",
		Columns: []string{
			"product_id", "product_name", "category", "price",
			"price_band", "is_premium_product", "category_normalized",
		},
		PrimaryKey: []string{"product_id"},
		NotNull:    []string{"product_id", "price"},
	},
	"stores_dim": {
		Name: "stores_dim",
		Columns: []string{
			"store_id", "store_name", "city", "state",
			"is_metro_store", "store_region",
		},
		PrimaryKey: []string{"store_id"},
		NotNull:    []string{"store_id", "store_region"},
	},
	"date_dim": {
		Name: "date_dim",
		Columns: []string{
			"date", "year", "month", "year_month", "day_of_week", "is_weekend", "quarter",
		},
		PrimaryKey: []string{"date"},
		NotNull:    []string{"date"},
	},
	"sales_fact": {
		Name: "sales_fact",
		Columns: []string{
			"sale_id", "sale_date", "customer_id", "product_id", "store_id",
			"quantity", "unit_price", "discount_pct",
			"gross_amount", "discount_amount", "net_amount", "is_discounted",
			"order_year", "order_month",
		},
		PrimaryKey: []string{"sale_id"},
		NotNull:    []string{"sale_id", "sale_date", "customer_id", "product_id", "store_id"},
		Refs: []Ref{
			{Column: "customer_id", DimTable: "customers_dim", DimColumn: "customer_id"},
			{Column: "product_id", DimTable: "products_dim", DimColumn: "product_id"},
			{Column: "store_id", DimTable: "stores_dim", DimColumn: "store_id"},
		},
	},
}

// ColumnTypes maps warehouse columns to portable SQL types. Anything not
// listed is TEXT. Booleans are stored as 0/1 integers.
var ColumnTypes = map[string]string{
	"price":                "REAL",
	"quantity":             "REAL",
	"unit_price":           "REAL",
	"discount_pct":         "REAL",
	"gross_amount":         "REAL",
	"discount_amount":      "REAL",
	"net_amount":           "REAL",
	"customer_tenure_days": "INTEGER",
	"is_premium_product":   "INTEGER",
	"is_metro_store":       "INTEGER",
	"is_discounted":        "INTEGER",
	"is_weekend":           "INTEGER",
	"order_year":           "INTEGER",
	"year":                 "INTEGER",
	"month":                "INTEGER",
	"day_of_week":          "INTEGER",
	"quarter":              "INTEGER",
}

// ColumnType returns the portable SQL type of a warehouse column.
func ColumnType(col string) string {
	if t, ok := ColumnTypes[col]; ok {
		return t
	}
	return "TEXT"
}

// SourceColumns is the authoritative raw column list expected from each
// source file, keyed by warehouse table. Extraction fails fast when the
// source header deviates from this contract.
var SourceColumns = map[string][]string{
	"customers_dim": {"customer_id", "first_name", "last_name", "email", "city", "signup_date"},
	"products_dim":  {"product_id", "product_name", "category", "price"},
	"stores_dim":    {"store_id", "store_name", "city", "state"},
	"sales_fact":    {"sale_id", "sale_date", "customer_id", "product_id", "store_id", "quantity", "unit_price", "discount_pct"},
}

// DefaultStateRegions is the built-in state code to store region mapping
// used when the configuration does not override it. Modeling fails on any
// state absent from the effective map.
var DefaultStateRegions = map[string]string{
	// NORTH
	"JK": "NORTH", "HP": "NORTH", "PB": "NORTH", "HR": "NORTH",
	"DL": "NORTH", "UK": "NORTH", "UP": "NORTH", "CH": "NORTH",
	// SOUTH
	"KA": "SOUTH", "TN": "SOUTH", "KL": "SOUTH", "AP": "SOUTH",
	"TG": "SOUTH", "PY": "SOUTH",
	// EAST
	"WB": "EAST", "OD": "EAST", "BR": "EAST", "JH": "EAST",
	// WEST
	"MH": "WEST", "GJ": "WEST", "RJ": "WEST", "GA": "WEST",
	"DN": "WEST", "DD": "WEST",
	// CENTRAL
	"MP": "CENTRAL", "CG": "CENTRAL",
	// NORTH-EAST
	"AS": "NORTH_EAST", "AR": "NORTH_EAST", "ML": "NORTH_EAST", "MN": "NORTH_EAST",
	"MZ": "NORTH_EAST", "NL": "NORTH_EAST", "TR": "NORTH_EAST", "SK": "NORTH_EAST",
	// ISLANDS
	"AN": "ISLANDS", "LD": "ISLANDS",
}

// SourceTable maps a derived table to the table whose raw source feeds
// it. The date dimension has no source file of its own; it is derived
// from the sales source's date range.
var SourceTable = map[string]string{
	"date_dim": "sales_fact",
}

// SourceKey returns the source-level primary key used while conditioning
// a table's raw rows. Derived tables condition under their feeder's key.
func SourceKey(table string) []string {
	if src, ok := SourceTable[table]; ok {
		table = src
	}
	return Warehouse[table].PrimaryKey
}

// Defaults holds fill values applied to missing non-key source fields
// during conditioning.
var Defaults = map[string]map[string]any{
	"customers_dim": {"first_name": "", "last_name": "", "email": "", "city": "UNKNOWN"},
	"products_dim":  {"category": "UNKNOWN"},
	"stores_dim":    {"city": "UNKNOWN", "state": "UNKNOWN"},
	"sales_fact":    {"discount_pct": 0.0},
}

// NumericColumns lists the source columns coerced to float64 during
// conditioning, keyed by warehouse table.
var NumericColumns = map[string][]string{
	"products_dim": {"price"},
	"sales_fact":   {"quantity", "unit_price", "discount_pct"},
}

// DateColumns lists the source columns coerced to dates during
// conditioning, keyed by warehouse table.
var DateColumns = map[string][]string{
	"customers_dim": {"signup_date"},
	"sales_fact":    {"sale_date"},
}
