// Package model implements the TRANSFORM_P2 (modeling) stage: shaping
// conditioned rows into the warehouse's analytical fact and dimension
// tables and deriving business-meaningful attributes.
//
// Builders are deterministic and purely in-memory. Every builder output
// passes the shared integrity checks (primary key validity, schema match,
// column naming) before leaving the stage; dimension and fact builders
// additionally must preserve row counts, while the date dimension derives
// its own row set from the sale date range.
package model

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"retailetl/internal/schema"
	"retailetl/internal/stage"
	"retailetl/pkg/records"
)

// Stage models one table's conditioned batch.
type Stage struct {
	// AsOf anchors time-derived attributes (customer tenure) so reruns over
	// unchanged data stay deterministic.
	AsOf time.Time

	// Regions maps upper-case state codes to store regions.
	Regions map[string]string
}

// Kind implements stage.Stage.
func (s *Stage) Kind() stage.Kind { return stage.ModelTransform }

// Run implements stage.Stage. The builder is selected by the batch's
// target table.
func (s *Stage) Run(ctx context.Context, in stage.Batch) (stage.Batch, stage.Counts, error) {
	rowsIn := int64(len(in.Rows))

	var (
		out []records.Record
		err error
	)
	switch in.Table.Name {
	case "customers_dim":
		out, err = s.buildCustomers(in.Rows)
	case "products_dim":
		out, err = s.buildProducts(in.Rows)
	case "stores_dim":
		out, err = s.buildStores(in.Rows)
	case "sales_fact":
		out, err = s.buildSales(in.Rows)
	case "date_dim":
		out, err = s.buildDates(in.Rows)
	default:
		err = fmt.Errorf("no builder for table %q", in.Table.Name)
	}
	if err != nil {
		return stage.Batch{}, stage.Counts{}, err
	}

	contract, ok := schema.Warehouse[in.Table.Name]
	if !ok {
		return stage.Batch{}, stage.Counts{}, fmt.Errorf("table %q is not part of the warehouse contract", in.Table.Name)
	}
	preserveCount := in.Table.Name != "date_dim"
	if err := checkIntegrity(contract, out, len(in.Rows), preserveCount); err != nil {
		return stage.Batch{}, stage.Counts{}, err
	}

	res := in
	res.Rows = out
	return res, stage.Counts{RowsIn: rowsIn, RowsOut: int64(len(out))}, nil
}

func (s *Stage) buildCustomers(rows []records.Record) ([]records.Record, error) {
	out := make([]records.Record, 0, len(rows))
	for i, rec := range rows {
		signup, ok := rec.Time("signup_date")
		if !ok {
			return nil, fmt.Errorf("row %d: signup_date %q is not a date", i+1, rec.String("signup_date"))
		}

		r := rec.Clone()
		r["customer_full_name"] = strings.TrimSpace(rec.String("first_name") + " " + rec.String("last_name"))

		tenure := int64(s.AsOf.Sub(signup).Hours() / 24)
		r["customer_tenure_days"] = tenure
		r["customer_tenure_bucket"] = tenureBucket(tenure)

		domain := ""
		if at := strings.Index(rec.String("email"), "@"); at >= 0 {
			domain = rec.String("email")[at+1:]
		}
		r["email_domain"] = domain

		out = append(out, r)
	}
	return out, nil
}

func (s *Stage) buildProducts(rows []records.Record) ([]records.Record, error) {
	out := make([]records.Record, 0, len(rows))
	for i, rec := range rows {
		price, ok := rec.Float("price")
		if !ok {
			return nil, fmt.Errorf("row %d: price %q is not numeric", i+1, rec.String("price"))
		}

		r := rec.Clone()
		r["price_band"] = priceBand(price)
		r["is_premium_product"] = price > 2000
		r["category_normalized"] = strings.ToUpper(rec.String("category"))
		out = append(out, r)
	}
	return out, nil
}

// metroCities marks the store cities treated as metro markets.
var metroCities = map[string]struct{}{
	"MUMBAI": {}, "DELHI": {}, "BANGALORE": {}, "CHENNAI": {},
}

func (s *Stage) buildStores(rows []records.Record) ([]records.Record, error) {
	out := make([]records.Record, 0, len(rows))
	for i, rec := range rows {
		city := strings.ToUpper(rec.String("city"))
		state := strings.ToUpper(rec.String("state"))

		region, ok := s.Regions[state]
		if !ok {
			return nil, fmt.Errorf("row %d: no region mapped for state %q", i+1, state)
		}

		r := rec.Clone()
		r["city"] = city
		r["state"] = state
		_, metro := metroCities[city]
		r["is_metro_store"] = metro
		r["store_region"] = region
		out = append(out, r)
	}
	return out, nil
}

func (s *Stage) buildSales(rows []records.Record) ([]records.Record, error) {
	out := make([]records.Record, 0, len(rows))
	for i, rec := range rows {
		qty, okQ := rec.Float("quantity")
		unit, okU := rec.Float("unit_price")
		disc, okD := rec.Float("discount_pct")
		if !okQ || !okU || !okD {
			return nil, fmt.Errorf("row %d: non-numeric quantity/unit_price/discount_pct", i+1)
		}
		// Units sell whole; a fractional quantity is corrupt source data.
		if _, whole := rec.Int("quantity"); !whole {
			return nil, fmt.Errorf("row %d: quantity %v is not a whole number", i+1, rec["quantity"])
		}
		saleDate, ok := rec.Time("sale_date")
		if !ok {
			return nil, fmt.Errorf("row %d: sale_date %q is not a date", i+1, rec.String("sale_date"))
		}

		gross := qty * unit
		discount := gross * (disc / 100)

		r := rec.Clone()
		r["gross_amount"] = gross
		r["discount_amount"] = discount
		r["net_amount"] = gross - discount
		r["is_discounted"] = disc > 0
		r["order_year"] = int64(saleDate.Year())
		r["order_month"] = saleDate.Format("2006-01")
		out = append(out, r)
	}
	return out, nil
}

// buildDates derives the date dimension covering the min..max sale_date of
// the conditioned sales batch, one row per calendar day. Weekdays follow
// the Monday=0 convention so is_weekend marks Saturday and Sunday.
func (s *Stage) buildDates(rows []records.Record) ([]records.Record, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("cannot derive date range from an empty sales batch")
	}

	var min, max time.Time
	for i, rec := range rows {
		d, ok := rec.Time("sale_date")
		if !ok {
			return nil, fmt.Errorf("row %d: sale_date %q is not a date", i+1, rec.String("sale_date"))
		}
		if i == 0 || d.Before(min) {
			min = d
		}
		if i == 0 || d.After(max) {
			max = d
		}
	}

	var out []records.Record
	for d := min; !d.After(max); d = d.AddDate(0, 0, 1) {
		dow := (int64(d.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
		out = append(out, records.Record{
			"date":        d.Format("2006-01-02"),
			"year":        int64(d.Year()),
			"month":       int64(d.Month()),
			"year_month":  d.Format("2006-01"),
			"day_of_week": dow,
			"is_weekend":  dow >= 5,
			"quarter":     (int64(d.Month())-1)/3 + 1,
		})
	}
	return out, nil
}

var columnNamePattern = regexp.MustCompile(`^[a-z0-9]+(?:_[a-z0-9]+)*$`)

// checkIntegrity enforces the modeling invariants: non-null unique primary
// keys, preserved row count (where applicable), exact schema match, and
// snake_case column names.
func checkIntegrity(contract schema.Table, rows []records.Record, rowsBefore int, preserveCount bool) error {
	seen := make(map[string]struct{}, len(rows))
	for i, rec := range rows {
		var b strings.Builder
		for _, k := range contract.PrimaryKey {
			if rec.IsNull(k) {
				return fmt.Errorf("%s: row %d: null primary key component %q", contract.Name, i+1, k)
			}
			b.WriteString(rec.String(k))
			b.WriteByte('\x1f')
		}
		key := b.String()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%s: duplicate primary key %q after modeling", contract.Name, strings.ReplaceAll(key, "\x1f", ","))
		}
		seen[key] = struct{}{}
	}

	if preserveCount && len(rows) != rowsBefore {
		return fmt.Errorf("%s: row count changed during modeling: %d -> %d", contract.Name, rowsBefore, len(rows))
	}

	want := append([]string(nil), contract.Columns...)
	sort.Strings(want)
	for i, rec := range rows {
		got := rec.Columns()
		sort.Strings(got)
		if len(got) != len(want) || !equalStrings(got, want) {
			return fmt.Errorf("%s: row %d: schema mismatch: expected %v, got %v", contract.Name, i+1, want, got)
		}
	}

	for _, col := range contract.Columns {
		if !columnNamePattern.MatchString(col) {
			return fmt.Errorf("%s: invalid column name %q", contract.Name, col)
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tenureBucket(days int64) string {
	switch {
	case days <= 90:
		return "NEW"
	case days <= 365:
		return "REGULAR"
	default:
		return "LOYAL"
	}
}

func priceBand(price float64) string {
	switch {
	case price <= 500:
		return "LOW"
	case price <= 2000:
		return "MEDIUM"
	default:
		return "HIGH"
	}
}
