// Package bootstrap performs one-time environment initialization: the
// control-plane schema, the warehouse star schema, and the static
// metadata topology (pipelines, tables, pipeline-to-table mappings).
//
// Bootstrap describes static configuration, not routine execution: it is
// intended to run once per environment and is never invoked during a
// pipeline run. Re-running against an initialized environment fails on
// the metadata inserts rather than silently duplicating topology.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"retailetl/internal/controlplane"
	"retailetl/internal/schema"
	"retailetl/internal/warehouse"
)

// InitControl creates the control-plane tables.
func InitControl(ctx context.Context, store *controlplane.Store) error {
	return controlplane.EnsureSchema(ctx, store.DB())
}

// InitWarehouse creates every star-schema table from the warehouse
// contract. Dimensions are created before the fact so FK declarations
// resolve on engines that check them at DDL time.
func InitWarehouse(ctx context.Context, repo warehouse.Repository) error {
	var tables []schema.Table
	var fact []schema.Table
	for _, t := range schema.Warehouse {
		if len(t.Refs) > 0 {
			fact = append(fact, t)
			continue
		}
		tables = append(tables, t)
	}
	tables = append(tables, fact...)

	for _, t := range tables {
		if err := repo.Exec(ctx, tableDDL(t)); err != nil {
			return fmt.Errorf("bootstrap: create %s: %w", t.Name, err)
		}
	}
	return nil
}

// tableDDL renders portable CREATE TABLE IF NOT EXISTS for one contract
// table.
func tableDDL(t schema.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.Name)
	for _, col := range t.Columns {
		fmt.Fprintf(&b, "  %s %s,\n", col, schema.ColumnType(col))
	}
	fmt.Fprintf(&b, "  PRIMARY KEY (%s)", strings.Join(t.PrimaryKey, ", "))
	for _, ref := range t.Refs {
		fmt.Fprintf(&b, ",\n  FOREIGN KEY (%s) REFERENCES %s(%s)", ref.Column, ref.DimTable, ref.DimColumn)
	}
	b.WriteString("\n)")
	return b.String()
}

// SeedMetadata registers the static pipeline topology: the four
// single-table pipelines plus the composite daily_sales pipeline that
// loads the whole star in dependency order. sales_fact is the only
// incremental table; everything else fully reloads.
func SeedMetadata(ctx context.Context, store *controlplane.Store) error {
	pipelines := []controlplane.PipelineDefinition{
		{Name: "customers", SourceName: "customers", LoadStrategy: controlplane.LoadFull, Schedule: "manual", IsActive: true},
		{Name: "products", SourceName: "products", LoadStrategy: controlplane.LoadFull, Schedule: "manual", IsActive: true},
		{Name: "stores", SourceName: "stores", LoadStrategy: controlplane.LoadFull, Schedule: "manual", IsActive: true},
		{Name: "sales", SourceName: "sales", LoadStrategy: controlplane.LoadIncremental, Schedule: "manual", IsActive: true},
		{Name: "daily_sales", SourceName: "retail_sales", LoadStrategy: controlplane.LoadIncremental, Schedule: "daily", IsActive: true},
	}
	for _, p := range pipelines {
		if err := store.RegisterPipeline(ctx, p); err != nil {
			return err
		}
	}

	tables := []controlplane.TableDefinition{
		{Name: "customers_dim", Layer: "load", SourceName: "customers", Grain: "customer", PrimaryKey: []string{"customer_id"}, LoadStrategy: controlplane.LoadFull, IsActive: true},
		{Name: "products_dim", Layer: "load", SourceName: "products", Grain: "product", PrimaryKey: []string{"product_id"}, LoadStrategy: controlplane.LoadFull, IsActive: true},
		{Name: "stores_dim", Layer: "load", SourceName: "stores", Grain: "store", PrimaryKey: []string{"store_id"}, LoadStrategy: controlplane.LoadFull, IsActive: true},
		{Name: "date_dim", Layer: "load", SourceName: "sales", Grain: "date", PrimaryKey: []string{"date"}, LoadStrategy: controlplane.LoadFull, IsActive: true},
		{Name: "sales_fact", Layer: "load", SourceName: "sales", Grain: "transaction", PrimaryKey: []string{"sale_id"}, LoadStrategy: controlplane.LoadIncremental, WatermarkColumn: "sale_date", IsActive: true},
	}
	for _, t := range tables {
		if err := store.RegisterTable(ctx, t); err != nil {
			return err
		}
	}

	type mapping struct {
		pipeline, table, order string
		role                   controlplane.TableRole
	}
	mappings := []mapping{
		{"customers", "customers_dim", "1", controlplane.RoleDimension},
		{"products", "products_dim", "1", controlplane.RoleDimension},
		{"stores", "stores_dim", "1", controlplane.RoleDimension},
		{"sales", "date_dim", "1", controlplane.RoleDimension},
		{"sales", "sales_fact", "2", controlplane.RoleFact},

		{"daily_sales", "stores_dim", "1", controlplane.RoleDimension},
		{"daily_sales", "customers_dim", "2", controlplane.RoleDimension},
		{"daily_sales", "products_dim", "3", controlplane.RoleDimension},
		{"daily_sales", "date_dim", "4", controlplane.RoleDimension},
		{"daily_sales", "sales_fact", "5", controlplane.RoleFact},
	}
	for _, m := range mappings {
		if err := store.MapTable(ctx, m.pipeline, m.table, m.order, m.role); err != nil {
			return err
		}
	}
	return nil
}

// Init runs the full bootstrap sequence: control schema, warehouse
// schema, metadata topology.
func Init(ctx context.Context, store *controlplane.Store, repo warehouse.Repository) error {
	if err := InitControl(ctx, store); err != nil {
		return err
	}
	if err := InitWarehouse(ctx, repo); err != nil {
		return err
	}
	return SeedMetadata(ctx, store)
}
