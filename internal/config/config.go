// Package config defines the canonical, JSON-serializable configuration
// model for the orchestrator. It is intentionally small, explicit, and
// dependency-free so that a deployment can be loaded from disk and passed
// through the program without additional glue code.
//
// Design goals:
//
//  1. Stability: Changes to this package should be additive and backwards-
//     compatible whenever possible.
//  2. Clarity: Field names in Go mirror the JSON structure of the config
//     file passed via -config.
//  3. Minimalism: No third-party config libraries; decoding is performed
//     by the standard library.
//
// Example (trimmed):
//
//	{
//	  "control":   { "dsn": "file:etl_control.db" },
//	  "warehouse": { "kind": "sqlite", "dsn": "file:warehouse.db" },
//	  "sources":   { "customers": "data/customers.csv" },
//	  "log_dir":   "logs",
//	  "metrics":   { "backend": "prometheus", "pushgateway_url": "http://localhost:9091" }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"retailetl/internal/schema"
)

// Config is the top-level object decoded from the config file.
type Config struct {
	// Control configures the control-plane database.
	Control Control `json:"control"`

	// Warehouse selects and configures the analytical warehouse backend.
	Warehouse Warehouse `json:"warehouse"`

	// Sources maps a source name (table_md.source_name) to a local CSV path.
	Sources map[string]string `json:"sources"`

	// LogDir is the directory for per-run log files. Empty logs to stderr
	// only.
	LogDir string `json:"log_dir"`

	// AsOfDate anchors time-derived modeling attributes ("2006-01-02").
	// Empty means today, UTC.
	AsOfDate string `json:"as_of_date"`

	// StateRegions overrides the built-in state to region mapping when
	// non-empty.
	StateRegions map[string]string `json:"state_regions"`

	// Metrics configures the optional metrics backend.
	Metrics Metrics `json:"metrics"`
}

// Control configures the control-plane database connection.
type Control struct {
	// DSN is the SQLite connection string, e.g. "file:etl_control.db".
	DSN string `json:"dsn"`
}

// Warehouse selects the warehouse backend.
type Warehouse struct {
	// Kind selects the backend implementation: "sqlite", "postgres", "mssql".
	Kind string `json:"kind"`

	// DSN is the backend connection string.
	DSN string `json:"dsn"`
}

// Metrics configures the optional metrics backend. An empty Backend
// disables metrics (the no-op backend stays installed).
type Metrics struct {
	// Backend selects the implementation: "", "prometheus", "datadog".
	Backend string `json:"backend"`

	// Job is the Pushgateway job name (prometheus backend).
	Job string `json:"job"`

	// PushgatewayURL is the Pushgateway base URL (prometheus backend).
	PushgatewayURL string `json:"pushgateway_url"`

	// DogstatsdAddr is the DogStatsD address (datadog backend).
	DogstatsdAddr string `json:"dogstatsd_addr"`

	// Namespace is an optional metric name prefix (datadog backend).
	Namespace string `json:"namespace"`
}

// Load reads and decodes a config file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// AsOf resolves the configured as-of date, defaulting to today in UTC.
func (c Config) AsOf() (time.Time, error) {
	if c.AsOfDate == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse("2006-01-02", c.AsOfDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("config: as_of_date %q: %w", c.AsOfDate, err)
	}
	return t, nil
}

// Regions resolves the effective state to region mapping.
func (c Config) Regions() map[string]string {
	if len(c.StateRegions) > 0 {
		return c.StateRegions
	}
	return schema.DefaultStateRegions
}
