// This file adds a lightweight linter/validator for Config values. It
// performs static checks over a decoded Config and returns a list of
// issues (errors and warnings) that callers can surface in a CLI or
// tests.
package config

import (
	"fmt"
	"strings"
	"time"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Config.
//
// Path is a dotted path into the config (e.g. "warehouse.kind",
// "metrics.pushgateway_url"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a
// single error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// Validate performs static validation / linting of a Config.
//
// It does not mutate the config. Instead it returns a slice of Issue
// values; callers may decide whether to treat warnings as fatal or not.
func Validate(c Config) []Issue {
	var issues []Issue

	if strings.TrimSpace(c.Control.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "control.dsn",
			Message:  "control.dsn must not be empty",
		})
	}

	issues = append(issues, validateWarehouse(c.Warehouse)...)

	if len(c.Sources) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "sources",
			Message:  "at least one source path must be configured",
		})
	}
	for name, path := range c.Sources {
		if strings.TrimSpace(path) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "sources." + name,
				Message:  "source path must not be empty",
			})
		}
	}

	if c.AsOfDate != "" {
		if _, err := time.Parse("2006-01-02", c.AsOfDate); err != nil {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "as_of_date",
				Message:  fmt.Sprintf("%q does not parse as 2006-01-02", c.AsOfDate),
			})
		}
	}

	issues = append(issues, validateMetrics(c.Metrics)...)
	return issues
}

// validateWarehouse validates warehouse configuration.
func validateWarehouse(w Warehouse) []Issue {
	var issues []Issue

	if strings.TrimSpace(w.Kind) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "warehouse.kind",
			Message:  "warehouse.kind must not be empty",
		})
		return issues
	}

	// Known backend kinds. Unknown kinds are warnings (for forward
	// compatibility); the factory rejects them at open time anyway.
	known := map[string]struct{}{
		"sqlite": {}, "postgres": {}, "mssql": {},
	}
	if _, ok := known[w.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "warehouse.kind",
			Message:  fmt.Sprintf("unknown warehouse kind %q; ensure a matching backend is registered", w.Kind),
		})
	}

	if strings.TrimSpace(w.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "warehouse.dsn",
			Message:  "warehouse.dsn must not be empty",
		})
	}
	return issues
}

// validateMetrics validates metrics configuration.
func validateMetrics(m Metrics) []Issue {
	var issues []Issue

	switch m.Backend {
	case "":
		// Metrics disabled.
	case "prometheus":
		if strings.TrimSpace(m.PushgatewayURL) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "metrics.pushgateway_url",
				Message:  "prometheus backend requires a pushgateway URL",
			})
		}
	case "datadog":
		if strings.TrimSpace(m.DogstatsdAddr) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "metrics.dogstatsd_addr",
				Message:  "datadog backend requires a dogstatsd address",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "metrics.backend",
			Message:  fmt.Sprintf("unknown metrics backend %q (supported: prometheus, datadog)", m.Backend),
		})
	}
	return issues
}
