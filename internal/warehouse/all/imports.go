// Package all wires every built-in warehouse backend into the factory.
//
// It exists purely for side effects: a blank import runs each backend's
// init function, which registers its factory with the warehouse package.
// Importing this package makes the following kinds available:
//
//   - "sqlite"   (retailetl/internal/warehouse/sqlite)
//   - "postgres" (retailetl/internal/warehouse/postgres)
//   - "mssql"    (retailetl/internal/warehouse/mssql)
package all

import (
	_ "retailetl/internal/warehouse/mssql"
	_ "retailetl/internal/warehouse/postgres"
	_ "retailetl/internal/warehouse/sqlite"
)
