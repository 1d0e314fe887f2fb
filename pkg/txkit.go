// Package txkit provides typed SQL command execution with transaction-scope
// propagation for Go applications.
//
// This package serves as the main entry point for the txkit library.
// For the core functionality, see the txn package and its subpackages:
//
//	txn                   - Connections, scopes, ambient propagation, executors
//	txn/batch             - Batch reconciliation of buffered row mutations
//	txn/adapters/postgres - PostgreSQL error classification and COPY bulk loading
//	txn/adapters/mysql    - MySQL error classification and multi-row bulk loading
//	txn/adapters/sqlite   - SQLite error classification
//	txn/memdriver         - In-memory driver for tests
//	txn/zaplog            - zap-backed logger
//
// Quick Start:
//
//  1. Open a connection handle:
//     conn, _ := txn.Connect(txn.DefaultConnConfig("postgres", dsn))
//     conn.Open(ctx)
//
//  2. Run a unit of work:
//     scope, _ := txn.BeginExplicit(ctx, conn)
//     defer scope.Release()
//     exec, _ := txn.NewExecutor(conn, txn.WithScope(scope))
//     exec.Exec(ctx, stmt)
//     scope.Complete(ctx)
//
// See the examples directory for complete working examples.
package txkit

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
