package txn

import (
	"context"
	"database/sql"
)

// DBTX is a minimal interface for database operations.
// It is implemented by *sql.DB, *sql.Tx, and *sql.Conn, so code written
// against it works the same inside and outside a transaction.
//
// PrepareContext is included because bulk loaders (COPY-style protocols)
// need prepared statements; everything else uses the one-shot methods.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Ensure standard library types implement DBTX
var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
	_ DBTX = (*sql.Conn)(nil)
)
