// Package postgres provides PostgreSQL-specific error classification and
// bulk loading for txkit, built on github.com/lib/pq.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/getpup/txkit/txn"
)

// pq error codes, per the PostgreSQL errcodes appendix.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// IsUniqueViolation reports whether the error is a unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

// IsSerializationFailure reports whether the error is a serialization
// failure or deadlock, the conditions a caller can resolve by retrying the
// whole unit of work.
func IsSerializationFailure(err error) bool {
	return hasCode(err, codeSerializationFailure) || hasCode(err, codeDeadlockDetected)
}

// IsRetryable classifies errors for batch.Reconciler.ApplyWithRetry.
func IsRetryable(err error) bool {
	return IsSerializationFailure(err)
}

func hasCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

// CopyLoader is a batch.BulkLoader using the COPY protocol.
// COPY requires a transaction, which the reconciler's enlistment provides.
type CopyLoader struct{}

// Load streams rows through a COPY statement and reports the loaded count.
func (CopyLoader) Load(ctx context.Context, target txn.DBTX, table string, columns []string, rows [][]interface{}) (int64, error) {
	stmt, err := target.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare copy: %w", err)
	}

	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			//nolint:errcheck // close error irrelevant: copy already failed
			stmt.Close()
			return 0, fmt.Errorf("failed to buffer row %d: %w", i, err)
		}
	}

	// The empty Exec flushes the copy buffer to the server.
	if _, err := stmt.ExecContext(ctx); err != nil {
		//nolint:errcheck // close error irrelevant: copy already failed
		stmt.Close()
		return 0, fmt.Errorf("failed to flush copy: %w", err)
	}

	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("failed to close copy: %w", err)
	}
	return int64(len(rows)), nil
}
