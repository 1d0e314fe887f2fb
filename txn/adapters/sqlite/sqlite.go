// Package sqlite provides SQLite-specific error classification for txkit.
//
// SQLite drivers disagree on error types, so classification matches on the
// stable error message prefixes the engine itself produces. No driver
// dependency is taken; register whichever sqlite driver the application
// uses.
package sqlite

import "strings"

// IsUniqueViolation reports whether the error is a unique constraint
// violation.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsBusy reports whether the database was locked by another writer, the
// condition a caller resolves by retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// IsRetryable classifies errors for batch.Reconciler.ApplyWithRetry.
func IsRetryable(err error) bool {
	return IsBusy(err)
}
