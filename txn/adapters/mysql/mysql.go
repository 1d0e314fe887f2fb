// Package mysql provides MySQL-specific error classification and bulk
// loading for txkit, built on github.com/go-sql-driver/mysql.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/getpup/txkit/txn"
)

// MySQL server error numbers.
const (
	errDuplicateEntry  = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// IsDuplicateEntry reports whether the error is a duplicate key violation.
func IsDuplicateEntry(err error) bool {
	return hasNumber(err, errDuplicateEntry)
}

// IsRetryable classifies errors for batch.Reconciler.ApplyWithRetry:
// deadlocks and lock wait timeouts resolve on retry.
func IsRetryable(err error) bool {
	return hasNumber(err, errDeadlock) || hasNumber(err, errLockWaitTimeout)
}

func hasNumber(err error, number uint16) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == number
}

// InsertLoader is a batch.BulkLoader using chunked multi-row INSERT
// statements, MySQL's practical high-throughput path.
type InsertLoader struct {
	// ChunkSize is the number of rows per statement. Zero means 500.
	ChunkSize int
}

// Load writes rows in multi-row INSERT chunks and reports the loaded count.
func (l InsertLoader) Load(ctx context.Context, target txn.DBTX, table string, columns []string, rows [][]interface{}) (int64, error) {
	chunk := l.ChunkSize
	if chunk <= 0 {
		chunk = 500
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	var loaded int64
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		var sb strings.Builder
		sb.WriteString(prefix)
		args := make([]interface{}, 0, len(batch)*len(columns))
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(placeholder)
			args = append(args, row...)
		}

		res, err := target.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert rows %d-%d: %w", start, end-1, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read affected rows: %w", err)
		}
		loaded += n
	}
	return loaded, nil
}
