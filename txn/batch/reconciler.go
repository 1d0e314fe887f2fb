// Package batch reconciles buffered row mutations against the database as
// one atomic unit.
package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"

	"github.com/getpup/txkit/txn"
)

var (
	// ErrNoMutations indicates an apply with nothing pending.
	ErrNoMutations = errors.New("no pending mutations")

	// ErrMixedBatch indicates a bulk load over pending mutations that are
	// not uniform inserts.
	ErrMixedBatch = errors.New("bulk load requires insert-only mutations with identical columns")
)

// Op is the kind of a row mutation.
type Op int

const (
	// OpInsert inserts a new row.
	OpInsert Op = iota
	// OpUpdate updates rows matching the mutation key.
	OpUpdate
	// OpDelete deletes rows matching the mutation key.
	OpDelete
)

// String returns a string representation of the Op.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Mutation is one pending row change. Values carries column assignments for
// inserts and updates; Key identifies target rows for updates and deletes.
type Mutation struct {
	Op     Op
	Values map[string]interface{}
	Key    map[string]interface{}
}

// ReconcilerConfig contains configuration for a reconciler.
// Configuration is immutable after construction.
type ReconcilerConfig struct {
	// Table is the target table identity.
	Table string

	// Placeholder is the parameter placeholder format for the target
	// driver: squirrel.Dollar for postgres, squirrel.Question for mysql
	// and sqlite.
	Placeholder sq.PlaceholderFormat

	// Isolation is used when the reconciler begins its own scope.
	Isolation sql.IsolationLevel

	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger txn.Logger
}

// DefaultReconcilerConfig returns the default configuration for the given
// table, with postgres-style placeholders.
func DefaultReconcilerConfig(table string) ReconcilerConfig {
	return ReconcilerConfig{
		Table:       table,
		Placeholder: sq.Dollar,
		Isolation:   sql.LevelDefault,
	}
}

// Reconciler buffers an ordered sequence of row mutations for one table and
// applies them in a single enlistment. Mutations stay pending until an
// apply succeeds, so a failed apply can simply be retried.
type Reconciler struct {
	cfg ReconcilerConfig

	mu      sync.Mutex
	pending []Mutation
}

// NewReconciler creates a reconciler with the given configuration.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{cfg: cfg}
}

// Insert queues a row insert.
func (r *Reconciler) Insert(values map[string]interface{}) {
	r.queue(Mutation{Op: OpInsert, Values: values})
}

// Update queues an update of rows matching key.
func (r *Reconciler) Update(key, values map[string]interface{}) {
	r.queue(Mutation{Op: OpUpdate, Key: key, Values: values})
}

// Delete queues a delete of rows matching key.
func (r *Reconciler) Delete(key map[string]interface{}) {
	r.queue(Mutation{Op: OpDelete, Key: key})
}

func (r *Reconciler) queue(m Mutation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, m)
}

// Len returns the number of pending mutations.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Pending returns a copy of the pending mutations, in order.
func (r *Reconciler) Pending() []Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Mutation, len(r.pending))
	copy(out, r.pending)
	return out
}

// Apply sends all pending mutations as one logical batch within a single
// enlistment and returns the total affected row count.
//
// The scope argument may be nil: the reconciler then uses the ambient scope
// from the context if the connection auto-enlists, or begins and completes
// its own explicit scope. On any failure nothing is applied and all
// mutations stay pending; the reported count covers successfully applied
// mutations only, so a failed apply reports zero.
func (r *Reconciler) Apply(ctx context.Context, conn *txn.Conn, scope *txn.Scope) (int64, error) {
	r.mu.Lock()
	pending := make([]Mutation, len(r.pending))
	copy(pending, r.pending)
	r.mu.Unlock()

	if len(pending) == 0 {
		return 0, ErrNoMutations
	}

	// Build every statement before sending any, so a malformed mutation
	// cannot poison a half-sent batch.
	stmts := make([]txn.Statement, len(pending))
	for i, m := range pending {
		query, args, err := r.build(m)
		if err != nil {
			return 0, fmt.Errorf("build mutation %d (%s %s): %w", i, m.Op, r.cfg.Table, err)
		}
		stmts[i] = txn.Statement{
			ID:   fmt.Sprintf("%s/%s[%d]", r.cfg.Table, m.Op, i),
			SQL:  query,
			Args: args,
		}
	}

	scope, own, err := r.resolveScope(ctx, conn, scope)
	if err != nil {
		return 0, err
	}
	if own {
		defer scope.Release()
	}

	exec, err := txn.NewExecutor(conn, txn.WithScope(scope))
	if err != nil {
		return 0, err
	}

	var total int64
	for _, stmt := range stmts {
		n, err := exec.Exec(ctx, stmt)
		if err != nil {
			return 0, err
		}
		total += n
	}

	if own {
		if err := scope.Complete(ctx); err != nil {
			return 0, err
		}
	}

	r.consume(len(pending))
	r.log(ctx, "batch applied", "table", r.cfg.Table, "mutations", len(pending), "rows_affected", total)
	return total, nil
}

// ApplyWithRetry retries Apply under the given backoff policy while the
// error is classified retryable (driver adapters provide classifiers).
// Only meaningful when the reconciler manages its own scope: each attempt
// must be a self-contained transaction.
func (r *Reconciler) ApplyWithRetry(ctx context.Context, conn *txn.Conn, policy backoff.BackOff, retryable func(error) bool) (int64, error) {
	attempt := 0
	op := func() (int64, error) {
		attempt++
		n, err := r.Apply(ctx, conn, nil)
		if err != nil {
			if retryable != nil && retryable(err) {
				r.log(ctx, "retrying batch apply", "table", r.cfg.Table, "attempt", attempt, "error", err)
				return 0, err
			}
			return 0, backoff.Permanent(err)
		}
		return n, nil
	}
	return backoff.RetryWithData(op, backoff.WithContext(policy, ctx))
}

// BulkLoader is the driver-specific high-throughput load path, bypassing
// per-row statement execution (COPY for postgres, multi-row INSERT for
// mysql). Implementations are in the adapter packages.
type BulkLoader interface {
	Load(ctx context.Context, target txn.DBTX, table string, columns []string, rows [][]interface{}) (int64, error)
}

// BulkLoad sends all pending mutations through the loader in one
// enlistment. All pending mutations must be inserts over the same column
// set. Enlistment and failure rules match Apply.
func (r *Reconciler) BulkLoad(ctx context.Context, conn *txn.Conn, scope *txn.Scope, loader BulkLoader) (int64, error) {
	r.mu.Lock()
	pending := make([]Mutation, len(r.pending))
	copy(pending, r.pending)
	r.mu.Unlock()

	if len(pending) == 0 {
		return 0, ErrNoMutations
	}

	columns, rows, err := insertMatrix(pending)
	if err != nil {
		return 0, err
	}

	scope, own, err := r.resolveScope(ctx, conn, scope)
	if err != nil {
		return 0, err
	}
	if own {
		defer scope.Release()
	}

	target, err := scope.Enlist(ctx, conn)
	if err != nil {
		return 0, err
	}

	loaded, err := loader.Load(ctx, target, r.cfg.Table, columns, rows)
	if err != nil {
		err = fmt.Errorf("bulk load %s: %w", r.cfg.Table, err)
		scope.Fail(err)
		return 0, err
	}

	if own {
		if err := scope.Complete(ctx); err != nil {
			return 0, err
		}
	}

	r.consume(len(pending))
	r.log(ctx, "bulk load finished", "table", r.cfg.Table, "rows_loaded", loaded)
	return loaded, nil
}

// resolveScope settles which scope governs an apply. The bool reports
// whether the reconciler owns the scope and must complete and release it.
func (r *Reconciler) resolveScope(ctx context.Context, conn *txn.Conn, scope *txn.Scope) (*txn.Scope, bool, error) {
	if scope != nil {
		return scope, false, nil
	}
	if conn.AutoEnlist() {
		if ambient, ok := txn.Current(ctx); ok {
			return ambient, false, nil
		}
	}

	own, err := txn.BeginExplicit(ctx, conn, txn.WithIsolation(r.cfg.Isolation), txn.WithLogger(r.cfg.Logger))
	if err != nil {
		return nil, false, err
	}
	return own, true, nil
}

// consume drops the first n pending mutations after a successful apply.
func (r *Reconciler) consume(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = r.pending[n:]
}

func (r *Reconciler) build(m Mutation) (string, []interface{}, error) {
	switch m.Op {
	case OpInsert:
		if len(m.Values) == 0 {
			return "", nil, errors.New("insert requires values")
		}
		return sq.Insert(r.cfg.Table).
			SetMap(m.Values).
			PlaceholderFormat(r.cfg.Placeholder).
			ToSql()
	case OpUpdate:
		if len(m.Values) == 0 {
			return "", nil, errors.New("update requires values")
		}
		if len(m.Key) == 0 {
			return "", nil, errors.New("update requires a key")
		}
		return sq.Update(r.cfg.Table).
			SetMap(m.Values).
			Where(sq.Eq(m.Key)).
			PlaceholderFormat(r.cfg.Placeholder).
			ToSql()
	case OpDelete:
		if len(m.Key) == 0 {
			return "", nil, errors.New("delete requires a key")
		}
		return sq.Delete(r.cfg.Table).
			Where(sq.Eq(m.Key)).
			PlaceholderFormat(r.cfg.Placeholder).
			ToSql()
	default:
		return "", nil, fmt.Errorf("unknown mutation op %d", m.Op)
	}
}

// insertMatrix flattens insert-only mutations into a column list and value
// rows for a bulk loader. Columns are sorted for deterministic statements.
func insertMatrix(pending []Mutation) ([]string, [][]interface{}, error) {
	first := pending[0]
	if first.Op != OpInsert || len(first.Values) == 0 {
		return nil, nil, ErrMixedBatch
	}

	columns := make([]string, 0, len(first.Values))
	for col := range first.Values {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	rows := make([][]interface{}, len(pending))
	for i, m := range pending {
		if m.Op != OpInsert || len(m.Values) != len(columns) {
			return nil, nil, ErrMixedBatch
		}
		row := make([]interface{}, len(columns))
		for j, col := range columns {
			v, ok := m.Values[col]
			if !ok {
				return nil, nil, ErrMixedBatch
			}
			row[j] = v
		}
		rows[i] = row
	}
	return columns, rows, nil
}

func (r *Reconciler) log(ctx context.Context, msg string, keyvals ...interface{}) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Debug(ctx, msg, keyvals...)
	}
}
