package txn

import (
	"context"
	"database/sql"
	"fmt"
)

// Statement is a parameterized command. ID names the statement in errors
// and logs; Args may include sql.Named values for drivers that support
// named parameters.
type Statement struct {
	ID   string
	SQL  string
	Args []interface{}
}

// Executor runs statements against one connection, optionally enlisted in a
// scope. With an explicit scope the enlistment is fixed at construction;
// otherwise each call discovers the ambient scope from its context, if the
// connection's auto-enlist option is on.
type Executor struct {
	conn   *Conn
	scope  *Scope
	logger Logger
}

// ExecutorOption configures an executor.
type ExecutorOption func(*Executor)

// WithScope enlists every execution in the given scope.
func WithScope(s *Scope) ExecutorOption {
	return func(e *Executor) {
		e.scope = s
	}
}

// NewExecutor creates an executor for the connection. If an explicit scope
// is supplied whose bound connection differs, construction fails with
// ErrConnectionMismatch before any statement is sent.
func NewExecutor(conn *Conn, opts ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		conn:   conn,
		logger: conn.cfg.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.scope != nil {
		if bound := e.scope.boundConn(); bound != nil && bound != conn {
			return nil, fmt.Errorf("executor on connection %s, scope bound to %s: %w",
				conn.id, bound.id, ErrConnectionMismatch)
		}
	}
	return e, nil
}

// resolve picks the execution target and governing scope for one call.
// Resolution order: explicit scope, then ambient scope from the context
// (when the connection auto-enlists), then the bare connection.
func (e *Executor) resolve(ctx context.Context) (DBTX, *Scope, error) {
	scope := e.scope
	if scope == nil && e.conn.AutoEnlist() {
		scope, _ = Current(ctx)
	}

	if scope != nil {
		target, err := scope.Enlist(ctx, e.conn)
		if err != nil {
			return nil, nil, err
		}
		return target, scope, nil
	}

	target, err := e.conn.dbtx()
	if err != nil {
		return nil, nil, err
	}
	return target, nil, nil
}

// Exec runs the statement synchronously and returns the affected row count.
func (e *Executor) Exec(ctx context.Context, stmt Statement) (int64, error) {
	target, scope, err := e.resolve(ctx)
	if err != nil {
		return 0, err
	}

	res, err := target.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, e.failed(ctx, scope, stmt, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, e.failed(ctx, scope, stmt, err)
	}
	return affected, nil
}

// QueryRow runs a query expected to return at most one row, scanning it
// into dest. The bool reports presence: false with a nil error means zero
// rows. More than one row fails with ErrCardinalityViolation and the dest
// values must not be used.
func (e *Executor) QueryRow(ctx context.Context, stmt Statement, dest ...interface{}) (bool, error) {
	target, scope, err := e.resolve(ctx)
	if err != nil {
		return false, err
	}

	rows, err := target.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return false, e.failed(ctx, scope, stmt, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, e.failed(ctx, scope, stmt, err)
		}
		return false, nil
	}

	if err := rows.Scan(dest...); err != nil {
		return false, e.failed(ctx, scope, stmt, err)
	}

	if rows.Next() {
		return false, e.failed(ctx, scope, stmt, ErrCardinalityViolation)
	}
	if err := rows.Err(); err != nil {
		return false, e.failed(ctx, scope, stmt, err)
	}
	return true, nil
}

// Query runs the statement and returns its rows as a finite,
// non-restartable sequence. The caller must Close the result.
func (e *Executor) Query(ctx context.Context, stmt Statement) (*Rows, error) {
	target, scope, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := target.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, e.failed(ctx, scope, stmt, err)
	}
	return &Rows{rows: rows, scope: scope, stmt: stmt.ID}, nil
}

// ExecAsync starts the statement on a separate goroutine and returns a
// handle to await. The handoff is the asynchronous suspension boundary: if
// the governing scope is ambient and was begun without async flow, the call
// fails with ErrTransactionContextLost before any statement is sent.
func (e *Executor) ExecAsync(ctx context.Context, stmt Statement) *Pending {
	governing := e.scope
	if governing == nil && e.conn.AutoEnlist() {
		governing, _ = Current(ctx)
	}
	if governing != nil && !governing.allowsAsyncFlow() {
		err := fmt.Errorf("exec %s: %w", stmt.ID, ErrTransactionContextLost)
		governing.Fail(err)
		return &Pending{err: err}
	}

	target, scope, err := e.resolve(ctx)
	if err != nil {
		return &Pending{err: err}
	}

	p := &Pending{ch: make(chan pendingResult, 1)}
	go func() {
		res, err := target.ExecContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			p.ch <- pendingResult{err: e.failed(ctx, scope, stmt, err)}
			return
		}
		affected, err := res.RowsAffected()
		if err != nil {
			p.ch <- pendingResult{err: e.failed(ctx, scope, stmt, err)}
			return
		}
		p.ch <- pendingResult{affected: affected}
	}()
	return p
}

// failed records the error on the governing scope so Complete refuses to
// commit, and wraps it with the statement identity.
func (e *Executor) failed(ctx context.Context, scope *Scope, stmt Statement, err error) error {
	wrapped := err
	if stmt.ID != "" {
		wrapped = fmt.Errorf("statement %s: %w", stmt.ID, err)
	}
	if scope != nil {
		scope.Fail(wrapped)
	}
	if e.logger != nil {
		e.logger.Error(ctx, "statement failed", "statement", stmt.ID, "error", err)
	}
	return wrapped
}

type pendingResult struct {
	affected int64
	err      error
}

// Pending is an in-flight asynchronous execution.
type Pending struct {
	ch  chan pendingResult
	err error
}

// Wait blocks until the execution finishes or the context is done, and
// returns the affected row count.
func (p *Pending) Wait(ctx context.Context) (int64, error) {
	if p.err != nil {
		return 0, p.err
	}

	select {
	case res := <-p.ch:
		return res.affected, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Rows is a finite, non-restartable row sequence.
type Rows struct {
	rows  *sql.Rows
	scope *Scope
	stmt  string
}

// Next advances to the next row.
func (r *Rows) Next() bool {
	return r.rows.Next()
}

// Scan copies the current row's columns into dest.
func (r *Rows) Scan(dest ...interface{}) error {
	if err := r.rows.Scan(dest...); err != nil {
		if r.scope != nil {
			r.scope.Fail(err)
		}
		return fmt.Errorf("statement %s: %w", r.stmt, err)
	}
	return nil
}

// Err returns the error, if any, encountered during iteration.
func (r *Rows) Err() error {
	if err := r.rows.Err(); err != nil {
		if r.scope != nil {
			r.scope.Fail(err)
		}
		return err
	}
	return nil
}

// Close releases the sequence's resources. Safe to call more than once.
func (r *Rows) Close() error {
	return r.rows.Close()
}
