package txn_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/txkit/txn"
	"github.com/getpup/txkit/txn/memdriver"
)

func TestCurrentWithoutScope(t *testing.T) {
	_, ok := txn.Current(context.Background())
	assert.False(t, ok)
}

func TestAmbientScopeCommit(t *testing.T) {
	h := memdriver.New()
	conn := openConn(t, h)

	ctx, scope := txn.BeginAmbient(context.Background())
	defer scope.Release()

	current, ok := txn.Current(ctx)
	require.True(t, ok)
	assert.Same(t, scope, current)

	// The executor discovers the scope from the context; nothing is passed
	// explicitly.
	exec, err := txn.NewExecutor(conn)
	require.NoError(t, err)

	_, err = exec.Exec(ctx, txn.Statement{ID: "orders/insert", SQL: "INSERT INTO orders (id) VALUES (1)"})
	require.NoError(t, err)
	assert.Empty(t, h.Committed())

	require.NoError(t, scope.Complete(ctx))
	scope.Release()

	require.Len(t, h.Committed(), 1)
}

func TestAmbientScopeRollbackOnRelease(t *testing.T) {
	h := memdriver.New()
	conn := openConn(t, h)

	ctx, scope := txn.BeginAmbient(context.Background())

	exec, err := txn.NewExecutor(conn)
	require.NoError(t, err)
	_, err = exec.Exec(ctx, txn.Statement{ID: "orders/insert", SQL: "INSERT INTO orders (id) VALUES (1)"})
	require.NoError(t, err)

	scope.Release()

	assert.Equal(t, txn.StateRolledBack, scope.State())
	assert.Empty(t, h.Committed())

	// The released scope is no longer current.
	_, ok := txn.Current(ctx)
	assert.False(t, ok)
}

func TestAutoEnlistDisabled(t *testing.T) {
	h := memdriver.New()

	cfg := txn.DefaultConnConfig(memdriver.DriverName, h.DSN())
	cfg.AutoEnlist = false
	conn, err := txn.Connect(cfg)
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))

	ctx, scope := txn.BeginAmbient(context.Background())
	defer scope.Release()

	exec, err := txn.NewExecutor(conn)
	require.NoError(t, err)

	// With auto-enlist off the statement runs outside the scope and is
	// durable immediately.
	_, err = exec.Exec(ctx, txn.Statement{ID: "orders/insert", SQL: "INSERT INTO orders (id) VALUES (1)"})
	require.NoError(t, err)
	assert.Len(t, h.Committed(), 1)

	scope.Release()
	assert.Len(t, h.Committed(), 1)
}

func TestEscalationOnConcurrentConnections(t *testing.T) {
	h := memdriver.New()
	connA := openConn(t, h)
	connB := openConn(t, h)

	ctx, scope := txn.BeginAmbient(context.Background())
	defer scope.Release()

	execA, err := txn.NewExecutor(connA)
	require.NoError(t, err)
	execB, err := txn.NewExecutor(connB)
	require.NoError(t, err)

	_, err = execA.Exec(ctx, txn.Statement{ID: "a/insert", SQL: "INSERT INTO a (id) VALUES (1)"})
	require.NoError(t, err)
	assert.False(t, scope.IsDistributed(), "one connection must not escalate")

	// Second connection enlists while the first is still open.
	_, err = execB.Exec(ctx, txn.Statement{ID: "b/insert", SQL: "INSERT INTO b (id) VALUES (1)"})
	require.NoError(t, err)
	assert.True(t, scope.IsDistributed(), "escalation must be observable immediately after the second enlistment")
	assert.ErrorIs(t, scope.EnsureLocal(), txn.ErrUnexpectedDistributedTransaction)

	// Escalation does not prevent completion by default.
	require.NoError(t, scope.Complete(ctx))
	scope.Release()
	assert.Len(t, h.Committed(), 2)
}

func TestNoEscalationOnSequentialConnections(t *testing.T) {
	h := memdriver.New()
	connA := openConn(t, h)
	connB := openConn(t, h)

	ctx, scope := txn.BeginAmbient(context.Background())
	defer scope.Release()

	execA, err := txn.NewExecutor(connA)
	require.NoError(t, err)
	_, err = execA.Exec(ctx, txn.Statement{ID: "a/insert", SQL: "INSERT INTO a (id) VALUES (1)"})
	require.NoError(t, err)

	// Close the first connection before the second enlists. The physical
	// close is deferred until the scope settles the transaction, but the
	// handle no longer counts as open.
	require.NoError(t, connA.Close())
	assert.False(t, connA.IsOpen())

	execB, err := txn.NewExecutor(connB)
	require.NoError(t, err)
	_, err = execB.Exec(ctx, txn.Statement{ID: "b/insert", SQL: "INSERT INTO b (id) VALUES (1)"})
	require.NoError(t, err)

	assert.False(t, scope.IsDistributed(), "sequential connection reuse must not escalate")
	require.NoError(t, scope.EnsureLocal())

	require.NoError(t, scope.Complete(ctx))
	scope.Release()
	assert.Len(t, h.Committed(), 2, "both connections' work commits with the scope")
}

func TestNestedAmbientScopesAreIndependent(t *testing.T) {
	h := memdriver.New()
	connOuter := openConn(t, h)
	connInner := openConn(t, h)

	outerCtx, outer := txn.BeginAmbient(context.Background())
	defer outer.Release()

	execOuter, err := txn.NewExecutor(connOuter)
	require.NoError(t, err)
	_, err = execOuter.Exec(outerCtx, txn.Statement{ID: "outer/insert", SQL: "INSERT INTO outer_t (id) VALUES (1)"})
	require.NoError(t, err)

	innerCtx, inner := txn.BeginAmbient(outerCtx)

	current, ok := txn.Current(innerCtx)
	require.True(t, ok)
	assert.Same(t, inner, current)

	execInner, err := txn.NewExecutor(connInner)
	require.NoError(t, err)
	_, err = execInner.Exec(innerCtx, txn.Statement{ID: "inner/insert", SQL: "INSERT INTO inner_t (id) VALUES (1)"})
	require.NoError(t, err)

	// Inner rolls back independently.
	inner.Release()
	assert.Equal(t, txn.StateRolledBack, inner.State())

	// The outer scope is current again and still commits its own work.
	current, ok = txn.Current(innerCtx)
	require.True(t, ok)
	assert.Same(t, outer, current)

	require.NoError(t, outer.Complete(outerCtx))
	outer.Release()

	require.Len(t, h.Committed(), 1)
	assert.Equal(t, "INSERT INTO outer_t (id) VALUES (1)", h.Committed()[0].Query)
}

func TestReleaseOrderViolationPanics(t *testing.T) {
	ctx, outer := txn.BeginAmbient(context.Background())
	_, inner := txn.BeginAmbient(ctx)

	assert.Panics(t, func() {
		outer.Release()
	}, "releasing the outer scope before the inner one is a programming error")

	inner.Release()
	outer.Release()
}

func TestJoinedNestedScopeSharesOuterWork(t *testing.T) {
	h := memdriver.New()
	conn := openConn(t, h)

	outerCtx, outer := txn.BeginAmbient(context.Background())
	defer outer.Release()

	innerCtx, inner := txn.BeginAmbient(outerCtx, txn.JoinAmbient())

	exec, err := txn.NewExecutor(conn)
	require.NoError(t, err)
	_, err = exec.Exec(innerCtx, txn.Statement{ID: "orders/insert", SQL: "INSERT INTO orders (id) VALUES (1)"})
	require.NoError(t, err)

	require.NoError(t, inner.Complete(innerCtx))
	inner.Release()

	// Work enlisted under the joined inner scope commits with the outer.
	assert.Empty(t, h.Committed())
	require.NoError(t, outer.Complete(outerCtx))
	outer.Release()
	assert.Len(t, h.Committed(), 1)
}

func TestJoinedNestedScopeVetoesOuterCommit(t *testing.T) {
	h := memdriver.New()
	conn := openConn(t, h)

	outerCtx, outer := txn.BeginAmbient(context.Background())
	defer outer.Release()

	innerCtx, inner := txn.BeginAmbient(outerCtx, txn.JoinAmbient())

	exec, err := txn.NewExecutor(conn)
	require.NoError(t, err)
	_, err = exec.Exec(innerCtx, txn.Statement{ID: "orders/insert", SQL: "INSERT INTO orders (id) VALUES (1)"})
	require.NoError(t, err)

	// Inner releases without completing: the outer commit must fail.
	inner.Release()

	require.Error(t, outer.Complete(outerCtx))
	outer.Release()
	assert.Empty(t, h.Committed())
}

func TestExecAsyncRequiresAsyncFlow(t *testing.T) {
	h := memdriver.New()
	conn := openConn(t, h)

	ctx, scope := txn.BeginAmbient(context.Background())
	defer scope.Release()

	exec, err := txn.NewExecutor(conn)
	require.NoError(t, err)

	pending := exec.ExecAsync(ctx, txn.Statement{ID: "orders/insert", SQL: "INSERT INTO orders (id) VALUES (1)"})
	_, err = pending.Wait(ctx)
	require.ErrorIs(t, err, txn.ErrTransactionContextLost)

	// The lost-context failure poisons the scope.
	require.Error(t, scope.Complete(ctx))
	scope.Release()
	assert.Empty(t, h.Committed())
}

func TestExecAsyncWithAsyncFlow(t *testing.T) {
	h := memdriver.New()
	conn := openConn(t, h)

	ctx, scope := txn.BeginAmbient(context.Background(), txn.WithAsyncFlow())
	defer scope.Release()

	exec, err := txn.NewExecutor(conn)
	require.NoError(t, err)

	pending := exec.ExecAsync(ctx, txn.Statement{ID: "orders/insert", SQL: "INSERT INTO orders (id) VALUES (1)"})
	affected, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	require.NoError(t, scope.Complete(ctx))
	scope.Release()
	assert.Len(t, h.Committed(), 1)
}

func TestExecAsyncWithExplicitScope(t *testing.T) {
	h := memdriver.New()
	conn := openConn(t, h)

	ctx := context.Background()
	scope, err := txn.BeginExplicit(ctx, conn)
	require.NoError(t, err)
	defer scope.Release()

	// Explicit scopes always flow: the caller passed the scope by hand.
	exec, err := txn.NewExecutor(conn, txn.WithScope(scope))
	require.NoError(t, err)

	pending := exec.ExecAsync(ctx, txn.Statement{ID: "orders/insert", SQL: "INSERT INTO orders (id) VALUES (1)"})
	_, err = pending.Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, scope.Complete(ctx))
	scope.Release()
	assert.Len(t, h.Committed(), 1)
}
