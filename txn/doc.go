// Package txn provides typed SQL command execution with transaction-scope
// propagation.
//
// # Overview
//
// The package defines the building blocks for atomic units of work:
//   - Conn: a handle owning one physical database connection
//   - Scope: a unit-of-work boundary with guaranteed rollback on release
//   - Executor: parameterized statement execution, enlisted in a scope
//   - DBTX: the seam to the underlying database client
//
// # Explicit and ambient scopes
//
// A Scope can be passed around explicitly:
//
//	scope, err := txn.BeginExplicit(ctx, conn)
//	if err != nil {
//	    return err
//	}
//	defer scope.Release()
//
//	exec, err := txn.NewExecutor(conn, txn.WithScope(scope))
//	if err != nil {
//	    return err
//	}
//	if _, err := exec.Exec(ctx, stmt); err != nil {
//	    return err
//	}
//	return scope.Complete(ctx)
//
// or discovered ambiently from the context, so call chains don't have to
// thread it through every signature:
//
//	ctx, scope := txn.BeginAmbient(ctx)
//	defer scope.Release()
//
//	// Anything below that executes with this ctx enlists automatically.
//	if err := placeOrder(ctx, conn); err != nil {
//	    return err
//	}
//	return scope.Complete(ctx)
//
// Release is the safety net: if Complete was never called (an error return,
// a panic, a forgotten branch), Release rolls back every enlisted
// transaction. No command's effects survive an incomplete scope.
//
// # Escalation
//
// Enlisting a second connection into an ambient scope while the first is
// still open escalates the scope to distributed mode. The package detects
// this eagerly and exposes it via Scope.IsDistributed; callers that want to
// refuse the cost of a distributed coordinator check Scope.EnsureLocal
// before completing. Reusing connections sequentially (one closed before
// the next opens) does not escalate.
//
// # Transaction control
//
// The package builds on database/sql. Any driver plugs in; adapter packages
// provide per-driver error classification and bulk loading.
package txn
