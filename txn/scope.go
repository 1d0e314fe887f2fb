package txn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// State is the completion state of a scope.
type State int

const (
	// StateActive means the scope is open for enlistment.
	StateActive State = iota
	// StateCommitted means Complete succeeded and all enlisted work is durable.
	StateCommitted
	// StateRolledBack means the scope released without a successful Complete.
	StateRolledBack
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateCommitted:
		return "Committed"
	case StateRolledBack:
		return "RolledBack"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type scopeOptions struct {
	isolation sql.IsolationLevel
	asyncFlow bool
	join      bool
	logger    Logger
}

// ScopeOption configures a scope at begin time.
type ScopeOption func(*scopeOptions)

// WithIsolation sets the isolation level for transactions begun by the scope.
func WithIsolation(level sql.IsolationLevel) ScopeOption {
	return func(o *scopeOptions) {
		o.isolation = level
	}
}

// WithAsyncFlow lets an ambient scope flow across asynchronous execution
// boundaries. Without it, ExecAsync under the scope fails with
// ErrTransactionContextLost instead of silently running outside the
// transaction.
func WithAsyncFlow() ScopeOption {
	return func(o *scopeOptions) {
		o.asyncFlow = true
	}
}

// JoinAmbient makes a nested ambient scope share the enclosing ambient
// scope's enlistments instead of starting an independent unit of work.
// The outer scope commits the shared work; an inner scope that releases
// without Complete vetoes the outer commit. With no enclosing scope the
// option is a no-op.
func JoinAmbient() ScopeOption {
	return func(o *scopeOptions) {
		o.join = true
	}
}

// WithLogger sets the scope's logger. Explicit scopes default to the
// connection's configured logger.
func WithLogger(l Logger) ScopeOption {
	return func(o *scopeOptions) {
		o.logger = l
	}
}

// Scope is a unit-of-work boundary. All commands enlisted in a scope commit
// or roll back together.
//
// A scope is acquired with guaranteed release: callers defer Release
// immediately after a successful begin. Release rolls back everything the
// scope enlisted unless Complete succeeded first, so an early error return
// or panic inside the unit of work can never leave partial effects behind.
type Scope struct {
	id        uuid.UUID
	ambient   bool
	asyncFlow bool
	isolation sql.IsolationLevel
	logger    Logger

	// joined points at the enclosing ambient scope when this scope was
	// begun with JoinAmbient; enlistment and outcome delegate to it.
	joined *Scope
	// parent is the enclosing ambient scope at creation, used to enforce
	// LIFO release order for nested scopes.
	parent *Scope

	mu          sync.Mutex
	state       State
	completed   bool
	released    bool
	failed      error
	distributed bool
	conns       []*Conn
	txs         map[*Conn]*sql.Tx
	children    int
}

// BeginExplicit starts a scope bound to a single connection and begins its
// physical transaction immediately. The connection must be open and not
// owned by another active scope.
func BeginExplicit(ctx context.Context, conn *Conn, opts ...ScopeOption) (*Scope, error) {
	o := applyScopeOptions(opts)

	s := &Scope{
		id:        uuid.New(),
		isolation: o.isolation,
		logger:    o.logger,
		state:     StateActive,
		txs:       make(map[*Conn]*sql.Tx, 1),
	}
	if s.logger == nil {
		s.logger = conn.cfg.Logger
	}

	if err := conn.claim(s, false); err != nil {
		return nil, err
	}

	tx, err := conn.beginTx(ctx, s.isolation)
	if err != nil {
		//nolint:errcheck // release error irrelevant: transaction never began
		conn.releaseBy(s)
		return nil, err
	}

	s.conns = append(s.conns, conn)
	s.txs[conn] = tx
	s.log(ctx, "explicit scope started", "scope_id", s.id, "conn_id", conn.id)
	return s, nil
}

// BeginAmbient starts a scope discoverable from the returned context.
// No connection is required until the first enlistment. Nested calls stack:
// the innermost active scope is current, and scopes must release in reverse
// begin order.
func BeginAmbient(ctx context.Context, opts ...ScopeOption) (context.Context, *Scope) {
	o := applyScopeOptions(opts)
	parent, _ := Current(ctx)

	s := &Scope{
		id:        uuid.New(),
		ambient:   true,
		asyncFlow: o.asyncFlow,
		isolation: o.isolation,
		logger:    o.logger,
		parent:    parent,
		state:     StateActive,
		txs:       make(map[*Conn]*sql.Tx, 1),
	}

	if o.join && parent != nil {
		s.joined = parent
		s.asyncFlow = parent.asyncFlow
	}
	if parent != nil {
		parent.addChild()
	}

	s.log(ctx, "ambient scope started",
		"scope_id", s.id,
		"async_flow", s.asyncFlow,
		"joined", s.joined != nil)
	return pushAmbient(ctx, s), s
}

func applyScopeOptions(opts []ScopeOption) scopeOptions {
	o := scopeOptions{isolation: sql.LevelDefault}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ID returns the scope's identity.
func (s *Scope) ID() uuid.UUID {
	return s.id
}

// Enlist binds a connection to the scope, beginning a physical transaction
// for it if one is not already active, and returns the execution target for
// statements that should commit or roll back with the scope.
//
// Explicit scopes accept only their bound connection; any other connection
// fails with ErrConnectionMismatch. Ambient scopes accept any number of
// connections and escalate to distributed mode the moment a second
// connection enlists while an earlier one is still open.
func (s *Scope) Enlist(ctx context.Context, conn *Conn) (DBTX, error) {
	if s.joined != nil {
		if s.isReleased() {
			return nil, fmt.Errorf("enlist in scope %s: %w", s.id, ErrInvalidState)
		}
		return s.joined.Enlist(ctx, conn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.state != StateActive {
		return nil, fmt.Errorf("enlist in scope %s: %w", s.id, ErrInvalidState)
	}

	if tx, ok := s.txs[conn]; ok {
		return tx, nil
	}

	if !s.ambient {
		return nil, fmt.Errorf("enlist connection %s in scope %s: %w", conn.id, s.id, ErrConnectionMismatch)
	}

	if err := conn.claim(s, true); err != nil {
		return nil, err
	}

	// Escalation check runs eagerly, before the statement is sent, so the
	// caller observes the distributed flag immediately after the second
	// concurrent open.
	escalated := false
	if !s.distributed {
		for _, other := range s.conns {
			if other.IsOpen() {
				escalated = true
				break
			}
		}
	}

	tx, err := conn.beginTx(ctx, s.isolation)
	if err != nil {
		//nolint:errcheck // release error irrelevant: transaction never began
		conn.releaseBy(s)
		return nil, err
	}

	s.conns = append(s.conns, conn)
	s.txs[conn] = tx

	if escalated {
		s.distributed = true
		s.log(ctx, "scope escalated to distributed transaction",
			"scope_id", s.id,
			"conns", len(s.conns))
	}
	return tx, nil
}

// Complete commits the scope. It fails with ErrInvalidOperation if the
// scope was already completed, and refuses to commit if any enlisted
// statement failed or the context is cancelled; the deferred Release then
// rolls back.
func (s *Scope) Complete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return fmt.Errorf("complete scope %s: %w", s.id, ErrInvalidOperation)
	}
	if s.released || s.state != StateActive {
		return fmt.Errorf("complete scope %s: %w", s.id, ErrInvalidState)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("complete scope %s: %w", s.id, err)
	}
	if s.failed != nil {
		return fmt.Errorf("complete scope %s after enlisted failure: %w", s.id, s.failed)
	}

	s.completed = true

	if s.joined != nil {
		// Outcome belongs to the outer scope; this vote is recorded by not
		// failing the outer scope at release.
		return nil
	}

	var err error
	for _, conn := range s.conns {
		err = multierr.Append(err, s.txs[conn].Commit())
	}
	for _, conn := range s.conns {
		err = multierr.Append(err, conn.releaseBy(s))
	}

	if err != nil {
		s.state = StateRolledBack
		return fmt.Errorf("commit scope %s: %w", s.id, err)
	}

	s.state = StateCommitted
	s.log(ctx, "scope committed", "scope_id", s.id, "conns", len(s.conns))
	return nil
}

// Release finishes the scope. If Complete succeeded, Release is a no-op
// finalization; otherwise it rolls back every enlisted transaction.
// Release is idempotent and must be called exactly once per begun scope,
// in reverse begin order for nested ambient scopes; releasing an outer
// scope while an inner one is still active is a programming error and
// panics.
func (s *Scope) Release() {
	s.mu.Lock()

	if s.released {
		s.mu.Unlock()
		return
	}
	if s.children != 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("txn: scope %s released while %d nested scope(s) still active", s.id, s.children))
	}

	s.released = true
	parent := s.parent
	joined := s.joined
	completed := s.completed

	var rollbackErr error
	if joined == nil && s.state == StateActive {
		s.state = StateRolledBack
		for i := len(s.conns) - 1; i >= 0; i-- {
			conn := s.conns[i]
			rollbackErr = multierr.Append(rollbackErr, s.txs[conn].Rollback())
			rollbackErr = multierr.Append(rollbackErr, conn.releaseBy(s))
		}
	}
	s.mu.Unlock()

	if rollbackErr != nil {
		s.log(context.Background(), "scope rollback error", "scope_id", s.id, "error", rollbackErr)
	} else if joined == nil && !completed {
		s.log(context.Background(), "scope rolled back", "scope_id", s.id)
	}

	if joined != nil && !completed {
		joined.Fail(fmt.Errorf("nested scope %s released without complete", s.id))
	}
	if parent != nil {
		parent.childDone()
	}
}

// Fail records the first failure observed inside the scope. A failed scope
// refuses Complete, forcing rollback at release. Executors record statement
// failures automatically; Fail is for components that do work under the
// scope through other paths.
func (s *Scope) Fail(err error) {
	if s.joined != nil {
		s.joined.Fail(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = err
	}
}

// IsDistributed reports whether the scope escalated to a distributed
// transaction (two or more connections enlisted while simultaneously open).
func (s *Scope) IsDistributed() bool {
	if s.joined != nil {
		return s.joined.IsDistributed()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.distributed
}

// EnsureLocal is the escalation policy hook: it fails with
// ErrUnexpectedDistributedTransaction if the scope escalated. Callers that
// must not pay for a distributed coordinator check it before Complete.
func (s *Scope) EnsureLocal() error {
	if s.IsDistributed() {
		return fmt.Errorf("scope %s: %w", s.id, ErrUnexpectedDistributedTransaction)
	}
	return nil
}

// State returns the scope's completion state. A joined nested scope reports
// the outer scope's state.
func (s *Scope) State() State {
	if s.joined != nil {
		return s.joined.State()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// boundConn returns the connection an explicit scope is bound to.
func (s *Scope) boundConn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ambient || len(s.conns) == 0 {
		return nil
	}
	return s.conns[0]
}

// allowsAsyncFlow reports whether the scope may be used across an
// asynchronous execution boundary. Explicit scopes always flow: the caller
// passed them by hand.
func (s *Scope) allowsAsyncFlow() bool {
	return !s.ambient || s.asyncFlow
}

func (s *Scope) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *Scope) addChild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children++
}

func (s *Scope) childDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children--
}

func (s *Scope) log(ctx context.Context, msg string, keyvals ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(ctx, msg, keyvals...)
	}
}
