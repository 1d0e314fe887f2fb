// Package memdriver provides an in-memory database/sql driver with
// observable transaction state.
//
// The driver records every statement executed through it. Statements run
// inside a transaction become visible via Handle.Committed only after the
// transaction commits; a rollback discards them. That makes commit/rollback
// behavior directly assertable in tests without a database server, and the
// same handle doubles as a fake for application tests.
//
// Query results and execution faults are injected per handle via OnQuery
// and OnExec.
package memdriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
)

// DriverName is the name the driver registers under.
const DriverName = "memdriver"

// Statement is a recorded statement with its ordinal argument values.
type Statement struct {
	Query string
	Args  []driver.Value
}

// QueryFunc produces the result set for a query.
type QueryFunc func(query string, args []driver.Value) (columns []string, rows [][]driver.Value, err error)

// ExecFunc intercepts a statement execution, returning the affected row
// count or an injected error.
type ExecFunc func(query string, args []driver.Value) (int64, error)

// Handle is one logical in-memory database. Each Handle has its own DSN and
// its own recorded state; connections opened with that DSN share it.
type Handle struct {
	dsn string

	mu        sync.Mutex
	committed []Statement
	onQuery   QueryFunc
	onExec    ExecFunc
}

var (
	registerOnce sync.Once
	handlesMu    sync.Mutex
	handles      = make(map[string]*Handle)
	nextHandle   int
)

// New creates a fresh Handle and registers the driver on first use.
func New() *Handle {
	registerOnce.Do(func() {
		sql.Register(DriverName, memDriver{})
	})

	handlesMu.Lock()
	defer handlesMu.Unlock()

	nextHandle++
	h := &Handle{dsn: fmt.Sprintf("mem-%d", nextHandle)}
	handles[h.dsn] = h
	return h
}

// DSN returns the data source name connections use to reach this handle.
func (h *Handle) DSN() string {
	return h.dsn
}

// OnQuery installs the result provider for queries. Without one, every
// query returns an empty result set.
func (h *Handle) OnQuery(fn QueryFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onQuery = fn
}

// OnExec installs an interceptor for statement executions. Without one,
// every execution succeeds and reports one affected row.
func (h *Handle) OnExec(fn ExecFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onExec = fn
}

// Committed returns the statements whose transactions committed, in commit
// order. Statements executed outside any transaction count as committed
// immediately.
func (h *Handle) Committed() []Statement {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Statement, len(h.committed))
	copy(out, h.committed)
	return out
}

// CommittedQueries returns just the SQL text of committed statements.
func (h *Handle) CommittedQueries() []string {
	stmts := h.Committed()
	out := make([]string, len(stmts))
	for i, s := range stmts {
		out[i] = s.Query
	}
	return out
}

// Reset discards all recorded state and injected behavior.
func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.committed = nil
	h.onQuery = nil
	h.onExec = nil
}

func (h *Handle) commit(stmts []Statement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.committed = append(h.committed, stmts...)
}

func (h *Handle) exec(query string, args []driver.Value) (int64, error) {
	h.mu.Lock()
	fn := h.onExec
	h.mu.Unlock()

	if fn != nil {
		return fn(query, args)
	}
	return 1, nil
}

func (h *Handle) query(query string, args []driver.Value) ([]string, [][]driver.Value, error) {
	h.mu.Lock()
	fn := h.onQuery
	h.mu.Unlock()

	if fn != nil {
		return fn(query, args)
	}
	return nil, nil, nil
}

type memDriver struct{}

func (memDriver) Open(name string) (driver.Conn, error) {
	handlesMu.Lock()
	defer handlesMu.Unlock()

	h, ok := handles[name]
	if !ok {
		return nil, fmt.Errorf("memdriver: unknown dsn %q", name)
	}
	return &conn{h: h}, nil
}

type conn struct {
	h  *Handle
	tx *memTx
}

var (
	_ driver.Conn           = (*conn)(nil)
	_ driver.ConnBeginTx    = (*conn)(nil)
	_ driver.ExecerContext  = (*conn)(nil)
	_ driver.QueryerContext = (*conn)(nil)
)

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{c: c, query: query}, nil
}

func (c *conn) Close() error {
	c.tx = nil
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.tx != nil {
		return nil, fmt.Errorf("memdriver: transaction already active")
	}
	c.tx = &memTx{c: c}
	return c.tx, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return c.exec(query, namedToValues(args))
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return c.query(query, namedToValues(args))
}

func (c *conn) exec(query string, args []driver.Value) (driver.Result, error) {
	affected, err := c.h.exec(query, args)
	if err != nil {
		return nil, err
	}

	rec := Statement{Query: query, Args: args}
	if c.tx != nil {
		c.tx.buf = append(c.tx.buf, rec)
	} else {
		c.h.commit([]Statement{rec})
	}
	return driver.RowsAffected(affected), nil
}

func (c *conn) query(query string, args []driver.Value) (driver.Rows, error) {
	cols, data, err := c.h.query(query, args)
	if err != nil {
		return nil, err
	}
	return &rows{columns: cols, data: data}, nil
}

type memTx struct {
	c   *conn
	buf []Statement
}

func (t *memTx) Commit() error {
	t.c.h.commit(t.buf)
	t.c.tx = nil
	return nil
}

func (t *memTx) Rollback() error {
	t.c.tx = nil
	return nil
}

type stmt struct {
	c     *conn
	query string
}

func (s *stmt) Close() error { return nil }

func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.c.exec(s.query, args)
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.c.query(s.query, args)
}

type rows struct {
	columns []string
	data    [][]driver.Value
	pos     int
}

func (r *rows) Columns() []string { return r.columns }

func (r *rows) Close() error { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}

func namedToValues(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
