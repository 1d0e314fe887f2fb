package txn

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ConnConfig contains configuration for a connection handle.
// Configuration is immutable after construction.
type ConnConfig struct {
	// Driver is the database/sql driver name.
	Driver string

	// DSN is the data source name passed to the driver.
	DSN string

	// AutoEnlist controls whether executors on this connection discover
	// ambient scopes from the context. Defaults to true.
	AutoEnlist bool

	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger Logger
}

// DefaultConnConfig returns the default configuration for the given driver
// and data source name.
func DefaultConnConfig(driver, dsn string) ConnConfig {
	return ConnConfig{
		Driver:     driver,
		DSN:        dsn,
		AutoEnlist: true,
	}
}

// ParseConfig builds a ConnConfig from a URL-form DSN, honoring the
// auto_enlist query option ("true"/"false"). The option is stripped from
// the DSN handed to the driver, which would otherwise reject it as unknown.
// Non-URL DSNs are passed through untouched with auto-enlistment on.
func ParseConfig(driver, dsn string) (ConnConfig, error) {
	cfg := DefaultConnConfig(driver, dsn)

	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return cfg, nil
	}

	q := u.Query()
	if v := q.Get("auto_enlist"); v != "" {
		switch v {
		case "true":
			cfg.AutoEnlist = true
		case "false":
			cfg.AutoEnlist = false
		default:
			return cfg, fmt.Errorf("invalid auto_enlist value %q", v)
		}
		q.Del("auto_enlist")
		u.RawQuery = q.Encode()
		cfg.DSN = u.String()
	}

	return cfg, nil
}

type connState int

const (
	stateCreated connState = iota
	stateOpen
	// stateClosePending means Close was called while an ambient scope still
	// holds a transaction on this connection. The handle is logically
	// closed; the physical close happens when the scope releases it.
	stateClosePending
	stateClosed
)

// Conn is a handle owning one physical database connection.
//
// While a scope holds a transaction on the connection, the connection is
// exclusively owned by that scope; enlisting it elsewhere fails with
// ErrConnectionInUse. A Conn is not reusable after Close.
type Conn struct {
	id  uuid.UUID
	cfg ConnConfig

	mu    sync.Mutex
	db    *sql.DB
	sc    *sql.Conn
	state connState

	owner        *Scope
	ownerAmbient bool
	txActive     bool
}

// Connect creates a connection handle. No physical connection is
// established until Open.
func Connect(cfg ConnConfig) (*Conn, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open driver %q: %w", cfg.Driver, err)
	}

	return &Conn{
		id:  uuid.New(),
		cfg: cfg,
		db:  db,
	}, nil
}

// ID returns the connection's identity, used to validate scope bindings.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// AutoEnlist reports whether executors on this connection discover ambient
// scopes from the context.
func (c *Conn) AutoEnlist() bool {
	return c.cfg.AutoEnlist
}

// IsOpen reports whether the handle is logically open. A handle with a
// pending deferred close reports false.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// Open establishes the physical connection. Commands are rejected until
// the connection is open. Opening twice is an error.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateCreated {
		return fmt.Errorf("open connection %s: %w", c.id, ErrInvalidState)
	}

	sc, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}

	c.sc = sc
	c.state = stateOpen
	c.log(ctx, "connection opened", "conn_id", c.id)
	return nil
}

// Close releases the physical connection.
//
// Closing while an explicit scope's transaction is active is an error.
// Closing while an ambient scope's transaction is active marks the handle
// closed immediately but defers the physical close until the scope
// releases, so sequential connection reuse inside one ambient scope does
// not count as concurrently open for escalation purposes.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateCreated:
		c.state = stateClosed
		return c.db.Close()
	case stateOpen:
		if c.txActive {
			if !c.ownerAmbient {
				return fmt.Errorf("close connection %s with active transaction: %w", c.id, ErrInvalidState)
			}
			c.state = stateClosePending
			return nil
		}
		c.state = stateClosed
		return c.physicalClose()
	default:
		return fmt.Errorf("close connection %s: %w", c.id, ErrInvalidState)
	}
}

// physicalClose releases driver resources. Caller holds c.mu.
func (c *Conn) physicalClose() error {
	var err error
	if c.sc != nil {
		err = multierr.Append(err, c.sc.Close())
		c.sc = nil
	}
	return multierr.Append(err, c.db.Close())
}

// claim marks the connection as owned by the given scope.
func (c *Conn) claim(s *Scope, ambient bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateOpen {
		return fmt.Errorf("enlist connection %s: %w", c.id, ErrInvalidState)
	}
	if c.owner != nil && c.owner != s {
		return fmt.Errorf("enlist connection %s: %w", c.id, ErrConnectionInUse)
	}

	c.owner = s
	c.ownerAmbient = ambient
	c.txActive = true
	return nil
}

// releaseBy clears the scope's claim and finishes a deferred close.
func (c *Conn) releaseBy(s *Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner != s {
		return nil
	}

	c.owner = nil
	c.ownerAmbient = false
	c.txActive = false

	if c.state == stateClosePending {
		c.state = stateClosed
		return c.physicalClose()
	}
	return nil
}

// beginTx starts a physical transaction on the connection.
// Deferred-close handles may still begin work queued before the close;
// callers guard against that via claim.
func (c *Conn) beginTx(ctx context.Context, isolation sql.IsolationLevel) (*sql.Tx, error) {
	c.mu.Lock()
	sc := c.sc
	c.mu.Unlock()

	if sc == nil {
		return nil, fmt.Errorf("begin transaction on connection %s: %w", c.id, ErrInvalidState)
	}

	tx, err := sc.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// dbtx returns the raw execution target for non-transactional commands.
func (c *Conn) dbtx() (DBTX, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateOpen {
		return nil, fmt.Errorf("connection %s: %w", c.id, ErrInvalidState)
	}
	return c.sc, nil
}

func (c *Conn) log(ctx context.Context, msg string, keyvals ...interface{}) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Debug(ctx, msg, keyvals...)
	}
}
