package txn

import "errors"

var (
	// ErrInvalidState indicates an operation on a closed connection or a
	// scope that is no longer active.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidOperation indicates a completion call on a scope that was
	// already completed.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrConnectionMismatch indicates an executor was given an explicit
	// scope bound to a different connection.
	ErrConnectionMismatch = errors.New("connection does not match scope binding")

	// ErrConnectionInUse indicates an attempt to enlist a connection that
	// another active scope already owns.
	ErrConnectionInUse = errors.New("connection in use by another scope")

	// ErrCardinalityViolation indicates a single-row query returned more
	// than one row.
	ErrCardinalityViolation = errors.New("query returned more than one row")

	// ErrTransactionContextLost indicates an ambient scope cannot flow
	// across an asynchronous execution boundary because async flow was not
	// enabled when the scope was begun.
	ErrTransactionContextLost = errors.New("ambient scope does not flow across async execution")

	// ErrUnexpectedDistributedTransaction indicates a scope escalated to
	// distributed mode where the caller required it to stay local.
	ErrUnexpectedDistributedTransaction = errors.New("scope escalated to a distributed transaction")
)
