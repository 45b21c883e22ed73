package shared

import "errors"

var (
	// ErrNotFound indicates a location, variant, order or ledger record is absent.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the access policy refused the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidOperation indicates a request that can never succeed as issued:
	// insufficient stock, illegal state transitions, malformed quantities.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrTransient marks failures of the queue or its workers that are retried.
	ErrTransient = errors.New("transient failure")
)
