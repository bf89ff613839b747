package idempotency

import (
	"errors"
	"fmt"
)

// ErrItemAlreadyExists indicates a live record blocked the conditional create.
var ErrItemAlreadyExists = errors.New("idempotency record already exists")

// ErrItemNotFound indicates no record exists for the derived key.
var ErrItemNotFound = errors.New("idempotency record not found")

// ErrInconsistentState indicates the store answered two consecutive calls
// inconsistently (record vanished or expired between put and get). Transient;
// the handler retries it a bounded number of times.
var ErrInconsistentState = errors.New("persistence store returned inconsistent results between calls")

// ErrMissingIdempotencyKey indicates the key selector matched no data.
var ErrMissingIdempotencyKey = errors.New("no data found to build an idempotency key")

// ErrInvalidStatus indicates a stored record carries an unknown status value.
var ErrInvalidStatus = errors.New("invalid idempotency record status")

// AlreadyInProgressError signals that another execution currently owns the
// key. Not retried; callers typically fail the trigger so the source redelivers.
type AlreadyInProgressError struct {
	IdempotencyKey string
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("execution already in progress with idempotency key: %s", e.IdempotencyKey)
}

// ValidationError signals that the stored payload hash does not match the
// current call for the same key. Never retried.
type ValidationError struct {
	IdempotencyKey string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload does not match stored record for idempotency key: %s", e.IdempotencyKey)
}

// PersistenceError wraps any unexpected backend failure so callers never see
// backend-specific types. Always fatal; the original cause is preserved.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("idempotency persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
