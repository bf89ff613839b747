package idempotency

import "context"

// Store is the record-level contract a backend implements. All coordination
// between concurrent invocations happens through PutRecord's conditional
// create; no client-side locks exist.
type Store interface {
	// PutRecord creates the record only if no live record blocks it: the key
	// is absent, the existing record's TTL has passed, or an INPROGRESS
	// record's lease has lapsed. Returns ErrItemAlreadyExists otherwise.
	//
	// Backends able to evaluate the condition server-side (conditional put,
	// scripted check-and-set) give the strong exactly-once guarantee; a
	// read-then-write implementation leaves a race window and must say so.
	PutRecord(ctx context.Context, record *Record) error

	// GetRecord reads the current record for the key. Returns ErrItemNotFound
	// when absent, which can legitimately race a just-failed PutRecord.
	GetRecord(ctx context.Context, idempotencyKey string) (*Record, error)

	// UpdateRecord transitions an existing record, attaching response data and
	// status (COMPLETED on the success path).
	UpdateRecord(ctx context.Context, record *Record) error

	// DeleteRecord removes the record, releasing the key for future attempts.
	DeleteRecord(ctx context.Context, idempotencyKey string) error
}
