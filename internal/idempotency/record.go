package idempotency

import "time"

// Status values for idempotency records.
const (
	StatusInProgress = "INPROGRESS"
	StatusCompleted  = "COMPLETED"
	// StatusExpired is derived, never written to a backend: a record whose
	// expiry timestamp has passed reports it regardless of the stored status.
	StatusExpired = "EXPIRED"
)

// Record is the unit persisted per idempotency key.
type Record struct {
	IdempotencyKey string
	Status         string
	// ExpiryTimestamp is the absolute record TTL in epoch seconds. Backends
	// garbage-collect past it; callers must still treat stale reads as expired.
	ExpiryTimestamp int64
	// InProgressExpiryTimestamp is the lease deadline in epoch milliseconds.
	// Zero means no lease was recorded (caller had no deadline).
	InProgressExpiryTimestamp int64
	// ResponseData holds the serialized result, set only once COMPLETED.
	ResponseData string
	// PayloadHash is the hash of the validation subset, set when payload
	// validation is enabled.
	PayloadHash string
}

// IsExpired reports whether the record TTL has passed at the given instant.
func (r *Record) IsExpired(now time.Time) bool {
	return r.ExpiryTimestamp != 0 && now.Unix() > r.ExpiryTimestamp
}

// StatusAt resolves the effective status at the given instant, folding TTL
// expiry into the derived EXPIRED state.
func (r *Record) StatusAt(now time.Time) (string, error) {
	if r.IsExpired(now) {
		return StatusExpired, nil
	}
	switch r.Status {
	case StatusInProgress, StatusCompleted, StatusExpired:
		return r.Status, nil
	}
	return "", ErrInvalidStatus
}
