package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process Store. It honors the same
// liveness condition as the DynamoDB backend, so handler behavior is
// identical; it is meant for tests and single-process local runs, not for
// coordinating independent invocations.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	nowFunc func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		nowFunc: time.Now,
	}
}

// PutRecord creates the record unless a live one blocks it. The check and the
// write happen under one lock, which is this backend's compare-and-swap.
func (s *MemoryStore) PutRecord(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if existing, ok := s.records[record.IdempotencyKey]; ok && recordBlocks(&existing, now) {
		return ErrItemAlreadyExists
	}
	s.records[record.IdempotencyKey] = *record
	return nil
}

// GetRecord returns the stored record, treating TTL-expired entries as absent
// the way a backend's garbage collection eventually would.
func (s *MemoryStore) GetRecord(ctx context.Context, idempotencyKey string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[idempotencyKey]
	if !ok {
		return nil, ErrItemNotFound
	}
	if record.IsExpired(s.nowFunc()) {
		delete(s.records, idempotencyKey)
		return nil, ErrItemNotFound
	}
	out := record
	return &out, nil
}

func (s *MemoryStore) UpdateRecord(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.IdempotencyKey] = *record
	return nil
}

func (s *MemoryStore) DeleteRecord(ctx context.Context, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, idempotencyKey)
	return nil
}

// recordBlocks reports whether an existing record still blocks a new
// INPROGRESS write: it is live when its TTL has not passed and, for an
// INPROGRESS record holding a lease, the lease has not lapsed.
func recordBlocks(existing *Record, now time.Time) bool {
	if existing.IsExpired(now) {
		return false
	}
	if existing.Status == StatusInProgress && existing.InProgressExpiryTimestamp != 0 &&
		existing.InProgressExpiryTimestamp < now.UnixMilli() {
		return false
	}
	return true
}
