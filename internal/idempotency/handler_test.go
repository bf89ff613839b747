package idempotency

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func newTestLayer(t *testing.T, store Store, cfg *Config) *PersistenceLayer {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FunctionName == "" {
		cfg.FunctionName = "test-fn"
	}
	layer, err := NewPersistenceLayer(store, cfg)
	if err != nil {
		t.Fatalf("NewPersistenceLayer error: %v", err)
	}
	return layer
}

func countingFunc(calls *int, result any, err error) Func {
	return func(ctx context.Context, event map[string]any) (any, error) {
		*calls++
		return result, err
	}
}

func TestHandle_ShortCircuitsSecondCall(t *testing.T) {
	store := NewMemoryStore()
	layer := newTestLayer(t, store, nil)

	calls := 0
	wrapped := MakeIdempotent(countingFunc(&calls, map[string]any{"status": "ok"}, nil), layer)

	event := map[string]any{"order_id": 1}
	first, err := wrapped(context.Background(), event)
	if err != nil {
		t.Fatalf("first call error: %v", err)
	}
	second, err := wrapped(context.Background(), event)
	if err != nil {
		t.Fatalf("second call error: %v", err)
	}

	if calls != 1 {
		t.Fatalf("wrapped function invoked %d times, want 1", calls)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("cached response differs: %v vs %v", first, second)
	}
}

func TestHandle_PayloadValidationMismatch(t *testing.T) {
	store := NewMemoryStore()
	layer := newTestLayer(t, store, &Config{
		EventKeyJMESPath:          "order_id",
		PayloadValidationJMESPath: "payload",
	})

	calls := 0
	wrapped := MakeIdempotent(countingFunc(&calls, "done", nil), layer)

	if _, err := wrapped(context.Background(), map[string]any{
		"order_id": "o-1",
		"payload":  map[string]any{"amount": 10.0},
	}); err != nil {
		t.Fatalf("first call error: %v", err)
	}

	_, err := wrapped(context.Background(), map[string]any{
		"order_id": "o-1",
		"payload":  map[string]any{"amount": 99.0},
	})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("wrapped function invoked %d times, want 1", calls)
	}
}

func TestHandle_FailureReleasesLock(t *testing.T) {
	store := NewMemoryStore()
	layer := newTestLayer(t, store, nil)

	boom := errors.New("boom")
	calls := 0
	fn := func(ctx context.Context, event map[string]any) (any, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return "recovered", nil
	}
	wrapped := MakeIdempotent(fn, layer)

	event := map[string]any{"order_id": 1}
	if _, err := wrapped(context.Background(), event); !errors.Is(err, boom) {
		t.Fatalf("expected original function error, got %v", err)
	}

	// the record was deleted, so a retry re-executes instead of short-circuiting
	result, err := wrapped(context.Background(), event)
	if err != nil {
		t.Fatalf("retry error: %v", err)
	}
	if result != "recovered" || calls != 2 {
		t.Fatalf("retry did not re-execute: result=%v calls=%d", result, calls)
	}
}

func TestHandle_AlreadyInProgress(t *testing.T) {
	store := NewMemoryStore()
	layer := newTestLayer(t, store, nil)

	event := map[string]any{"order_id": 1}
	key, err := layer.BuildKey(event)
	if err != nil {
		t.Fatalf("BuildKey error: %v", err)
	}
	// another invocation holds the key with a live lease
	seed := &Record{
		IdempotencyKey:            key,
		Status:                    StatusInProgress,
		ExpiryTimestamp:           time.Now().Add(time.Hour).Unix(),
		InProgressExpiryTimestamp: time.Now().Add(time.Minute).UnixMilli(),
	}
	if err := store.PutRecord(context.Background(), seed); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	calls := 0
	wrapped := MakeIdempotent(countingFunc(&calls, "x", nil), layer)

	_, err = wrapped(context.Background(), event)
	var inProgress *AlreadyInProgressError
	if !errors.As(err, &inProgress) {
		t.Fatalf("expected AlreadyInProgressError, got %v", err)
	}
	if inProgress.IdempotencyKey != key {
		t.Fatalf("error carries wrong key: %s", inProgress.IdempotencyKey)
	}
	if calls != 0 {
		t.Fatalf("wrapped function invoked %d times, want 0", calls)
	}
}

func TestHandle_ReclaimsLapsedLease(t *testing.T) {
	store := NewMemoryStore()
	layer := newTestLayer(t, store, nil)

	event := map[string]any{"order_id": 1}
	key, err := layer.BuildKey(event)
	if err != nil {
		t.Fatalf("BuildKey error: %v", err)
	}
	// simulate a crashed execution: INPROGRESS with a lease just in the past
	seed := &Record{
		IdempotencyKey:            key,
		Status:                    StatusInProgress,
		ExpiryTimestamp:           time.Now().Add(time.Hour).Unix(),
		InProgressExpiryTimestamp: time.Now().Add(-time.Millisecond).UnixMilli(),
	}
	if err := store.PutRecord(context.Background(), seed); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	calls := 0
	wrapped := MakeIdempotent(countingFunc(&calls, "reclaimed", nil), layer)

	result, err := wrapped(context.Background(), event)
	if err != nil {
		t.Fatalf("expected lease reclaim, got %v", err)
	}
	if result != "reclaimed" || calls != 1 {
		t.Fatalf("reclaim did not execute: result=%v calls=%d", result, calls)
	}
}

// scriptedStore wraps a Store, forcing PutRecord/GetRecord outcomes for the
// first N calls to reproduce the put/get race windows.
type scriptedStore struct {
	Store
	mu           sync.Mutex
	putConflicts int
	getMisses    int
	putCalls     int
	getCalls     int
}

func (s *scriptedStore) PutRecord(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	if s.putConflicts > 0 {
		s.putConflicts--
		return ErrItemAlreadyExists
	}
	return s.Store.PutRecord(ctx, record)
}

func (s *scriptedStore) GetRecord(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getMisses > 0 {
		s.getMisses--
		return nil, ErrItemNotFound
	}
	return s.Store.GetRecord(ctx, key)
}

func TestHandle_InconsistentStateRetries(t *testing.T) {
	// first attempt: conditional put conflicts, then the conflicting record
	// vanishes before the read; second attempt succeeds
	store := &scriptedStore{Store: NewMemoryStore(), putConflicts: 1, getMisses: 1}
	layer := newTestLayer(t, store, nil)

	calls := 0
	wrapped := MakeIdempotent(countingFunc(&calls, "ok", nil), layer)

	result, err := wrapped(context.Background(), map[string]any{"order_id": 1})
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if result != "ok" || calls != 1 {
		t.Fatalf("retry outcome wrong: result=%v calls=%d", result, calls)
	}
	if store.putCalls != 2 {
		t.Fatalf("expected 2 put attempts, got %d", store.putCalls)
	}
}

func TestHandle_InconsistentStateExhaustsRetries(t *testing.T) {
	store := &scriptedStore{Store: NewMemoryStore(), putConflicts: 10, getMisses: 10}
	layer := newTestLayer(t, store, nil)

	calls := 0
	wrapped := MakeIdempotent(countingFunc(&calls, "ok", nil), layer)

	_, err := wrapped(context.Background(), map[string]any{"order_id": 1})
	if !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState after retries, got %v", err)
	}
	// default bound: 1 initial attempt + 2 retries
	if store.putCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.putCalls)
	}
	if calls != 0 {
		t.Fatalf("wrapped function should never run, ran %d times", calls)
	}
}

func TestHandle_PersistenceErrorWrapped(t *testing.T) {
	backendDown := errors.New("backend down")
	store := &failingStore{err: backendDown}
	layer := newTestLayer(t, store, nil)

	wrapped := MakeIdempotent(countingFunc(new(int), "x", nil), layer)

	_, err := wrapped(context.Background(), map[string]any{"order_id": 1})
	var pErr *PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if !errors.Is(err, backendDown) {
		t.Fatal("original cause not preserved")
	}
}

// failingStore errors every operation with a backend-specific failure.
type failingStore struct{ err error }

func (s *failingStore) PutRecord(ctx context.Context, record *Record) error { return s.err }
func (s *failingStore) GetRecord(ctx context.Context, key string) (*Record, error) {
	return nil, s.err
}
func (s *failingStore) UpdateRecord(ctx context.Context, record *Record) error { return s.err }
func (s *failingStore) DeleteRecord(ctx context.Context, key string) error     { return s.err }

func TestHandle_LeaseFromContextDeadline(t *testing.T) {
	store := NewMemoryStore()
	layer := newTestLayer(t, store, nil)

	event := map[string]any{"order_id": 1}
	key, err := layer.BuildKey(event)
	if err != nil {
		t.Fatalf("BuildKey error: %v", err)
	}

	var leased int64
	fn := func(ctx context.Context, ev map[string]any) (any, error) {
		rec, err := store.GetRecord(ctx, key)
		if err != nil {
			return nil, err
		}
		leased = rec.InProgressExpiryTimestamp
		return "ok", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := MakeIdempotent(fn, layer)(ctx, event); err != nil {
		t.Fatalf("wrapped call error: %v", err)
	}
	if leased == 0 {
		t.Fatal("in-progress lease not derived from context deadline")
	}
	if remaining := leased - time.Now().UnixMilli(); remaining <= 0 || remaining > 30_000 {
		t.Fatalf("lease outside the execution budget: %dms", remaining)
	}
}

func TestHandle_LocalCacheShortCircuits(t *testing.T) {
	store := &scriptedStore{Store: NewMemoryStore()}
	layer := newTestLayer(t, store, &Config{UseLocalCache: true})

	calls := 0
	wrapped := MakeIdempotent(countingFunc(&calls, "ok", nil), layer)

	event := map[string]any{"order_id": 1}
	if _, err := wrapped(context.Background(), event); err != nil {
		t.Fatalf("first call error: %v", err)
	}
	getsAfterFirst := store.getCalls

	if _, err := wrapped(context.Background(), event); err != nil {
		t.Fatalf("second call error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("wrapped function invoked %d times, want 1", calls)
	}
	if store.getCalls != getsAfterFirst {
		t.Fatal("cached completion still hit the backend")
	}
}

func TestHandle_ResponseHookObservesCachedResponse(t *testing.T) {
	store := NewMemoryStore()
	hookCalls := 0
	layer := newTestLayer(t, store, &Config{
		ResponseHook: func(response any, record *Record) any {
			hookCalls++
			if record.Status != StatusCompleted {
				t.Errorf("hook saw status %s, want COMPLETED", record.Status)
			}
			return response
		},
	})

	wrapped := MakeIdempotent(countingFunc(new(int), "ok", nil), layer)
	event := map[string]any{"order_id": 1}

	if _, err := wrapped(context.Background(), event); err != nil {
		t.Fatalf("first call error: %v", err)
	}
	if hookCalls != 0 {
		t.Fatal("hook ran on the initial execution")
	}
	if _, err := wrapped(context.Background(), event); err != nil {
		t.Fatalf("second call error: %v", err)
	}
	if hookCalls != 1 {
		t.Fatalf("hook ran %d times, want 1", hookCalls)
	}
}
