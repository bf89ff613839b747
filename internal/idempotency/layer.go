package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PersistenceLayer binds a backend Store to an idempotency configuration. It
// derives keys, computes expiry timestamps, validates payload hashes, and
// maintains the optional in-process cache, leaving only the four record-level
// operations to the backend.
type PersistenceLayer struct {
	store      Store
	cfg        *Config
	keyBuilder *KeyBuilder
	cache      *lru.Cache[string, *Record]
}

// NewPersistenceLayer wires a backend Store with the given configuration.
// cfg may be nil for defaults.
func NewPersistenceLayer(store Store, cfg *Config) (*PersistenceLayer, error) {
	resolved := cfg.withDefaults()

	builder, err := NewKeyBuilder(resolved)
	if err != nil {
		return nil, err
	}

	layer := &PersistenceLayer{
		store:      store,
		cfg:        resolved,
		keyBuilder: builder,
	}
	if resolved.UseLocalCache {
		cache, err := lru.New[string, *Record](resolved.LocalCacheMaxItems)
		if err != nil {
			return nil, fmt.Errorf("init local cache: %w", err)
		}
		layer.cache = cache
	}
	return layer, nil
}

// Config exposes the resolved configuration, mostly for the handler's retry
// bound and serializer.
func (p *PersistenceLayer) Config() *Config { return p.cfg }

// BuildKey derives the idempotency key for an event.
func (p *PersistenceLayer) BuildKey(event any) (string, error) {
	return p.keyBuilder.BuildKey(event)
}

// SaveInProgress atomically creates an INPROGRESS record for the event. The
// remaining execution budget becomes the lease deadline: if this invocation
// dies without finalizing, a later caller may reclaim the key once the lease
// lapses. Returns ErrItemAlreadyExists when a live record blocks the write.
func (p *PersistenceLayer) SaveInProgress(ctx context.Context, event any, remaining time.Duration) error {
	key, err := p.keyBuilder.BuildKey(event)
	if err != nil {
		return err
	}
	payloadHash, err := p.keyBuilder.ValidationHash(event)
	if err != nil {
		return err
	}

	now := p.cfg.nowFunc()
	record := &Record{
		IdempotencyKey:  key,
		Status:          StatusInProgress,
		ExpiryTimestamp: now.Add(time.Duration(p.cfg.ExpiresAfterSeconds) * time.Second).Unix(),
		PayloadHash:     payloadHash,
	}
	if remaining > 0 {
		record.InProgressExpiryTimestamp = now.Add(remaining).UnixMilli()
	}

	// A cached live record means a prior call in this process already
	// completed the key; skip the round-trip entirely.
	if cached := p.cacheGet(key, now); cached != nil {
		return ErrItemAlreadyExists
	}

	return p.store.PutRecord(ctx, record)
}

// GetRecord reads the record for the event's derived key, checking the local
// cache first and validating the payload hash when validation is enabled.
func (p *PersistenceLayer) GetRecord(ctx context.Context, event any) (*Record, error) {
	key, err := p.keyBuilder.BuildKey(event)
	if err != nil {
		return nil, err
	}

	now := p.cfg.nowFunc()
	if cached := p.cacheGet(key, now); cached != nil {
		if err := p.validatePayload(event, cached); err != nil {
			return nil, err
		}
		return cached, nil
	}

	record, err := p.store.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	p.cachePut(record, now)

	if err := p.validatePayload(event, record); err != nil {
		return nil, err
	}
	return record, nil
}

// SaveSuccess transitions the event's record to COMPLETED with the serialized
// result attached, and refreshes the record TTL.
func (p *PersistenceLayer) SaveSuccess(ctx context.Context, event any, result any) error {
	key, err := p.keyBuilder.BuildKey(event)
	if err != nil {
		return err
	}
	payloadHash, err := p.keyBuilder.ValidationHash(event)
	if err != nil {
		return err
	}
	responseData, err := p.cfg.Serializer.Serialize(result)
	if err != nil {
		return err
	}

	now := p.cfg.nowFunc()
	record := &Record{
		IdempotencyKey:  key,
		Status:          StatusCompleted,
		ExpiryTimestamp: now.Add(time.Duration(p.cfg.ExpiresAfterSeconds) * time.Second).Unix(),
		ResponseData:    responseData,
		PayloadHash:     payloadHash,
	}
	if err := p.store.UpdateRecord(ctx, record); err != nil {
		return err
	}
	p.cachePut(record, now)
	return nil
}

// DeleteRecord removes the event's record after the wrapped function failed,
// releasing the key so a later attempt re-executes.
func (p *PersistenceLayer) DeleteRecord(ctx context.Context, event any) error {
	key, err := p.keyBuilder.BuildKey(event)
	if err != nil {
		return err
	}
	if err := p.store.DeleteRecord(ctx, key); err != nil {
		return err
	}
	p.cacheDelete(key)
	return nil
}

func (p *PersistenceLayer) validatePayload(event any, record *Record) error {
	if !p.keyBuilder.ValidationEnabled() {
		return nil
	}
	payloadHash, err := p.keyBuilder.ValidationHash(event)
	if err != nil {
		return err
	}
	if record.PayloadHash != payloadHash {
		return &ValidationError{IdempotencyKey: record.IdempotencyKey}
	}
	return nil
}

// cachePut stores a record locally. INPROGRESS records are never cached: a
// concurrent invocation elsewhere can finalize or delete them and this process
// would have no way to notice.
func (p *PersistenceLayer) cachePut(record *Record, now time.Time) {
	if p.cache == nil || record.Status == StatusInProgress {
		return
	}
	p.cache.Add(record.IdempotencyKey, record)
}

func (p *PersistenceLayer) cacheGet(key string, now time.Time) *Record {
	if p.cache == nil {
		return nil
	}
	record, ok := p.cache.Get(key)
	if !ok {
		return nil
	}
	if record.IsExpired(now) {
		p.cache.Remove(key)
		return nil
	}
	return record
}

func (p *PersistenceLayer) cacheDelete(key string) {
	if p.cache == nil {
		return
	}
	p.cache.Remove(key)
}

// wrapPersistence normalizes unexpected backend failures so backend-specific
// error types never leak to callers. Typed idempotency errors pass through.
func wrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var vErr *ValidationError
	if errors.Is(err, ErrItemAlreadyExists) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrMissingIdempotencyKey) ||
		errors.As(err, &vErr) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
