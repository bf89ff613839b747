package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis hash field names for a record. The record key itself is the
// idempotency key, optionally namespaced by a prefix.
const (
	fieldStatus           = "status"
	fieldInProgressExpiry = "in_progress_expiration"
	fieldResponseData     = "response_data"
	fieldValidation       = "validation"
)

// RedisClient is the slice of go-redis this store needs. redis.Client,
// redis.ClusterClient and redis.Cmdable all satisfy it.
type RedisClient interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore implements Store on Redis hashes. The existence/expiry check and
// the write run inside one server-side Lua script, so the create is a real
// compare-and-swap rather than a read-then-write with a race window. Record
// TTL maps to the key's EXPIRE; an expired record is simply gone.
type RedisStore struct {
	client RedisClient
	prefix string
}

// NewRedisStore returns a Store on the given client. prefix namespaces the
// keys; empty means no prefix.
func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) recordKey(idempotencyKey string) string {
	if s.prefix == "" {
		return idempotencyKey
	}
	return s.prefix + ":" + idempotencyKey
}

// putRecordScript creates the hash only when no live record blocks it:
// the key is absent, or an INPROGRESS record's lease has lapsed. A COMPLETED
// record still present is live by definition, since EXPIRE removes it at TTL.
// Returns 1 when the record was written, 0 when a live record blocked it.
var putRecordScript = redis.NewScript(`
local record = redis.call("HGETALL", KEYS[1])
if #record > 0 then
  local status = ""
  local lease = 0
  for i = 1, #record, 2 do
    if record[i] == "status" then
      status = record[i + 1]
    elseif record[i] == "in_progress_expiration" then
      lease = tonumber(record[i + 1])
    end
  end
  if status == "COMPLETED" then
    return 0
  end
  if lease == 0 or lease > tonumber(ARGV[1]) then
    return 0
  end
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`)

// PutRecord runs the check-and-set script with the current clock and the
// record fields.
func (s *RedisStore) PutRecord(ctx context.Context, record *Record) error {
	ttl := record.ExpiryTimestamp - time.Now().Unix()
	if ttl <= 0 {
		ttl = 1
	}

	args := []interface{}{
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		strconv.FormatInt(ttl, 10),
		fieldStatus, record.Status,
	}
	if record.InProgressExpiryTimestamp != 0 {
		args = append(args, fieldInProgressExpiry, strconv.FormatInt(record.InProgressExpiryTimestamp, 10))
	}
	if record.PayloadHash != "" {
		args = append(args, fieldValidation, record.PayloadHash)
	}

	created, err := putRecordScript.Run(ctx, s.client, []string{s.recordKey(record.IdempotencyKey)}, args...).Int()
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	if created == 0 {
		return ErrItemAlreadyExists
	}
	return nil
}

// GetRecord reads the hash; HGETALL on a missing key returns an empty map.
func (s *RedisStore) GetRecord(ctx context.Context, idempotencyKey string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(idempotencyKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrItemNotFound
	}

	record := &Record{
		IdempotencyKey: idempotencyKey,
		Status:         fields[fieldStatus],
		ResponseData:   fields[fieldResponseData],
		PayloadHash:    fields[fieldValidation],
	}
	if raw, ok := fields[fieldInProgressExpiry]; ok {
		lease, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse in-progress expiry %q: %w", raw, err)
		}
		record.InProgressExpiryTimestamp = lease
	}
	return record, nil
}

// UpdateRecord rewrites the status and response fields and refreshes the TTL.
func (s *RedisStore) UpdateRecord(ctx context.Context, record *Record) error {
	key := s.recordKey(record.IdempotencyKey)
	values := []interface{}{
		fieldStatus, record.Status,
		fieldResponseData, record.ResponseData,
	}
	if record.PayloadHash != "" {
		values = append(values, fieldValidation, record.PayloadHash)
	}
	if err := s.client.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("update record: %w", err)
	}

	if ttl := record.ExpiryTimestamp - time.Now().Unix(); ttl > 0 {
		if err := s.client.Expire(ctx, key, time.Duration(ttl)*time.Second).Err(); err != nil {
			return fmt.Errorf("refresh record ttl: %w", err)
		}
	}
	return nil
}

// DeleteRecord removes the hash, releasing the key.
func (s *RedisStore) DeleteRecord(ctx context.Context, idempotencyKey string) error {
	if err := s.client.Del(ctx, s.recordKey(idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}
