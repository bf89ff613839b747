package idempotency

import (
	"os"
	"time"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultExpiresAfterSeconds = 60 * 60
	DefaultLocalCacheMaxItems  = 256
	DefaultHashFunction        = "md5"
	// DefaultMaxHandlerRetries is the number of extra handle() attempts after
	// an inconsistent-state read (3 attempts total).
	DefaultMaxHandlerRetries = 2
)

// ResponseHook is called whenever a cached COMPLETED response is returned
// instead of executing the wrapped function. It may replace the response.
type ResponseHook func(response any, record *Record) any

// Config carries the recognized idempotency options. The zero value is usable;
// unset fields fall back to the defaults above.
type Config struct {
	// EventKeyJMESPath selects the sub-document hashed into the idempotency
	// key. Empty means the whole event.
	EventKeyJMESPath string
	// PayloadValidationJMESPath selects a sub-document hashed separately to
	// verify repeat calls carry the same business payload. Empty disables
	// validation.
	PayloadValidationJMESPath string
	// RaiseOnNoIdempotencyKey makes an empty selector result an error instead
	// of falling back to hashing the whole event.
	RaiseOnNoIdempotencyKey bool
	// ExpiresAfterSeconds is the record TTL.
	ExpiresAfterSeconds int
	// UseLocalCache short-circuits repeat lookups for recently completed keys
	// within this process.
	UseLocalCache      bool
	LocalCacheMaxItems int
	// HashFunction is "md5" or "sha256".
	HashFunction string
	// FunctionName namespaces derived keys. Defaults to the
	// AWS_LAMBDA_FUNCTION_NAME environment variable.
	FunctionName string
	// MaxHandlerRetries bounds retries on inconsistent-state reads. Negative
	// disables retrying entirely.
	MaxHandlerRetries int
	// Serializer converts wrapped-function results to and from the stored
	// string form. Defaults to canonical JSON.
	Serializer ResultSerializer
	// ResponseHook, when set, observes cached responses before they are
	// returned.
	ResponseHook ResponseHook

	nowFunc func() time.Time
}

func (c *Config) withDefaults() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.ExpiresAfterSeconds <= 0 {
		out.ExpiresAfterSeconds = DefaultExpiresAfterSeconds
	}
	if out.LocalCacheMaxItems <= 0 {
		out.LocalCacheMaxItems = DefaultLocalCacheMaxItems
	}
	if out.HashFunction == "" {
		out.HashFunction = DefaultHashFunction
	}
	if out.FunctionName == "" {
		out.FunctionName = os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
	}
	if out.MaxHandlerRetries == 0 {
		out.MaxHandlerRetries = DefaultMaxHandlerRetries
	}
	if out.Serializer == nil {
		out.Serializer = JSONSerializer{}
	}
	if out.nowFunc == nil {
		out.nowFunc = time.Now
	}
	return &out
}
