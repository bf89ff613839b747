package idempotency

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/jmespath/go-jmespath"
)

// KeyBuilder derives deterministic idempotency keys from events. Keys are
// `{function}#{hex(hash(canonical_json(selected subset)))}` so identical
// selected subsets always collide on the same key.
type KeyBuilder struct {
	functionName   string
	keyExpr        *jmespath.JMESPath
	validationExpr *jmespath.JMESPath
	newHash        func() hash.Hash
	raiseOnMissing bool
}

// NewKeyBuilder compiles the configured selector expressions. Invalid
// expressions and unknown hash function names fail here, once, at wiring time.
func NewKeyBuilder(cfg *Config) (*KeyBuilder, error) {
	b := &KeyBuilder{
		functionName:   cfg.FunctionName,
		raiseOnMissing: cfg.RaiseOnNoIdempotencyKey,
	}

	switch cfg.HashFunction {
	case "md5":
		b.newHash = md5.New
	case "sha256":
		b.newHash = sha256.New
	default:
		return nil, fmt.Errorf("unsupported hash function: %q", cfg.HashFunction)
	}

	if cfg.EventKeyJMESPath != "" {
		expr, err := jmespath.Compile(cfg.EventKeyJMESPath)
		if err != nil {
			return nil, fmt.Errorf("compile event key expression %q: %w", cfg.EventKeyJMESPath, err)
		}
		b.keyExpr = expr
	}
	if cfg.PayloadValidationJMESPath != "" {
		expr, err := jmespath.Compile(cfg.PayloadValidationJMESPath)
		if err != nil {
			return nil, fmt.Errorf("compile payload validation expression %q: %w", cfg.PayloadValidationJMESPath, err)
		}
		b.validationExpr = expr
	}
	return b, nil
}

// ValidationEnabled reports whether a payload validation selector was configured.
func (b *KeyBuilder) ValidationEnabled() bool { return b.validationExpr != nil }

// BuildKey derives the idempotency key for an event. When the selector matches
// nothing the behavior is configurable: fail with ErrMissingIdempotencyKey or
// fall back to hashing the whole event.
func (b *KeyBuilder) BuildKey(event any) (string, error) {
	data := event
	if b.keyExpr != nil {
		selected, err := b.keyExpr.Search(event)
		if err != nil {
			return "", fmt.Errorf("search event key expression: %w", err)
		}
		data = selected
	}

	if isMissingKeyData(data) {
		if b.raiseOnMissing {
			return "", ErrMissingIdempotencyKey
		}
		data = event
	}

	digest, err := b.hashOf(data)
	if err != nil {
		return "", err
	}
	return b.functionName + "#" + digest, nil
}

// ValidationHash hashes the validation subset of the event. Returns the empty
// string when validation is disabled.
func (b *KeyBuilder) ValidationHash(event any) (string, error) {
	if b.validationExpr == nil {
		return "", nil
	}
	selected, err := b.validationExpr.Search(event)
	if err != nil {
		return "", fmt.Errorf("search payload validation expression: %w", err)
	}
	return b.hashOf(selected)
}

func (b *KeyBuilder) hashOf(data any) (string, error) {
	// encoding/json writes map keys sorted, which gives a canonical encoding
	// independent of insertion order.
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize key data: %w", err)
	}
	h := b.newHash()
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isMissingKeyData mirrors the selector-miss rules: nil, empty strings, empty
// or all-nil collections carry no key material. A composite selector that
// resolves every member to null counts as missing.
func isMissingKeyData(data any) bool {
	switch v := data.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		for _, item := range v {
			if item != nil {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range v {
			if item != nil {
				return false
			}
		}
		return true
	}
	return false
}
