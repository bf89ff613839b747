package idempotency

import (
	"encoding/json"
	"fmt"
)

// ResultSerializer converts wrapped-function results to the stored string form
// and back. Implementations must round-trip deterministically.
type ResultSerializer interface {
	Serialize(v any) (string, error)
	Deserialize(data string) (any, error)
}

// JSONSerializer is the default serializer. encoding/json emits map keys in
// sorted order, so equal results serialize identically.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize result: %w", err)
	}
	return string(b), nil
}

func (JSONSerializer) Deserialize(data string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("deserialize stored result: %w", err)
	}
	return v, nil
}
