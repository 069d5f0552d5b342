// Package jsonx wraps the JSON codec used throughout the coordinator.
// Envelope bodies, checkpoints and audit events all go through these
// helpers so the codec can be swapped in one place.
package jsonx

import (
	"github.com/bytedance/sonic"
)

// Marshal serializes v to JSON bytes.
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// MarshalString serializes v to a JSON string.
func MarshalString(v any) (string, error) {
	return sonic.MarshalString(v)
}

// MarshalIndent serializes v to indented JSON for human-facing output.
func MarshalIndent(v any) ([]byte, error) {
	return sonic.MarshalIndent(v, "", "  ")
}

// Unmarshal parses JSON bytes into v.
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// UnmarshalString parses a JSON string into v.
func UnmarshalString(s string, v any) error {
	return sonic.UnmarshalString(s, v)
}

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool {
	return sonic.Valid(data)
}

// ToMap converts a struct to its map form.
func ToMap(v any) (map[string]any, error) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// FromMap converts a map back into a typed value.
func FromMap[T any](m map[string]any) (T, error) {
	var v T
	raw, err := sonic.Marshal(m)
	if err != nil {
		return v, err
	}
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}
