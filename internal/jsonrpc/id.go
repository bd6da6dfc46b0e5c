package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RawValue is a raw JSON value: an id, a params object, a result, whatever
// needs to survive untouched through a field rewrite.
type RawValue = json.RawMessage

// RawID extracts the "id" field from a raw JSON-RPC frame without going
// through the SDK's ID type. Returns nil if the frame doesn't decode as an
// object or carries no "id" field (e.g. a notification).
func RawID(raw []byte) RawValue {
	fields, err := Fields(raw)
	if err != nil {
		return nil
	}
	return fields["id"]
}

// RawMethod extracts the "method" field from a raw JSON-RPC frame.
func RawMethod(raw []byte) string {
	fields, err := Fields(raw)
	if err != nil {
		return ""
	}
	var method string
	_ = json.Unmarshal(fields["method"], &method)
	return method
}

// Fields unmarshals a raw JSON-RPC object into its top-level fields without
// interpreting any of them, so callers can inspect or rewrite individual
// fields (id, method, params) while leaving the rest of the frame untouched.
func Fields(raw []byte) (map[string]RawValue, error) {
	var fields map[string]RawValue
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return fields, nil
}

// WithField returns a copy of raw with the given top-level field set to
// value. Used to rewrite "id" (ID remapping), "params" (name/uri rewriting,
// proxy.server injection) without disturbing the rest of the frame.
func WithField(raw []byte, key string, value RawValue) ([]byte, error) {
	fields, err := Fields(raw)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]RawValue{}
	}
	fields[key] = value
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return out, nil
}

// WithoutField returns a copy of raw with the given top-level field removed.
func WithoutField(raw []byte, key string) ([]byte, error) {
	fields, err := Fields(raw)
	if err != nil {
		return nil, err
	}
	delete(fields, key)
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return out, nil
}
