package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// wireRequest/wireResponse are the local shapes used to build every outgoing
// frame this proxy originates. The SDK is used only to decode and classify
// incoming traffic (see Wrap); every frame we write ourselves goes through
// plain encoding/json against these structs, the same way this codebase's
// own response builders work around the SDK ID type rather than through it.
type wireRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      RawValue  `json:"id,omitempty"`
	Method  string    `json:"method"`
	Params  RawValue  `json:"params,omitempty"`
}

type wireResponse struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      RawValue `json:"id"`
	Result  RawValue `json:"result,omitempty"`
	Error   *Error   `json:"error,omitempty"`
}

// BuildRequest encodes a JSON-RPC request with the given id, method and
// params. params may be nil.
func BuildRequest(id RawValue, method string, params RawValue) ([]byte, error) {
	return marshal(wireRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
}

// BuildNotification encodes a JSON-RPC notification (no id).
func BuildNotification(method string, params RawValue) ([]byte, error) {
	return marshal(wireRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// BuildResult encodes a successful JSON-RPC response.
func BuildResult(id RawValue, result RawValue) ([]byte, error) {
	return marshal(wireResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// BuildError encodes a JSON-RPC error response.
func BuildError(id RawValue, code int, message string, data any) ([]byte, error) {
	errObj := &Error{Code: code, Message: message}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal error data: %w", err)
		}
		errObj.Data = json.RawMessage(encoded)
	}
	return marshal(wireResponse{JSONRPC: "2.0", ID: id, Error: errObj})
}

// MarshalParams is a convenience wrapper for building a params value from a
// Go value (typically a map[string]any being assembled by a router handler).
func MarshalParams(v any) (RawValue, error) {
	if v == nil {
		return nil, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return out, nil
}

func marshal(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return out, nil
}
