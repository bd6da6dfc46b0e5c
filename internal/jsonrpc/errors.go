// Package jsonrpc provides JSON-RPC 2.0 message classification, raw-field
// manipulation, and the proxy's standard error codes. It wraps the MCP SDK's
// jsonrpc package for decoding (classification only) and builds all outgoing
// frames from local structs, mirroring the pattern this codebase already uses
// for encoding responses.
package jsonrpc

import sdkjsonrpc "github.com/modelcontextprotocol/go-sdk/jsonrpc"

// Standard JSON-RPC 2.0 error codes, plus the proxy-specific codes this
// system defines on top of them.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeUnauthorized       = -32001
	CodeRateLimitExceeded  = -32002
	CodeUpstreamTransport  = -32010
	CodeUpstreamTimeout    = -32011
)

// Error is a JSON-RPC error object, used both when decoding a Response.Error
// and when constructing one to send to the client or an upstream.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// FromWireError converts the SDK's Response.Error (declared as plain `error`
// on the wire type, but always a *jsonrpc.WireError for anything this proxy
// decodes) into our own Error. Falls back to CodeInternalError if it isn't a
// *WireError, since that field's static type doesn't guarantee it.
func FromWireError(err error) *Error {
	we, ok := err.(*sdkjsonrpc.WireError)
	if !ok {
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
	e := &Error{Code: int(we.Code), Message: we.Message}
	if we.Data != nil {
		e.Data = we.Data
	}
	return e
}
