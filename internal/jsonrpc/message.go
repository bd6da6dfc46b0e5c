package jsonrpc

import (
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Kind classifies a decoded JSON-RPC message.
type Kind int

const (
	// KindInvalid marks a message that failed to decode or classify.
	KindInvalid Kind = iota
	// KindRequest marks a call: has both an id and a method.
	KindRequest
	// KindNotification marks a request-shaped message with no id.
	KindNotification
	// KindResponse marks a reply: has an id and a result or error.
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message wraps a decoded JSON-RPC frame with the raw bytes it came from.
// Raw is kept for passthrough and for ID/field rewriting that must bypass
// the SDK's ID type (see RawID).
type Message struct {
	Raw       []byte
	Kind      Kind
	Decoded   jsonrpc.Message
	Timestamp time.Time
}

// Wrap decodes raw bytes and classifies the result, keeping the raw bytes
// on the returned Message for passthrough and field rewriting. If raw does
// not decode as a JSON-RPC message, Wrap returns a nil Message and the error.
func Wrap(raw []byte) (*Message, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	kind := KindInvalid
	switch m := decoded.(type) {
	case *jsonrpc.Request:
		if m.IsCall() {
			kind = KindRequest
		} else {
			kind = KindNotification
		}
	case *jsonrpc.Response:
		kind = KindResponse
	}

	return &Message{
		Raw:       raw,
		Kind:      kind,
		Decoded:   decoded,
		Timestamp: time.Now(),
	}, nil
}

// Request returns the underlying *jsonrpc.Request, or nil if this message
// is not a request or notification.
func (m *Message) Request() *jsonrpc.Request {
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying *jsonrpc.Response, or nil if this message
// is not a response.
func (m *Message) Response() *jsonrpc.Response {
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// Method returns the method name for a request/notification, or "" otherwise.
func (m *Message) Method() string {
	if req := m.Request(); req != nil {
		return req.Method
	}
	return ""
}

// RawID extracts the "id" field directly from the raw bytes. The SDK's ID
// type does not round-trip reliably through interface{}, so every place in
// this proxy that needs to read, compare, or re-mint an ID works on the raw
// JSON value instead of the decoded type.
func (m *Message) RawID() RawValue {
	return RawID(m.Raw)
}
