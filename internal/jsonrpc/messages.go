package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// AnyMessage is a loosely parsed JSON-RPC message (request, notification,
// or response). The proxy inspects traffic it does not own, so parsing is
// deliberately lenient: structural oddities are tolerated and surface as
// zero-valued fields rather than errors. Strict validation is the
// subprocess's job, not the proxy's.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Response represents a JSON-RPC response the proxy synthesizes itself
// (auth handshake replies and permission rejections). The ID pointer is
// always marshaled, absent ids become null.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Parse attempts to decode a single JSON-RPC message. It returns nil
// (without error detail) when the bytes are not a JSON object or do not
// declare protocol version 2.0; callers treat that as "not a message".
func Parse(data []byte) *AnyMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var msg AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil
	}
	if msg.JSONRPCVersion != ProtocolVersion {
		return nil
	}
	return &msg
}

// ParseFirst scans a chunk's newline-delimited lines and returns the
// first one that parses as a JSON-RPC 2.0 message, or nil when none does.
func ParseFirst(chunk []byte) *AnyMessage {
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		if msg := Parse(line); msg != nil {
			return msg
		}
	}
	return nil
}

// Type returns "request", "notification", or "response" based on which
// fields are present.
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID.IsNil() {
			return "notification"
		}
		return "request"
	}
	return "response"
}
