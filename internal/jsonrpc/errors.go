package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not
	// available. The proxy reuses it for permission-filtered methods.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Proxy authentication error codes surfaced on the wire during the
// credential handshake. These live in the implementation-defined range.
const (
	// ErrorCodeInsufficientRoles: the credential verified but carries none of
	// the server's required roles.
	ErrorCodeInsufficientRoles ErrorCode = -32001
	// ErrorCodeAuthFailed: the credential failed verification.
	ErrorCodeAuthFailed ErrorCode = -32002
	// ErrorCodeAuthTimeout: no credential arrived within the handshake window.
	ErrorCodeAuthTimeout ErrorCode = -32003
)
