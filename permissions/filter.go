package permissions

import (
	"github.com/izay21-dev/mcp-remote-proxy/internal/jsonrpc"
)

// FilterResult is the outcome of filtering one inbound chunk.
type FilterResult struct {
	// Allowed reports whether the chunk may be forwarded to the subprocess.
	Allowed bool
	// Data is the original chunk, untouched, when Allowed.
	Data []byte
	// Response is the synthesized JSON-RPC error to send back to the peer
	// when not Allowed. The original chunk is dropped in that case.
	Response []byte
}

// MessageFilter authorizes inbound chunks for one authenticated session.
// It is stateless per call: applying it twice to the same chunk yields the
// same result.
type MessageFilter struct {
	roles []string
	cfg   *Config
}

// NewMessageFilter builds a filter for the given role list. A nil config
// means no policy is configured and every chunk passes.
func NewMessageFilter(roles []string, cfg *Config) *MessageFilter {
	return &MessageFilter{roles: append([]string(nil), roles...), cfg: cfg}
}

// Apply decides forward-or-reject for a whole chunk.
//
// A chunk may bundle several newline-delimited messages; only the first
// syntactically valid JSON-RPC 2.0 message is inspected and its verdict
// covers the entire chunk. Splitting the chunk would change forwarding
// semantics to the subprocess (partial delivery), so the coarse decision
// is intentional. Chunks with no parseable message, or whose first
// message has no method field (responses, malformed lines), always pass:
// the filter is a policy gate, not a protocol validator.
func (f *MessageFilter) Apply(chunk []byte) FilterResult {
	if f.cfg == nil {
		return FilterResult{Allowed: true, Data: chunk}
	}

	msg := jsonrpc.ParseFirst(chunk)
	if msg == nil || msg.Method == "" {
		return FilterResult{Allowed: true, Data: chunk}
	}

	if f.cfg.IsMethodAllowed(msg.Method, f.roles) {
		return FilterResult{Allowed: true, Data: chunk}
	}

	return FilterResult{
		Allowed:  false,
		Response: NewErrorResponse(msg.ID, "Access denied for method '"+msg.Method+"'"),
	}
}

// Roles returns the role list the filter was built with.
func (f *MessageFilter) Roles() []string {
	return append([]string(nil), f.roles...)
}
