// Package permissions implements the method-level authorization model the
// proxy applies to inbound MCP traffic: role-to-method grants with
// wildcard support, and a per-session message filter that either forwards
// a chunk untouched or answers it with a JSON-RPC error.
package permissions

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/izay21-dev/mcp-remote-proxy/internal/jsonrpc"
)

// Wildcard matches any method name in allow/block sets.
const Wildcard = "*"

// RolePermissions is one role's vote on method access.
type RolePermissions struct {
	AllowedMethods []string `json:"allowedMethods"`
	BlockedMethods []string `json:"blockedMethods"`
}

// Config maps role names to their permissions. It is immutable after
// load and shared read-only by every session that authenticated under it.
type Config struct {
	Permissions map[string]RolePermissions `json:"permissions"`
}

// Load reads and parses a permissions file. A malformed file is a hard
// error: callers must fail startup rather than fall back to an open
// policy.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permissions file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse permissions file %s: %w", path, err)
	}
	if cfg.Permissions == nil {
		return nil, fmt.Errorf("permissions file %s: missing \"permissions\" object", path)
	}
	return &cfg, nil
}

// IsMethodAllowed decides whether any of the caller's roles grants the
// method. The scan is role-by-role in the caller-supplied order with
// per-role short-circuiting:
//
//   - a role that blocks the method (explicitly or via wildcard) returns
//     false immediately for the whole scan,
//   - a role that allows it returns true,
//   - a role that says nothing defers to the next role.
//
// An empty role list or an exhausted scan denies. The ordering subtlety
// matters: a block in an early role wins even when a later role would
// have allowed the method, but methods the early role is silent on still
// fall through to later roles.
func (c *Config) IsMethodAllowed(method string, roles []string) bool {
	if c == nil || len(roles) == 0 {
		return false
	}
	for _, role := range roles {
		rp, ok := c.Permissions[role]
		if !ok {
			continue
		}
		if matchMethod(rp.BlockedMethods, method) {
			return false
		}
		if matchMethod(rp.AllowedMethods, method) {
			return true
		}
	}
	return false
}

func matchMethod(set []string, method string) bool {
	for _, m := range set {
		if m == method || m == Wildcard {
			return true
		}
	}
	return false
}

// NewErrorResponse synthesizes the newline-terminated JSON-RPC error the
// proxy sends in place of a rejected message. A nil id becomes JSON null.
func NewErrorResponse(id *jsonrpc.RequestID, reason string) []byte {
	resp := jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeMethodNotFound, "Method not allowed: "+reason, nil)
	out, err := json.Marshal(resp)
	if err != nil {
		// Response contains only marshalable fields; this cannot fail for
		// ids produced by the parser.
		out = []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32601,"message":"Method not allowed"}}`)
	}
	return append(out, '\n')
}
