// Package discover interrogates an MCP server over stdio and derives a
// permission policy skeleton from the capabilities it advertises.
package discover

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/izay21-dev/mcp-remote-proxy/permissions"
)

// Capabilities holds what the probed server advertised. A nil slice means
// the server does not expose that capability at all; an empty one means
// the capability exists but is currently empty.
type Capabilities struct {
	Tools     []string
	Resources []string
	Prompts   []string
}

// Probe spawns the server, runs the MCP initialize handshake, and lists
// each capability. Capabilities the server does not implement are logged
// and skipped rather than failing the probe.
func Probe(ctx context.Context, command string, args []string, log *slog.Logger) (*Capabilities, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	client := sdk.NewClient(&sdk.Implementation{
		Name:    "mcp-remote-proxy",
		Version: "dev",
	}, &sdk.ClientOptions{})

	cmd := exec.CommandContext(ctx, command, args...)
	cs, err := client.Connect(ctx, &sdk.CommandTransport{Command: cmd}, &sdk.ClientSessionOptions{})
	if err != nil {
		return nil, fmt.Errorf("connect to %q: %w", command, err)
	}
	defer cs.Close()

	caps := &Capabilities{}

	if res, err := cs.ListTools(ctx, &sdk.ListToolsParams{}); err != nil {
		log.Warn("server does not list tools", "error", err)
	} else {
		caps.Tools = []string{}
		for _, tool := range res.Tools {
			caps.Tools = append(caps.Tools, tool.Name)
		}
	}

	if res, err := cs.ListResources(ctx, &sdk.ListResourcesParams{}); err != nil {
		log.Warn("server does not list resources", "error", err)
	} else {
		caps.Resources = []string{}
		for _, r := range res.Resources {
			caps.Resources = append(caps.Resources, r.URI)
		}
	}

	if res, err := cs.ListPrompts(ctx, &sdk.ListPromptsParams{}); err != nil {
		log.Warn("server does not list prompts", "error", err)
	} else {
		caps.Prompts = []string{}
		for _, p := range res.Prompts {
			caps.Prompts = append(caps.Prompts, p.Name)
		}
	}

	return caps, nil
}

// Lifecycle methods every client needs regardless of capabilities.
var baseMethods = []string{"initialize", "notifications/initialized", "ping"}

// PermissionConfig turns the probed capabilities into a policy skeleton:
// admin gets everything, user gets the methods the server actually
// supports, readonly gets the listing methods with mutation blocked.
func (c *Capabilities) PermissionConfig() *permissions.Config {
	user := append([]string(nil), baseMethods...)
	readonly := append([]string(nil), baseMethods...)

	if c.Tools != nil {
		user = append(user, "tools/list", "tools/call")
		readonly = append(readonly, "tools/list")
	}
	if c.Resources != nil {
		user = append(user, "resources/list", "resources/read", "resources/templates/list")
		readonly = append(readonly, "resources/list", "resources/read", "resources/templates/list")
	}
	if c.Prompts != nil {
		user = append(user, "prompts/list", "prompts/get")
		readonly = append(readonly, "prompts/list", "prompts/get")
	}

	return &permissions.Config{Permissions: map[string]permissions.RolePermissions{
		"admin":    {AllowedMethods: []string{permissions.Wildcard}},
		"user":     {AllowedMethods: user},
		"readonly": {AllowedMethods: readonly, BlockedMethods: []string{"tools/call"}},
	}}
}
