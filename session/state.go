// Package session implements the per-connection authentication state
// machine and the message-filtering pipeline between a network peer and
// the proxied subprocess.
//
// The machine is explicit: a state value plus a transition function from
// (state, event) to (state, effects). Transports feed events in arrival
// order and execute the returned effects; no authentication phase is ever
// encoded in a boolean flag or a closure. The Authenticated state carries
// the message filter constructed from the verified roles, so "authenticated
// but no filter" is unrepresentable.
package session

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/izay21-dev/mcp-remote-proxy/internal/jsonrpc"
	"github.com/izay21-dev/mcp-remote-proxy/internal/jwtauth"
	"github.com/izay21-dev/mcp-remote-proxy/permissions"
)

// Phase is the authentication phase of a session.
type Phase int

const (
	// PhaseUnauthenticated: connection accepted, no credential seen yet.
	PhaseUnauthenticated Phase = iota
	// PhaseAuthenticating: a credential arrived and is being verified.
	// Transient; observable only inside a single transition.
	PhaseAuthenticating
	// PhaseAuthenticated: terminal success. Traffic flows through the filter.
	PhaseAuthenticated
	// PhaseRejected: terminal failure. The connection is being torn down.
	PhaseRejected
	// PhaseClosed: the peer went away.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseRejected:
		return "rejected"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Identity is the verified peer identity attached to an authenticated
// session.
type Identity struct {
	User  string
	Roles []string
}

// State is the full per-session machine state. Filter is non-nil exactly
// when the phase is PhaseAuthenticated and a credential exchange happened;
// pass-through sessions (no secret configured) carry a nil-config filter.
type State struct {
	Phase    Phase
	Identity *Identity
	Filter   *permissions.MessageFilter
}

// Event is an input to the state machine.
type Event interface{ isEvent() }

// EventChunk carries one inbound byte chunk from the peer.
type EventChunk struct{ Data []byte }

// EventAuthTimeout fires when no credential arrived within the handshake
// window.
type EventAuthTimeout struct{}

// EventPeerClosed signals that the peer disconnected.
type EventPeerClosed struct{}

func (EventChunk) isEvent()       {}
func (EventAuthTimeout) isEvent() {}
func (EventPeerClosed) isEvent()  {}

// Effect is an output the transport must execute, in order.
type Effect interface{ isEffect() }

// EffectSend writes bytes to the peer (auth signals, filter rejections).
type EffectSend struct{ Data []byte }

// EffectForward writes bytes to the subprocess's stdin.
type EffectForward struct{ Data []byte }

// EffectClose terminates the connection.
type EffectClose struct{}

func (EffectSend) isEffect()    {}
func (EffectForward) isEffect() {}
func (EffectClose) isEffect()   {}

// Machine evaluates transitions for one session. It holds the server-side
// policy: the credential verifier (nil means no secret is configured and
// sessions start authenticated), required roles, and the permissions
// config snapshot taken when the session was accepted.
type Machine struct {
	Verifier      jwtauth.Authenticator
	RequiredRoles []string
	Permissions   *permissions.Config
	// Legacy switches the handshake replies from JSON objects to the
	// literal AUTH_SUCCESS / AUTH_FAILED tokens.
	Legacy bool
}

// Initial returns the state a freshly accepted connection starts in. With
// no verifier configured there is no credential exchange: the session is
// immediately a permissionless pass-through.
func (m *Machine) Initial() State {
	if m.Verifier == nil {
		return State{
			Phase:  PhaseAuthenticated,
			Filter: permissions.NewMessageFilter(nil, nil),
		}
	}
	return State{Phase: PhaseUnauthenticated}
}

// Step applies one event and returns the next state plus the effects to
// execute. Effects are ordered; transports must run them sequentially
// before feeding the next event.
func (m *Machine) Step(ctx context.Context, s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case EventPeerClosed:
		if s.Phase == PhaseAuthenticated || s.Phase == PhaseUnauthenticated {
			s.Phase = PhaseClosed
		}
		return s, nil

	case EventAuthTimeout:
		if s.Phase != PhaseUnauthenticated {
			return s, nil
		}
		s.Phase = PhaseRejected
		return s, []Effect{
			EffectSend{Data: m.authError(jsonrpc.ErrorCodeAuthTimeout, "Authentication timeout")},
			EffectClose{},
		}

	case EventChunk:
		switch s.Phase {
		case PhaseUnauthenticated:
			return m.authenticate(ctx, s, e.Data)
		case PhaseAuthenticated:
			res := s.Filter.Apply(e.Data)
			if res.Allowed {
				return s, []Effect{EffectForward{Data: res.Data}}
			}
			// Per-message rejection is non-terminal: the session stays open.
			return s, []Effect{EffectSend{Data: res.Response}}
		default:
			// Rejected/closed sessions consume nothing further.
			return s, nil
		}
	}
	return s, nil
}

// authenticate consumes the first inbound chunk as the bearer credential.
// It is consumed exactly once: whatever the outcome, the session never
// treats inbound bytes as a credential again.
func (m *Machine) authenticate(ctx context.Context, s State, data []byte) (State, []Effect) {
	s.Phase = PhaseAuthenticating

	token := strings.TrimSpace(string(data))
	claims, err := m.Verifier.CheckAuthentication(ctx, token)
	if err != nil {
		s.Phase = PhaseRejected
		return s, []Effect{
			EffectSend{Data: m.authError(jsonrpc.ErrorCodeAuthFailed, "Authentication failed")},
			EffectClose{},
		}
	}

	if !jwtauth.HasRequiredRoles(claims.Roles, m.RequiredRoles) {
		s.Phase = PhaseRejected
		return s, []Effect{
			EffectSend{Data: m.authError(jsonrpc.ErrorCodeInsufficientRoles, "Insufficient roles")},
			EffectClose{},
		}
	}

	s.Phase = PhaseAuthenticated
	s.Identity = &Identity{User: claims.Subject, Roles: claims.Roles}
	s.Filter = permissions.NewMessageFilter(claims.Roles, m.Permissions)
	return s, []Effect{EffectSend{Data: m.authSuccess(s.Identity)}}
}

// authSuccess renders the authentication-success signal. The signal is a
// handshake reply, not MCP traffic, and is never forwarded downstream.
func (m *Machine) authSuccess(id *Identity) []byte {
	if m.Legacy {
		return []byte("AUTH_SUCCESS\n")
	}
	roles := id.Roles
	if roles == nil {
		roles = []string{}
	}
	out, _ := json.Marshal(map[string]any{
		"jsonrpc": jsonrpc.ProtocolVersion,
		"result": map[string]any{
			"authenticated": true,
			"user":          id.User,
			"roles":         roles,
		},
	})
	return append(out, '\n')
}

// authError renders a handshake failure signal with the given proxy error
// code. The raw credential never appears in the payload.
func (m *Machine) authError(code jsonrpc.ErrorCode, message string) []byte {
	if m.Legacy {
		return []byte("AUTH_FAILED\n")
	}
	out, _ := json.Marshal(map[string]any{
		"jsonrpc": jsonrpc.ProtocolVersion,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
	return append(out, '\n')
}
