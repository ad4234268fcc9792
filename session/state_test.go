package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/izay21-dev/mcp-remote-proxy/internal/jwtauth"
	"github.com/izay21-dev/mcp-remote-proxy/permissions"
)

const testSecret = "state-machine-secret"

func testMachine(t *testing.T) *Machine {
	t.Helper()
	v, err := jwtauth.NewHMAC(testSecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &Machine{
		Verifier: v,
		Permissions: &permissions.Config{Permissions: map[string]permissions.RolePermissions{
			"admin": {AllowedMethods: []string{"*"}},
			"user":  {AllowedMethods: []string{"tools/list"}, BlockedMethods: []string{"tools/call"}},
		}},
	}
}

func issueToken(t *testing.T, user string, roles []string) []byte {
	t.Helper()
	tok, err := jwtauth.Sign(testSecret, user, roles, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return []byte(tok + "\n")
}

func decodeSignal(t *testing.T, effects []Effect) map[string]any {
	t.Helper()
	if len(effects) == 0 {
		t.Fatal("expected at least one effect")
	}
	send, ok := effects[0].(EffectSend)
	if !ok {
		t.Fatalf("first effect should be a send, got %T", effects[0])
	}
	var out map[string]any
	if err := json.Unmarshal(send.Data, &out); err != nil {
		t.Fatalf("signal is not JSON: %v (%q)", err, send.Data)
	}
	return out
}

func errorCode(t *testing.T, sig map[string]any) float64 {
	t.Helper()
	errObj, ok := sig["error"].(map[string]any)
	if !ok {
		t.Fatalf("signal has no error object: %v", sig)
	}
	return errObj["code"].(float64)
}

func TestMachine_ValidCredentialAuthenticates(t *testing.T) {
	m := testMachine(t)
	ctx := context.Background()

	st := m.Initial()
	if st.Phase != PhaseUnauthenticated {
		t.Fatalf("want unauthenticated start, got %v", st.Phase)
	}

	st, effects := m.Step(ctx, st, EventChunk{Data: issueToken(t, "alice", []string{"admin"})})
	if st.Phase != PhaseAuthenticated {
		t.Fatalf("want authenticated, got %v", st.Phase)
	}
	if st.Filter == nil {
		t.Fatal("authenticated state must carry a filter")
	}
	if st.Identity == nil || st.Identity.User != "alice" {
		t.Fatalf("identity not captured: %+v", st.Identity)
	}

	sig := decodeSignal(t, effects)
	result, ok := sig["result"].(map[string]any)
	if !ok {
		t.Fatalf("success signal missing result: %v", sig)
	}
	if result["authenticated"] != true || result["user"] != "alice" {
		t.Fatalf("unexpected success payload: %v", result)
	}
	if len(effects) != 1 {
		t.Fatalf("success should not close the connection, effects=%v", effects)
	}
}

func TestMachine_InvalidCredentialRejects(t *testing.T) {
	m := testMachine(t)
	st, effects := m.Step(context.Background(), m.Initial(), EventChunk{Data: []byte("garbage-token\n")})
	if st.Phase != PhaseRejected {
		t.Fatalf("want rejected, got %v", st.Phase)
	}
	if code := errorCode(t, decodeSignal(t, effects)); code != -32002 {
		t.Fatalf("want auth-failed code -32002, got %v", code)
	}
	if _, ok := effects[len(effects)-1].(EffectClose); !ok {
		t.Fatal("rejection must close the connection")
	}
}

func TestMachine_InsufficientRolesIsDistinct(t *testing.T) {
	m := testMachine(t)
	m.RequiredRoles = []string{"admin"}

	st, effects := m.Step(context.Background(), m.Initial(), EventChunk{Data: issueToken(t, "bob", []string{"user"})})
	if st.Phase != PhaseRejected {
		t.Fatalf("want rejected, got %v", st.Phase)
	}
	if code := errorCode(t, decodeSignal(t, effects)); code != -32001 {
		t.Fatalf("want insufficient-roles code -32001, got %v", code)
	}
}

func TestMachine_RequiredRolesIntersection(t *testing.T) {
	m := testMachine(t)
	m.RequiredRoles = []string{"admin", "ops"}

	st, _ := m.Step(context.Background(), m.Initial(), EventChunk{Data: issueToken(t, "carol", []string{"ops", "user"})})
	if st.Phase != PhaseAuthenticated {
		t.Fatalf("one shared role should suffice, got %v", st.Phase)
	}
}

func TestMachine_TimeoutSignal(t *testing.T) {
	m := testMachine(t)
	st, effects := m.Step(context.Background(), m.Initial(), EventAuthTimeout{})
	if st.Phase != PhaseRejected {
		t.Fatalf("want rejected, got %v", st.Phase)
	}
	if code := errorCode(t, decodeSignal(t, effects)); code != -32003 {
		t.Fatalf("want timeout code -32003, got %v", code)
	}
}

func TestMachine_TimeoutAfterAuthIsNoop(t *testing.T) {
	m := testMachine(t)
	ctx := context.Background()
	st, _ := m.Step(ctx, m.Initial(), EventChunk{Data: issueToken(t, "alice", []string{"admin"})})

	st2, effects := m.Step(ctx, st, EventAuthTimeout{})
	if st2.Phase != PhaseAuthenticated || len(effects) != 0 {
		t.Fatalf("late timeout must be ignored, got phase=%v effects=%v", st2.Phase, effects)
	}
}

func TestMachine_FilteringAfterAuth(t *testing.T) {
	m := testMachine(t)
	ctx := context.Background()
	st, _ := m.Step(ctx, m.Initial(), EventChunk{Data: issueToken(t, "bob", []string{"user"})})

	// Allowed method forwards the original bytes.
	msg := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")
	st, effects := m.Step(ctx, st, EventChunk{Data: msg})
	if len(effects) != 1 {
		t.Fatalf("want single forward effect, got %v", effects)
	}
	fwd, ok := effects[0].(EffectForward)
	if !ok || string(fwd.Data) != string(msg) {
		t.Fatalf("allowed chunk must forward untouched, got %T %q", effects[0], fwd.Data)
	}

	// Denied method answers the peer and keeps the session open.
	st, effects = m.Step(ctx, st, EventChunk{Data: []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call"}`)})
	if st.Phase != PhaseAuthenticated {
		t.Fatal("per-message rejection must not terminate the session")
	}
	send, ok := effects[0].(EffectSend)
	if !ok {
		t.Fatalf("want send effect, got %T", effects[0])
	}
	if !strings.Contains(string(send.Data), "Access denied for method 'tools/call'") {
		t.Fatalf("unexpected rejection payload: %q", send.Data)
	}

	// The session keeps processing after a rejection.
	_, effects = m.Step(ctx, st, EventChunk{Data: msg})
	if _, ok := effects[0].(EffectForward); !ok {
		t.Fatal("session should continue forwarding after a rejection")
	}
}

func TestMachine_NoVerifierIsPassThrough(t *testing.T) {
	m := &Machine{}
	st := m.Initial()
	if st.Phase != PhaseAuthenticated {
		t.Fatalf("no-secret mode should start authenticated, got %v", st.Phase)
	}

	chunk := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)
	_, effects := m.Step(context.Background(), st, EventChunk{Data: chunk})
	fwd, ok := effects[0].(EffectForward)
	if !ok || string(fwd.Data) != string(chunk) {
		t.Fatal("pass-through mode must forward everything")
	}
}

func TestMachine_LegacySignals(t *testing.T) {
	m := testMachine(t)
	m.Legacy = true
	ctx := context.Background()

	_, effects := m.Step(ctx, m.Initial(), EventChunk{Data: issueToken(t, "alice", []string{"admin"})})
	if string(effects[0].(EffectSend).Data) != "AUTH_SUCCESS\n" {
		t.Fatalf("want AUTH_SUCCESS, got %q", effects[0].(EffectSend).Data)
	}

	_, effects = m.Step(ctx, m.Initial(), EventChunk{Data: []byte("bad\n")})
	if string(effects[0].(EffectSend).Data) != "AUTH_FAILED\n" {
		t.Fatalf("want AUTH_FAILED, got %q", effects[0].(EffectSend).Data)
	}
}

func TestMachine_CredentialConsumedOnce(t *testing.T) {
	// The first chunk is the credential even if it looks like MCP traffic;
	// it must never be forwarded to the subprocess.
	m := testMachine(t)
	st, effects := m.Step(context.Background(), m.Initial(), EventChunk{Data: []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)})
	if st.Phase != PhaseRejected {
		t.Fatalf("non-token first chunk should fail verification, got %v", st.Phase)
	}
	for _, eff := range effects {
		if _, ok := eff.(EffectForward); ok {
			t.Fatal("credential bytes must never reach the subprocess")
		}
	}
}
