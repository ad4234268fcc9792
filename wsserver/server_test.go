package wsserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/izay21-dev/mcp-remote-proxy/internal/jwtauth"
	"github.com/izay21-dev/mcp-remote-proxy/permissions"
	"github.com/izay21-dev/mcp-remote-proxy/subprocess"
)

const testSecret = "ws-test-secret"

func testPermissions() *permissions.Provider {
	return permissions.NewProvider(&permissions.Config{Permissions: map[string]permissions.RolePermissions{
		"admin": {AllowedMethods: []string{"*"}},
		"user":  {AllowedMethods: []string{"tools/list"}, BlockedMethods: []string{"tools/call"}},
	}})
}

func startServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	proc, err := subprocess.Start("cat", nil)
	if err != nil {
		t.Fatalf("start subprocess: %v", err)
	}
	t.Cleanup(func() { proc.Stop(2 * time.Second) })

	srv := httptest.NewServer(New(proc, opts...))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	return strings.TrimSpace(string(data))
}

func TestHandler_MessageBasedAuthAndFiltering(t *testing.T) {
	v, err := jwtauth.NewHMAC(testSecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := startServer(t, WithVerifier(v), WithPermissions(testPermissions()))
	conn := dialWS(t, srv)

	tok, err := jwtauth.Sign(testSecret, "wanda", []string{"user"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(tok)); err != nil {
		t.Fatal(err)
	}
	reply := readText(t, conn)
	if !strings.Contains(reply, `"authenticated":true`) || !strings.Contains(reply, `"user":"wanda"`) {
		t.Fatalf("expected auth success echoing identity, got %q", reply)
	}

	// Allowed method round-trips through cat.
	msg := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n"
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, conn); !strings.Contains(got, `"method":"tools/list"`) {
		t.Fatalf("expected echo, got %q", got)
	}

	// Denied method is answered by the proxy.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call"}`)); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, conn); !strings.Contains(got, "Access denied for method 'tools/call'") {
		t.Fatalf("expected rejection, got %q", got)
	}
}

func TestHandler_InvalidCredentialCloses(t *testing.T) {
	v, err := jwtauth.NewHMAC(testSecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := startServer(t, WithVerifier(v))
	conn := dialWS(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("nope")); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, conn); !strings.Contains(got, `"code":-32002`) {
		t.Fatalf("expected auth failure, got %q", got)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection should close after auth failure")
	}
}

func TestHandler_AuthTimeout(t *testing.T) {
	v, err := jwtauth.NewHMAC(testSecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := startServer(t, WithVerifier(v), WithAuthTimeout(100*time.Millisecond))
	conn := dialWS(t, srv)

	if got := readText(t, conn); !strings.Contains(got, `"code":-32003`) {
		t.Fatalf("expected timeout signal, got %q", got)
	}
}

func TestHandler_HealthAndVersion(t *testing.T) {
	srv := startServer(t, WithServerInfo("proxy-under-test", "1.2.3"))

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("default health should be plain text, got %s", ct)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("Accept", "application/json")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp2.Body).Decode(&body); err != nil {
		t.Fatalf("decode health json: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("want status ok, got %v", body)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/version", nil)
	req.Header.Set("Accept", "application/json")
	resp3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	var ver map[string]string
	if err := json.NewDecoder(resp3.Body).Decode(&ver); err != nil {
		t.Fatalf("decode version json: %v", err)
	}
	if ver["name"] != "proxy-under-test" || ver["version"] != "1.2.3" {
		t.Fatalf("unexpected version payload: %v", ver)
	}
}

func TestHandler_PlainHTTPRejected(t *testing.T) {
	srv := startServer(t)
	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("want 426 for plain HTTP, got %d", resp.StatusCode)
	}
}
