package tcpserver

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/izay21-dev/mcp-remote-proxy/internal/jwtauth"
	"github.com/izay21-dev/mcp-remote-proxy/permissions"
	"github.com/izay21-dev/mcp-remote-proxy/subprocess"
)

const testSecret = "tcp-test-secret"

func testPermissions() *permissions.Provider {
	return permissions.NewProvider(&permissions.Config{Permissions: map[string]permissions.RolePermissions{
		"admin": {AllowedMethods: []string{"*"}},
		"user":  {AllowedMethods: []string{"tools/list"}, BlockedMethods: []string{"tools/call"}},
	}})
}

// startServer brings up a cat-backed proxy and returns its address.
func startServer(t *testing.T, opts ...Option) string {
	t.Helper()
	proc, err := subprocess.Start("cat", nil)
	if err != nil {
		t.Fatalf("start subprocess: %v", err)
	}
	t.Cleanup(func() { proc.Stop(2 * time.Second) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := New(proc, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()

	return ln.Addr().String()
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn, bufio.NewReader(conn)
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimSpace(line)
}

func authenticate(t *testing.T, conn net.Conn, r *bufio.Reader, roles []string) {
	t.Helper()
	tok, err := jwtauth.Sign(testSecret, "tester", roles, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sendLine(t, conn, tok)
	reply := readLine(t, r)
	if !strings.Contains(reply, `"authenticated":true`) {
		t.Fatalf("expected auth success, got %q", reply)
	}
}

func TestServer_AuthenticatedProxying(t *testing.T) {
	v, err := jwtauth.NewHMAC(testSecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, WithVerifier(v), WithPermissions(testPermissions()))

	conn, r := dial(t, addr)
	authenticate(t, conn, r, []string{"user"})

	// Allowed method: echoed back by cat.
	sendLine(t, conn, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if got := readLine(t, r); got != `{"jsonrpc":"2.0","id":1,"method":"tools/list"}` {
		t.Fatalf("expected echo of allowed message, got %q", got)
	}

	// Denied method: answered by the proxy, never reaches cat.
	sendLine(t, conn, `{"jsonrpc":"2.0","id":2,"method":"tools/call"}`)
	got := readLine(t, r)
	if !strings.Contains(got, `"code":-32601`) ||
		!strings.Contains(got, "Access denied for method 'tools/call'") {
		t.Fatalf("expected permission rejection, got %q", got)
	}

	// Session continues after the rejection.
	sendLine(t, conn, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	if got := readLine(t, r); !strings.Contains(got, `"id":3`) {
		t.Fatalf("session should still proxy after rejection, got %q", got)
	}
}

func TestServer_BadTokenRejected(t *testing.T) {
	v, err := jwtauth.NewHMAC(testSecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, WithVerifier(v))

	conn, r := dial(t, addr)
	sendLine(t, conn, "not-a-token")
	if got := readLine(t, r); !strings.Contains(got, `"code":-32002`) {
		t.Fatalf("expected auth failure signal, got %q", got)
	}
	// Server closes the connection after rejecting.
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("connection should be closed after auth failure")
	}
}

func TestServer_RequiredRoles(t *testing.T) {
	v, err := jwtauth.NewHMAC(testSecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, WithVerifier(v), WithRequiredRoles([]string{"admin"}))

	conn, r := dial(t, addr)
	tok, err := jwtauth.Sign(testSecret, "tester", []string{"user"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sendLine(t, conn, tok)
	if got := readLine(t, r); !strings.Contains(got, `"code":-32001`) {
		t.Fatalf("expected insufficient-roles signal, got %q", got)
	}
}

func TestServer_AuthTimeout(t *testing.T) {
	v, err := jwtauth.NewHMAC(testSecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, WithVerifier(v), WithAuthTimeout(100*time.Millisecond))

	conn, r := dial(t, addr)
	_ = conn // send nothing
	if got := readLine(t, r); !strings.Contains(got, `"code":-32003`) {
		t.Fatalf("expected timeout signal, got %q", got)
	}
}

func TestServer_LegacyAuthReplies(t *testing.T) {
	v, err := jwtauth.NewHMAC(testSecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, WithVerifier(v), WithLegacyAuth())

	conn, r := dial(t, addr)
	tok, err := jwtauth.Sign(testSecret, "tester", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sendLine(t, conn, tok)
	if got := readLine(t, r); got != "AUTH_SUCCESS" {
		t.Fatalf("want AUTH_SUCCESS, got %q", got)
	}

	conn2, r2 := dial(t, addr)
	sendLine(t, conn2, "bogus")
	if got := readLine(t, r2); got != "AUTH_FAILED" {
		t.Fatalf("want AUTH_FAILED, got %q", got)
	}
}

func TestServer_NoAuthPassThrough(t *testing.T) {
	addr := startServer(t)

	conn, r := dial(t, addr)
	// No handshake: traffic flows immediately.
	sendLine(t, conn, `{"jsonrpc":"2.0","id":1,"method":"anything/goes"}`)
	if got := readLine(t, r); !strings.Contains(got, "anything/goes") {
		t.Fatalf("pass-through mode should echo, got %q", got)
	}
}

func TestServer_SessionsAreIndependent(t *testing.T) {
	v, err := jwtauth.NewHMAC(testSecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, WithVerifier(v), WithPermissions(testPermissions()))

	a, ra := dial(t, addr)
	authenticate(t, a, ra, []string{"admin"})
	b, rb := dial(t, addr)
	authenticate(t, b, rb, []string{"admin"})

	// Disconnecting one client must not disturb the other.
	a.Close()
	time.Sleep(100 * time.Millisecond)

	sendLine(t, b, `{"jsonrpc":"2.0","id":9,"method":"tools/list"}`)
	if got := readLine(t, rb); !strings.Contains(got, `"id":9`) {
		t.Fatalf("surviving session broken after sibling disconnect, got %q", got)
	}
}

func TestServer_ShutdownUnblocksBusyClient(t *testing.T) {
	proc, err := subprocess.Start("cat", nil)
	if err != nil {
		t.Fatalf("start subprocess: %v", err)
	}
	t.Cleanup(func() { proc.Stop(2 * time.Second) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := New(proc)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Keep the client sending so its session's inbound buffer is busy
	// while the server shuts down.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := conn.Write([]byte("spam\n")); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { close(stop) })

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation with an active client")
	}
}

func TestServer_StdoutFanOut(t *testing.T) {
	addr := startServer(t)

	a, ra := dial(t, addr)
	b, rb := dial(t, addr)

	// In pass-through mode both sessions are authenticated on accept, so
	// both receive every subprocess stdout chunk. Give the second accept
	// a moment to register its sink before traffic flows.
	time.Sleep(100 * time.Millisecond)
	sendLine(t, a, "broadcast me")
	if got := readLine(t, ra); got != "broadcast me" {
		t.Fatalf("sender did not receive echo: %q", got)
	}
	if got := readLine(t, rb); got != "broadcast me" {
		t.Fatalf("sibling did not receive fan-out: %q", got)
	}
	_ = b
}
