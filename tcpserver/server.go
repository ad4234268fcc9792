// Package tcpserver exposes the proxied subprocess over a TCP listener
// with a newline-delimited wire protocol. Each accepted socket negotiates
// its own session; the subprocess is shared by all of them.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/izay21-dev/mcp-remote-proxy/internal/jwtauth"
	"github.com/izay21-dev/mcp-remote-proxy/permissions"
	"github.com/izay21-dev/mcp-remote-proxy/session"
	"github.com/izay21-dev/mcp-remote-proxy/subprocess"
)

const (
	// DefaultIdleTimeout destroys connections with no inbound traffic.
	DefaultIdleTimeout = 5 * time.Minute
	keepAlivePeriod    = 30 * time.Second
	readBufferSize     = 32 * 1024
)

// ErrSubprocessExited is returned by Serve when the managed subprocess
// dies. The server cannot continue without it.
var ErrSubprocessExited = errors.New("tcpserver: subprocess exited")

// Option configures the Server.
type Option func(*Server)

// WithVerifier enables credential authentication. Without it the server
// runs in permissionless pass-through mode.
func WithVerifier(v jwtauth.Authenticator) Option {
	return func(s *Server) { s.verifier = v }
}

// WithRequiredRoles demands that authenticated identities share at least
// one of the given roles.
func WithRequiredRoles(roles []string) Option {
	return func(s *Server) { s.requiredRoles = roles }
}

// WithPermissions installs the method-level authorization policy applied
// to each session's inbound traffic.
func WithPermissions(p *permissions.Provider) Option {
	return func(s *Server) { s.perms = p }
}

// WithLegacyAuth switches handshake replies to the literal
// AUTH_SUCCESS / AUTH_FAILED tokens.
func WithLegacyAuth() Option {
	return func(s *Server) { s.legacy = true }
}

// WithAuthTimeout overrides the credential handshake window.
func WithAuthTimeout(d time.Duration) Option {
	return func(s *Server) { s.authTimeout = d }
}

// WithIdleTimeout overrides the inactivity deadline.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server accepts TCP connections and bridges them to the subprocess.
type Server struct {
	proc          *subprocess.Proc
	verifier      jwtauth.Authenticator
	requiredRoles []string
	perms         *permissions.Provider
	legacy        bool
	authTimeout   time.Duration
	idleTimeout   time.Duration
	log           *slog.Logger
}

// New builds a Server around an already-started subprocess.
func New(proc *subprocess.Proc, opts ...Option) *Server {
	s := &Server{
		proc:        proc,
		idleTimeout: DefaultIdleTimeout,
		log:         slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve accepts connections until ctx is canceled or the subprocess
// exits. A single client disconnect never affects sibling sessions or
// the subprocess; subprocess death tears everything down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.proc.Done():
			cancel()
		}
		ln.Close()
	}()

	s.log.Info("tcp server listening", "addr", ln.Addr().String())

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			select {
			case <-s.proc.Done():
				return fmt.Errorf("%w: %v", ErrSubprocessExited, s.proc.Err())
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	tune(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peer := &tcpPeer{conn: conn}
	sess := session.New(session.Config{
		Transport: "tcp",
		Machine: &session.Machine{
			Verifier:      s.verifier,
			RequiredRoles: s.requiredRoles,
			Permissions:   s.perms.Current(),
			Legacy:        s.legacy,
		},
		Peer:        peer,
		Forward:     s.proc.Write,
		AuthTimeout: s.authTimeout,
		OnAuthenticated: func(sess *session.Session) {
			// Only authenticated sessions receive subprocess stdout; the
			// outbound direction is never filtered.
			s.proc.Subscribe(sess.ID(), func(chunk []byte) {
				_ = peer.Send(chunk)
			})
		},
		Logger: s.log,
	})

	s.log.Info("connection accepted", "remote", conn.RemoteAddr().String(), "session", sess.ID())

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(ctx)
	}()

	// Unblock the reader as soon as the server shuts down or the session
	// ends; an actively sending client must not pin the connection until
	// the idle deadline lapses.
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	// Reader task: delivers chunks to the session in arrival order. The
	// bounded channel inside the session provides backpressure.
	buf := make([]byte, readBufferSize)
	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if herr := sess.Handle(buf[:n]); herr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	// Teardown: deregister the stdout sink before the socket is torn
	// down so no stale deliveries race the close.
	s.proc.Unsubscribe(sess.ID())
	sess.CloseInput()
	cancel()
	_ = conn.Close()
	<-done
	s.log.Info("connection closed", "remote", conn.RemoteAddr().String(), "session", sess.ID(),
		"duration", time.Since(sess.CreatedAt()), "idle", time.Since(sess.LastActivity()))
}

// tune applies the socket options the proxy depends on: no write
// coalescing delay and keepalive probes.
func tune(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(keepAlivePeriod)
	}
}

// tcpPeer serializes writes to the socket: the session goroutine and the
// subprocess stdout sink both write here.
type tcpPeer struct {
	mu   sync.Mutex
	conn net.Conn
}

func (p *tcpPeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write(data)
	return err
}

func (p *tcpPeer) Close() error {
	return p.conn.Close()
}
