// Package wsserver exposes the proxied subprocess over WebSocket. The
// state machine semantics match the TCP transport; framing differs in
// that authentication is message-based (the first WebSocket message is
// the credential) and liveness is probed with pings.
package wsserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/gorilla/websocket"

	"github.com/izay21-dev/mcp-remote-proxy/internal/jwtauth"
	"github.com/izay21-dev/mcp-remote-proxy/permissions"
	"github.com/izay21-dev/mcp-remote-proxy/session"
	"github.com/izay21-dev/mcp-remote-proxy/subprocess"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	plainMediaType = contenttype.NewMediaType("text/plain")
	healthTypes    = []contenttype.MediaType{plainMediaType, jsonMediaType}
)

// Option configures the Handler.
type Option func(*Handler)

// WithVerifier enables credential authentication. Without it the server
// runs in permissionless pass-through mode.
func WithVerifier(v jwtauth.Authenticator) Option {
	return func(h *Handler) { h.verifier = v }
}

// WithRequiredRoles demands that authenticated identities share at least
// one of the given roles.
func WithRequiredRoles(roles []string) Option {
	return func(h *Handler) { h.requiredRoles = roles }
}

// WithPermissions installs the method-level authorization policy.
func WithPermissions(p *permissions.Provider) Option {
	return func(h *Handler) { h.perms = p }
}

// WithLegacyAuth switches handshake replies to the literal
// AUTH_SUCCESS / AUTH_FAILED tokens.
func WithLegacyAuth() Option {
	return func(h *Handler) { h.legacy = true }
}

// WithAuthTimeout overrides the credential handshake window.
func WithAuthTimeout(d time.Duration) Option {
	return func(h *Handler) { h.authTimeout = d }
}

// WithServerInfo sets the name/version reported by the version endpoint.
func WithServerInfo(name, version string) Option {
	return func(h *Handler) { h.name, h.version = name, version }
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// Handler upgrades HTTP requests to WebSocket sessions bridged to the
// subprocess, and serves health/version endpoints beside them.
type Handler struct {
	proc          *subprocess.Proc
	verifier      jwtauth.Authenticator
	requiredRoles []string
	perms         *permissions.Provider
	legacy        bool
	authTimeout   time.Duration
	name          string
	version       string
	log           *slog.Logger

	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

var _ http.Handler = (*Handler)(nil)

// New builds a Handler around an already-started subprocess.
func New(proc *subprocess.Proc, opts ...Option) *Handler {
	h := &Handler{
		proc:    proc,
		name:    "mcp-remote-proxy",
		version: "dev",
		log:     slog.New(slog.DiscardHandler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The proxy authenticates by credential, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(h)
	}

	h.mux = http.NewServeMux()
	h.mux.HandleFunc("/health", h.handleHealth)
	h.mux.HandleFunc("/version", h.handleVersion)
	h.mux.HandleFunc("/", h.handleUpgrade)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	accepted, _, err := contenttype.GetAcceptableMediaType(r, healthTypes)
	if err == nil && accepted.String() == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}
	w.Header().Set("Content-Type", plainMediaType.String())
	_, _ = w.Write([]byte("OK\n"))
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	accepted, _, err := contenttype.GetAcceptableMediaType(r, healthTypes)
	if err == nil && accepted.String() == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
		_ = json.NewEncoder(w).Encode(map[string]string{"name": h.name, "version": h.version})
		return
	}
	w.Header().Set("Content-Type", plainMediaType.String())
	_, _ = w.Write([]byte(h.name + " " + h.version + "\n"))
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.serveConn(r.Context(), conn)
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peer := &wsPeer{conn: conn}
	sess := session.New(session.Config{
		Transport: "websocket",
		Machine: &session.Machine{
			Verifier:      h.verifier,
			RequiredRoles: h.requiredRoles,
			Permissions:   h.perms.Current(),
			Legacy:        h.legacy,
		},
		Peer:        peer,
		Forward:     h.proc.Write,
		AuthTimeout: h.authTimeout,
		OnAuthenticated: func(sess *session.Session) {
			h.proc.Subscribe(sess.ID(), func(chunk []byte) {
				_ = peer.Send(chunk)
			})
		},
		Logger: h.log,
	})

	h.log.Info("websocket connected", "remote", conn.RemoteAddr().String(), "session", sess.ID())

	sessDone := make(chan struct{})
	go func() {
		defer close(sessDone)
		sess.Run(ctx)
	}()

	// Unblock the reader as soon as the context is canceled or the session
	// ends; a client still sending frames must not pin the connection.
	go func() {
		select {
		case <-ctx.Done():
		case <-sessDone:
		}
		_ = conn.Close()
	}()

	// Liveness: ping on an interval, and require pong (or any traffic)
	// before the read deadline lapses.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	pinger := time.NewTicker(pingInterval)
	go func() {
		defer pinger.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pinger.C:
				if err := peer.sendControl(websocket.PingMessage); err != nil {
					return
				}
			}
		}
	}()

	// Reader task: one WebSocket message is one chunk for the session.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := sess.Handle(data); err != nil {
			break
		}
	}

	// Teardown mirrors connect in reverse: deregister the stdout sink and
	// stop the timers so nothing leaks across reconnecting clients.
	h.proc.Unsubscribe(sess.ID())
	sess.CloseInput()
	cancel()
	_ = conn.Close()
	<-sessDone
	h.log.Info("websocket closed", "remote", conn.RemoteAddr().String(), "session", sess.ID(),
		"duration", time.Since(sess.CreatedAt()), "idle", time.Since(sess.LastActivity()))
}

// wsPeer serializes writes to the socket: the session goroutine, the
// subprocess stdout sink, and the pinger all write here.
type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *wsPeer) sendControl(messageType int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteControl(messageType, nil, time.Now().Add(writeWait))
}

func (p *wsPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return p.conn.Close()
}
