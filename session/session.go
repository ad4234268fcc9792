package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/izay21-dev/mcp-remote-proxy/internal/jsonrpc"
	"github.com/izay21-dev/mcp-remote-proxy/internal/logctx"
)

// DefaultAuthTimeout bounds how long a connection may sit idle before
// presenting its credential. Prevents resource leakage from half-open
// connections.
const DefaultAuthTimeout = 10 * time.Second

// ErrInputClosed is returned by Handle after CloseInput, and after the
// session goroutine has terminated for any reason.
var ErrInputClosed = errors.New("session: input closed")

// Peer is the transport-side write half of a connection. Implementations
// must be safe for use from the session goroutine concurrently with the
// transport's own stdout forwarding.
type Peer interface {
	Send(data []byte) error
	Close() error
}

// Config assembles a session.
type Config struct {
	// Transport is a label for logging ("tcp" or "websocket").
	Transport string
	// Machine holds the server-side auth and permission policy.
	Machine *Machine
	// Peer is the connection's write half.
	Peer Peer
	// Forward delivers allowed chunks to the subprocess's stdin.
	Forward func(data []byte) error
	// AuthTimeout overrides DefaultAuthTimeout when positive.
	AuthTimeout time.Duration
	// OnAuthenticated fires once, from the session goroutine, when the
	// session reaches PhaseAuthenticated. Transports use it to register
	// their subprocess stdout sink so that only authenticated sessions
	// receive outbound traffic.
	OnAuthenticated func(s *Session)
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Session pumps inbound chunks from a transport through the state machine,
// in arrival order, one at a time. The transport reader and the session
// run as separate tasks joined by a bounded channel: the decision to
// forward or reject a chunk always completes before the next chunk is
// examined.
type Session struct {
	id        string
	cfg       Config
	log       *slog.Logger
	createdAt time.Time

	inbound chan []byte

	closeInput sync.Once
	inputDone  chan struct{}
	runDone    chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
}

// New builds a session around an accepted connection.
func New(cfg Config) *Session {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	now := time.Now()
	return &Session{
		id:           uuid.NewString(),
		cfg:          cfg,
		log:          cfg.Logger,
		createdAt:    now,
		lastActivity: now,
		inbound:      make(chan []byte, 16),
		inputDone:    make(chan struct{}),
		runDone:      make(chan struct{}),
	}
}

// ID is the session's unique id, used as its subscriber-registry key.
func (s *Session) ID() string { return s.id }

// CreatedAt reports when the connection was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity reports when the peer last sent data.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Handle queues one inbound chunk for processing. It copies the chunk, so
// callers may reuse their read buffer. Blocks when the session is busy,
// giving the transport natural backpressure.
func (s *Session) Handle(chunk []byte) error {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case <-s.inputDone:
		return ErrInputClosed
	case <-s.runDone:
		// Run has exited (auth rejection, timeout, cancellation); nothing
		// drains inbound anymore, so the transport reader must not block
		// here waiting for room.
		return ErrInputClosed
	case s.inbound <- cp:
		return nil
	}
}

// CloseInput signals that the peer sent EOF or disconnected. Idempotent.
func (s *Session) CloseInput() {
	s.closeInput.Do(func() { close(s.inputDone) })
}

// Run drives the state machine until the session terminates: auth
// failure, timeout, peer disconnect, or context cancellation. It owns all
// state transitions; nothing else mutates session state.
func (s *Session) Run(ctx context.Context) {
	defer close(s.runDone)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.id,
		Transport: s.cfg.Transport,
	})

	st := s.cfg.Machine.Initial()
	s.log.DebugContext(ctx, "session started", "phase", st.Phase.String())

	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()

	if st.Phase == PhaseAuthenticated {
		// No-secret pass-through mode: no handshake window to arm.
		timer.Stop()
		s.notifyAuthenticated(ctx, st)
	}

	for {
		var ev Event
		select {
		case <-ctx.Done():
			return
		case <-s.inputDone:
			ev = EventPeerClosed{}
		case <-timer.C:
			ev = EventAuthTimeout{}
		case chunk := <-s.inbound:
			ev = EventChunk{Data: chunk}
		}

		// Filtered traffic logs under the message it carries.
		evctx := ctx
		if c, ok := ev.(EventChunk); ok && st.Phase == PhaseAuthenticated {
			if msg := jsonrpc.ParseFirst(c.Data); msg != nil {
				evctx = logctx.WithRPCMessage(evctx, &logctx.RPCMessage{
					Method: msg.Method,
					ID:     msg.ID.String(),
					Type:   msg.Type(),
				})
				s.log.DebugContext(evctx, "inbound message")
			}
		}

		prevPhase := st.Phase
		var effects []Effect
		st, effects = s.cfg.Machine.Step(evctx, st, ev)

		if prevPhase != st.Phase {
			s.log.InfoContext(ctx, "session transition",
				"from", prevPhase.String(), "to", st.Phase.String())
			if st.Phase == PhaseAuthenticated {
				timer.Stop()
				s.notifyAuthenticated(ctx, st)
			}
		}

		if s.execute(ctx, effects) {
			return
		}
		if st.Phase == PhaseClosed {
			return
		}
	}
}

// execute runs effects in order. Returns true when the session must stop.
func (s *Session) execute(ctx context.Context, effects []Effect) bool {
	for _, eff := range effects {
		switch e := eff.(type) {
		case EffectSend:
			if err := s.cfg.Peer.Send(e.Data); err != nil {
				s.log.WarnContext(ctx, "peer write failed", "error", err)
				return true
			}
		case EffectForward:
			if err := s.cfg.Forward(e.Data); err != nil {
				s.log.ErrorContext(ctx, "subprocess write failed", "error", err)
				_ = s.cfg.Peer.Close()
				return true
			}
		case EffectClose:
			_ = s.cfg.Peer.Close()
			return true
		}
	}
	return false
}

func (s *Session) notifyAuthenticated(ctx context.Context, st State) {
	user := ""
	if st.Identity != nil {
		user = st.Identity.User
	}
	s.log.InfoContext(ctx, "session authenticated", "user", user)
	if s.cfg.OnAuthenticated != nil {
		s.cfg.OnAuthenticated(s)
	}
}
