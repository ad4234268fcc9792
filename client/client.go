// Package client bridges a local stdio pair to a remote proxy over TCP or
// WebSocket: it presents the bearer credential, waits for the handshake
// verdict, then shuttles bytes in both directions. Lost connections are
// re-dialed with exponential backoff; rejected credentials are terminal.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/izay21-dev/mcp-remote-proxy/internal/jsonrpc"
)

// ErrAuthRejected means the server refused the credential. Retrying with
// the same token is pointless, so the client stops.
var ErrAuthRejected = errors.New("client: authentication rejected")

// Config assembles a Client.
type Config struct {
	// Transport is "tcp" or "websocket".
	Transport string
	// Addr is host:port for TCP, or a ws:// / wss:// URL for WebSocket.
	Addr string
	// Token is the bearer credential. Empty means the server runs without
	// authentication and no handshake is performed.
	Token string
	// In/Out are the local stdio pair being bridged.
	In  io.Reader
	Out io.Writer
	// MaxRetryInterval caps the reconnect backoff. Defaults to 30s.
	MaxRetryInterval time.Duration
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Client maintains the bridge.
type Client struct {
	cfg Config
	log *slog.Logger

	outMu sync.Mutex
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{cfg: cfg, log: cfg.Logger}
}

// Run connects and bridges until the local input reaches EOF, the
// context is canceled, or the server rejects the credential. Connection
// loss is retried with backoff.
func (c *Client) Run(ctx context.Context) error {
	// One reader owns local stdin for the client's whole lifetime so that
	// no buffered bytes are lost across reconnects.
	chunks := make(chan []byte)
	go func() {
		defer close(chunks)
		buf := make([]byte, 32*1024)
		for {
			n, err := c.cfg.In.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				select {
				case chunks <- cp:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: c.cfg.MaxRetryInterval, Jitter: true}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rc, err := c.connect(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				return err
			}
			d := b.Duration()
			c.log.Warn("connect failed, retrying", "addr", c.cfg.Addr, "backoff", d, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
			continue
		}
		b.Reset()
		c.log.Info("connected", "addr", c.cfg.Addr, "transport", c.cfg.Transport)

		done, err := c.bridge(ctx, rc, chunks)
		rc.close()
		if done {
			return err
		}
		d := b.Duration()
		c.log.Warn("connection lost, reconnecting", "backoff", d, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// bridge pumps both directions until something breaks. The bool result is
// true when the client is finished for good (local EOF or cancellation).
func (c *Client) bridge(ctx context.Context, rc remote, chunks <-chan []byte) (bool, error) {
	remoteErr := make(chan error, 1)
	go func() {
		for {
			data, err := rc.read()
			if len(data) > 0 {
				c.outMu.Lock()
				_, werr := c.cfg.Out.Write(data)
				c.outMu.Unlock()
				if werr != nil {
					remoteErr <- werr
					return
				}
			}
			if err != nil {
				remoteErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-remoteErr:
			return false, err
		case chunk, ok := <-chunks:
			if !ok {
				// Local EOF: the bridged program is done.
				return true, nil
			}
			if err := rc.write(chunk); err != nil {
				return false, err
			}
		}
	}
}

// connect dials the configured transport and performs the credential
// handshake when a token is present.
func (c *Client) connect(ctx context.Context) (remote, error) {
	var rc remote
	switch c.cfg.Transport {
	case "websocket":
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.Addr, nil)
		if err != nil {
			return nil, err
		}
		rc = &wsRemote{conn: conn}
	default:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
		if err != nil {
			return nil, err
		}
		rc = &tcpRemote{conn: conn, r: bufio.NewReader(conn)}
	}

	if c.cfg.Token == "" {
		return rc, nil
	}

	if err := rc.write([]byte(c.cfg.Token + "\n")); err != nil {
		rc.close()
		return nil, err
	}
	// The verdict is one newline-terminated line. Reading a raw chunk here
	// could swallow subprocess output the server coalesced right behind
	// it; line framing leaves those bytes buffered for the bridge.
	verdict, err := rc.readLine()
	if err != nil {
		rc.close()
		return nil, err
	}
	if err := checkHandshake(verdict); err != nil {
		rc.close()
		return nil, err
	}
	return rc, nil
}

// checkHandshake accepts both handshake dialects: the JSON reply and the
// legacy AUTH_SUCCESS / AUTH_FAILED literals.
func checkHandshake(reply []byte) error {
	text := strings.TrimSpace(string(reply))
	if text == "AUTH_SUCCESS" {
		return nil
	}
	if text == "AUTH_FAILED" {
		return ErrAuthRejected
	}
	if msg := jsonrpc.Parse(reply); msg != nil {
		if msg.Error != nil {
			return fmt.Errorf("%w: %s (code %d)", ErrAuthRejected, msg.Error.Message, msg.Error.Code)
		}
		if len(msg.Result) > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: unexpected handshake reply %q", ErrAuthRejected, text)
}

// remote abstracts the two transports down to framed reads and writes.
// readLine returns exactly one handshake line; on WebSocket a message is
// already a frame, so it aliases read.
type remote interface {
	write(data []byte) error
	read() ([]byte, error)
	readLine() ([]byte, error)
	close()
}

type tcpRemote struct {
	conn net.Conn
	r    *bufio.Reader
}

func (t *tcpRemote) write(data []byte) error {
	_, err := t.conn.Write(data)
	return err
}

func (t *tcpRemote) read() ([]byte, error) {
	buf := make([]byte, 32*1024)
	n, err := t.r.Read(buf)
	return buf[:n], err
}

func (t *tcpRemote) readLine() ([]byte, error) {
	line, err := t.r.ReadBytes('\n')
	if len(line) > 0 {
		return line, nil
	}
	return nil, err
}

func (t *tcpRemote) close() { _ = t.conn.Close() }

type wsRemote struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsRemote) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsRemote) read() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsRemote) readLine() ([]byte, error) { return w.read() }

func (w *wsRemote) close() { _ = w.conn.Close() }
