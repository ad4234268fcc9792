// Package subprocess manages the single child process being proxied. The
// process is owned by the server instance: its stdin is the shared write
// side for all sessions, its stdout fans out to an explicit registry of
// per-session sinks, and its exit is fatal to the whole server.
package subprocess

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Sink receives copies of subprocess stdout chunks. Sinks must not retain
// the slice past the call.
type Sink func(chunk []byte)

// ErrStopped is returned by Write after the subprocess has exited.
var ErrStopped = errors.New("subprocess: stopped")

// Option configures Start.
type Option func(*config)

type config struct {
	log    *slog.Logger
	stderr io.Writer
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithStderr redirects the child's stderr. Defaults to the host process's
// stderr, passed through untouched.
func WithStderr(w io.Writer) Option {
	return func(c *config) { c.stderr = w }
}

// Proc is a running subprocess with piped stdio.
type Proc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   *slog.Logger

	wmu sync.Mutex // serializes stdin writes to chunk granularity

	mu    sync.RWMutex
	sinks map[string]Sink

	done    chan struct{}
	exitErr error
}

// Start spawns command with piped stdin/stdout and begins fanning stdout
// out to subscribed sinks.
func Start(command string, args []string, opts ...Option) (*Proc, error) {
	cfg := &config{log: slog.New(slog.DiscardHandler), stderr: os.Stderr}
	for _, o := range opts {
		o(cfg)
	}

	cmd := exec.Command(command, args...)
	cmd.Stderr = cfg.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}
	cfg.log.Info("subprocess started", "command", command, "pid", cmd.Process.Pid)

	p := &Proc{
		cmd:   cmd,
		stdin: stdin,
		log:   cfg.log,
		sinks: make(map[string]Sink),
		done:  make(chan struct{}),
	}
	go p.pump(stdout)
	return p, nil
}

// pump reads stdout chunks and broadcasts them. When the pipe closes the
// subprocess is reaped and Done is signaled.
func (p *Proc) pump(stdout io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			// Snapshot the registry before invoking: sinks do blocking
			// socket writes, and holding the lock across them would let one
			// stalled client block Subscribe/Unsubscribe.
			p.mu.RLock()
			sinks := make([]Sink, 0, len(p.sinks))
			for _, sink := range p.sinks {
				sinks = append(sinks, sink)
			}
			p.mu.RUnlock()
			for _, sink := range sinks {
				sink(chunk)
			}
		}
		if err != nil {
			break
		}
	}

	err := p.cmd.Wait()
	p.exitErr = err
	if err != nil {
		p.log.Error("subprocess exited", "error", err)
	} else {
		p.log.Info("subprocess exited cleanly")
	}
	close(p.done)
}

// Write sends a chunk to the subprocess's stdin. Writes from concurrent
// sessions are serialized at chunk granularity; no finer coordination is
// attempted.
func (p *Proc) Write(chunk []byte) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := p.stdin.Write(chunk)
	return err
}

// Subscribe registers a stdout sink under the given session id, replacing
// any previous sink with the same id.
func (p *Proc) Subscribe(id string, sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks[id] = sink
}

// Unsubscribe removes a sink. Safe to call for ids that were never
// subscribed.
func (p *Proc) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, id)
}

// Done is closed when the subprocess has exited (for any reason). The
// server treats this as fatal: it cannot proxy without the child.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Err returns the subprocess exit error, valid after Done is closed.
func (p *Proc) Err() error { return p.exitErr }

// Stop terminates the subprocess: closes stdin, sends SIGTERM, and
// escalates to SIGKILL if the child has not exited within the grace
// period.
func (p *Proc) Stop(grace time.Duration) {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		p.log.Warn("subprocess did not exit, killing", "grace", grace)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
}
