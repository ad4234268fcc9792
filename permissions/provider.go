package permissions

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Provider hands out the Config new sessions should authenticate under.
// Each Config it returns is immutable; a session captures one at
// authentication time and keeps it for its whole lifetime. Watch swaps
// the pointer for sessions that come later.
type Provider struct {
	cur atomic.Pointer[Config]
}

// NewProvider wraps an already-loaded Config. cfg may be nil (no policy).
func NewProvider(cfg *Config) *Provider {
	p := &Provider{}
	if cfg != nil {
		p.cur.Store(cfg)
	}
	return p
}

// Current returns the Config for a session authenticating now, or nil
// when no policy is configured.
func (p *Provider) Current() *Config {
	if p == nil {
		return nil
	}
	return p.cur.Load()
}

// Watch reloads the permissions file whenever it changes on disk and
// swaps it in for subsequent sessions. A file that becomes malformed is
// logged and ignored; the previous policy stays in force (reloading never
// degrades to an open policy). Watch blocks until ctx is canceled.
func (p *Provider) Watch(ctx context.Context, path string, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors typically replace the
	// file via rename, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("permissions reload failed, keeping previous policy", "path", path, "error", err)
				continue
			}
			p.cur.Store(cfg)
			log.Info("permissions reloaded", "path", path, "roles", len(cfg.Permissions))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("permissions watcher error", "error", err)
		}
	}
}
