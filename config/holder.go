package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Holder keeps the current configuration and reloads it when the file
// changes on disk or the process receives SIGHUP. Readers call Get;
// reload replaces the snapshot atomically under the lock.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string

	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	done     chan struct{}
	stopOnce sync.Once
}

// NewHolder loads the initial configuration and starts watching for
// changes.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	h := &Holder{
		cfg:    cfg,
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	// Watch the directory, not the file: editors replace files on
	// save, which breaks a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	go h.watchLoop()
	go h.signalLoop()

	return h, nil
}

// Get returns the current configuration snapshot.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// OnChange registers a callback invoked after each successful reload.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// Stop shuts down the watcher and signal handler.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.watcher.Close()
	})
}

func (h *Holder) watchLoop() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(h.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			h.reload("file change")
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (h *Holder) signalLoop() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-h.done:
			return
		case <-ch:
			h.reload("SIGHUP")
		}
	}
}

func (h *Holder) reload(reason string) {
	cfg, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("reason", reason).Msg("config reload failed, keeping previous")
		return
	}

	h.mu.Lock()
	old := h.cfg
	h.cfg = cfg
	callbacks := make([]func(*Config), len(h.onChange))
	copy(callbacks, h.onChange)
	h.mu.Unlock()

	h.logChanges(old, cfg)
	h.logger.Info().Str("reason", reason).Msg("config reloaded")

	for _, fn := range callbacks {
		fn(cfg)
	}
}

func (h *Holder) logChanges(old, cur *Config) {
	if old.Backend.Kind != cur.Backend.Kind {
		h.logger.Info().
			Str("from", old.Backend.Kind).
			Str("to", cur.Backend.Kind).
			Msg("backend kind changed (restart required)")
	}
	if old.Server.Addr != cur.Server.Addr {
		h.logger.Info().
			Str("from", old.Server.Addr).
			Str("to", cur.Server.Addr).
			Msg("server address changed (restart required)")
	}
	if old.Logging.Level != cur.Logging.Level {
		h.logger.Info().
			Str("from", old.Logging.Level).
			Str("to", cur.Logging.Level).
			Msg("log level changed")
	}
}
