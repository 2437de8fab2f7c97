//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads scripts in the engine when their files change on disk.
type Watcher struct {
	manager  *Manager
	engine   *Engine
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	timers   map[string]*time.Timer // script ID -> pending reload
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the manager's scripts directory.
func NewWatcher(mgr *Manager, engine *Engine, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		manager:  mgr,
		engine:   engine,
		watcher:  fw,
		logger:   logger.With("component", "script-watcher"),
		debounce: defaultDebounce,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the directory is registered.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.manager.Dir()); err != nil {
		return fmt.Errorf("watch scripts dir %s: %w", w.manager.Dir(), err)
	}
	w.logger.Info("watching scripts", "dir", w.manager.Dir())
	go w.loop(ctx)
	return nil
}

// Stop ends watching and cancels pending reloads. Safe to call twice.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()

		w.mu.Lock()
		for id, t := range w.timers {
			t.Stop()
			delete(w.timers, id)
		}
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if id := scriptIDFromPath(event.Name); id != "" {
				w.logger.Debug("script file changed", "id", id, "op", event.Op.String())
				w.schedule(id)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "err", err)
		}
	}
}

// schedule debounces bursts of events for one script into a single reload.
func (w *Watcher) schedule(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[id]; ok {
		t.Stop()
	}
	w.timers[id] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		w.apply(id)
	})
}

func (w *Watcher) apply(id string) {
	if _, err := os.Stat(w.manager.path(id)); errors.Is(err, fs.ErrNotExist) {
		w.engine.StopScript(id)
		return
	}
	if err := w.engine.ReloadScript(id); err != nil {
		w.logger.Warn("reload script", "id", id, "err", err)
		return
	}
	w.logger.Info("script reloaded", "id", id, "running", w.engine.IsRunning(id))
}
