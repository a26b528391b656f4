package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the dynamic config subset when the config file
// changes. Static fields are deliberately ignored; changing them takes
// a restart.
type Watcher struct {
	path    string
	onApply func(DynamicConfig)
	logger  *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	current DynamicConfig
}

// NewWatcher creates a watcher over the config file at path. onApply
// runs with the new dynamic subset after every successful reload.
func NewWatcher(path string, initial DynamicConfig, onApply func(DynamicConfig), logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:    path,
		onApply: onApply,
		logger:  logger,
		watcher: fsw,
		done:    make(chan struct{}),
		current: initial,
	}, nil
}

// Start begins watching. Watches the parent directory rather than the
// file so editors that replace the file atomically keep triggering.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

// Current returns the last applied dynamic config.
func (w *Watcher) Current() DynamicConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	// Editors produce bursts of writes; a short debounce collapses them
	// into one reload.
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(250 * time.Millisecond)
			}

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// A bad edit keeps the previous dynamic config.
		w.logger.Printf("reload failed, keeping previous config: %v", err)
		return
	}

	w.mu.Lock()
	changed := cfg.Dynamic != w.current
	w.current = cfg.Dynamic
	w.mu.Unlock()

	if !changed {
		return
	}
	w.logger.Printf("applied dynamic config: min_client_version=%q push_interval=%s",
		cfg.Dynamic.MinClientVersion, cfg.Dynamic.PushInterval)
	if w.onApply != nil {
		w.onApply(cfg.Dynamic)
	}
}
