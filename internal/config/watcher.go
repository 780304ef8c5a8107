package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/routegate/internal/logging"
	"go.uber.org/zap"
)

// Watcher reports changes to a configuration file. It does not load or
// debounce; subscribers decide what a change means.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	callbacks  []func(fsnotify.Event)
	mu         sync.RWMutex
	stopOnce   sync.Once
}

// NewWatcher creates a new configuration watcher
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		watcher:    fsWatcher,
		configPath: abs,
	}, nil
}

// OnChange registers a callback for config changes
func (w *Watcher) OnChange(callback func(fsnotify.Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for configuration changes
func (w *Watcher) Start() error {
	// Watch the directory so editors that replace the file are still seen
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.watch()
	logging.Info("Watching configuration file", zap.String("path", w.configPath))
	return nil
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			logging.Debug("Configuration file changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()),
			)

			w.mu.RLock()
			callbacks := make([]func(fsnotify.Event), len(w.callbacks))
			copy(callbacks, w.callbacks)
			w.mu.RUnlock()

			for _, cb := range callbacks {
				cb(event)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string {
	return w.configPath
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}
