// Package watcher watches the config file and credential directory and
// triggers hot reloads. It supports cross-platform fsnotify event handling.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/blime4/KiroProxy/internal/config"
)

// Editors and atomic renames produce event bursts; reloads are debounced.
const (
	configReloadDebounce = 150 * time.Millisecond
	authReloadDebounce   = 500 * time.Millisecond
)

// Watcher manages file watching for the configuration file and the
// credential directory.
type Watcher struct {
	configPath string
	authDir    string
	onConfig   func(*config.Config)
	onAuthDir  func()
	watcher    *fsnotify.Watcher

	mu          sync.Mutex
	configTimer *time.Timer
	authTimer   *time.Timer
}

// NewWatcher creates a watcher. onConfig receives the freshly parsed config
// after the file changes; onAuthDir fires after any credential blob change.
// Either callback may be nil to disable that side.
func NewWatcher(configPath, authDir string, onConfig func(*config.Config), onAuthDir func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		authDir:    authDir,
		onConfig:   onConfig,
		onAuthDir:  onAuthDir,
		watcher:    fsWatcher,
	}, nil
}

// Start registers the watch paths and begins handling events until the
// context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if w.configPath != "" && w.onConfig != nil {
		// Watch the directory rather than the file: most editors replace the
		// file by rename, which drops a direct file watch.
		if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
			return err
		}
	}
	if w.authDir != "" && w.onAuthDir != nil {
		if err := w.watcher.Add(w.authDir); err != nil {
			log.Warnf("watcher: cannot watch auth dir %s: %v", w.authDir, err)
		}
	}
	go w.loop(ctx)
	return nil
}

// Stop cancels pending reloads and closes the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.configTimer != nil {
		w.configTimer.Stop()
	}
	if w.authTimer != nil {
		w.authTimer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	if w.onConfig != nil && w.configPath != "" && filepath.Base(event.Name) == filepath.Base(w.configPath) {
		w.scheduleConfigReload()
		return
	}
	if w.onAuthDir != nil && w.authDir != "" && strings.HasSuffix(strings.ToLower(event.Name), ".json") {
		if rel, err := filepath.Rel(w.authDir, event.Name); err == nil && !strings.HasPrefix(rel, "..") {
			w.scheduleAuthReload()
		}
	}
}

func (w *Watcher) scheduleConfigReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.configTimer != nil {
		w.configTimer.Stop()
	}
	w.configTimer = time.AfterFunc(configReloadDebounce, func() {
		cfg, err := config.LoadConfig(w.configPath)
		if err != nil {
			log.Errorf("config reload failed, keeping previous config: %v", err)
			return
		}
		log.Infof("config file %s reloaded", w.configPath)
		w.onConfig(cfg)
	})
}

func (w *Watcher) scheduleAuthReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.authTimer != nil {
		w.authTimer.Stop()
	}
	w.authTimer = time.AfterFunc(authReloadDebounce, w.onAuthDir)
}
