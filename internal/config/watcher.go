// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"goa.design/clue/log"
)

// DefaultReloadDebounce coalesces bursts of writes from editors and
// atomic renames.
const DefaultReloadDebounce = 250 * time.Millisecond

// =============================================================================
// FSNOTIFY WATCHER
// =============================================================================

// Watcher reloads a config file when it changes and notifies subscribers.
// A reload that fails to load or validate keeps the previous config.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu          sync.Mutex
	subscribers []func(*Config)
	current     *Config
	setGlobal   bool

	done chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultReloadDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithGlobalUpdate makes each successful reload call SetGlobal.
func WithGlobalUpdate() WatcherOption {
	return func(w *Watcher) { w.setGlobal = true }
}

// NewWatcher watches path. The parent directory is watched so that
// atomic renames over the file are seen.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     abs,
		debounce: DefaultReloadDebounce,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Subscribe registers fn to receive each successfully reloaded config.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Current returns the last successfully loaded config, or nil.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run processes events until ctx ends or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

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
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "config watcher error"})
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "config reload rejected"}, log.KV{K: "path", V: w.path})
		return
	}
	log.Info(ctx, log.KV{K: "msg", V: "config reloaded"}, log.KV{K: "path", V: w.path})

	if w.setGlobal {
		SetGlobal(cfg)
	}
	w.mu.Lock()
	w.current = cfg
	subs := append(([]func(*Config))(nil), w.subscribers...)
	w.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.watcher.Close()
}
