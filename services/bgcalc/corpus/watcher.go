// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a corpus must stay quiet before a change is
// reported. Indexing writes many files in a burst.
const DefaultDebounce = 2 * time.Second

// ErrWatcherStarted is returned by Start on a running watcher.
var ErrWatcherStarted = errors.New("corpus watcher already started")

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce duration.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithOnReindex sets a callback invoked with the corpus id after its data
// changed and the memoized identity was dropped.
func WithOnReindex(fn func(corpusID string)) WatcherOption {
	return func(w *Watcher) {
		w.onReindex = fn
	}
}

// Watcher observes the corpus directory of a DirProvider and forgets
// identities of corpora whose data files change.
//
// # Description
//
// The corpus root and every corpus subdirectory are watched non-recursively.
// Events are debounced per corpus so one re-indexing run triggers one
// callback.
type Watcher struct {
	provider  *DirProvider
	debounce  time.Duration
	onReindex func(string)

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timers  map[string]*time.Timer
	cancel  context.CancelFunc
	started bool
}

// NewWatcher creates a watcher for provider.
func NewWatcher(provider *DirProvider, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		provider:  provider,
		debounce:  DefaultDebounce,
		onReindex: func(string) {},
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. It returns after the initial watch set is
// registered; events are processed in a background goroutine until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrWatcherStarted
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	root := w.provider.Root()
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return fmt.Errorf("watch corpus root %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		fsw.Close()
		return fmt.Errorf("read corpus root %s: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := fsw.Add(filepath.Join(root, e.Name())); err != nil {
				slog.Warn("Failed to watch corpus directory", "corpus", e.Name(), "error", err)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.started = true
	go w.loop(runCtx, fsw)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.cancel()
	w.fsw.Close()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.started = false
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	events := fsw.Events
	errs := fsw.Errors
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handle(fsw, ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			slog.Warn("Corpus watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	root := w.provider.Root()
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	corpusID := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]

	// new corpus directory
	if ev.Op&fsnotify.Create != 0 && rel == corpusID {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = fsw.Add(ev.Name)
		}
	}
	if ev.Op == fsnotify.Chmod {
		return
	}
	w.schedule(corpusID)
}

func (w *Watcher) schedule(corpusID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if t, ok := w.timers[corpusID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[corpusID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, corpusID)
		w.mu.Unlock()

		w.provider.Forget(corpusID)
		slog.Info("Corpus data changed", "corpus", corpusID)
		w.onReindex(corpusID)
	})
}
