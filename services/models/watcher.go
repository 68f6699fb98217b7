// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package models

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherOptions configures the weights directory watcher.
type WatcherOptions struct {
	// DebounceWindow is how long the directory must stay quiet before
	// a refresh fires. Model downloads emit a long burst of write
	// events; debouncing folds the burst into one rescan once the
	// file settles.
	DebounceWindow time.Duration

	// BufferSize is the capacity of the internal event channel.
	BufferSize int
}

// DefaultWatcherOptions returns the standard watcher configuration.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 250 * time.Millisecond,
		BufferSize:     64,
	}
}

// WeightsWatcher refreshes a Library when weights files change on
// disk, so newly downloaded or deleted models are reflected without a
// restart.
//
// Lifecycle: Start launches the watch goroutines, Stop shuts them
// down. Stop is idempotent.
type WeightsWatcher struct {
	library *Library
	logger  *slog.Logger
	opts    WatcherOptions

	watcher  *fsnotify.Watcher
	pending  chan string
	done     chan struct{}
	stopOnce sync.Once
	watching atomic.Bool
}

// NewWeightsWatcher creates a watcher over lib's weights directory.
// opts may be nil for defaults; logger may be nil.
func NewWeightsWatcher(lib *Library, opts *WatcherOptions, logger *slog.Logger) (*WeightsWatcher, error) {
	if lib == nil {
		return nil, fmt.Errorf("library is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	options := DefaultWatcherOptions()
	if opts != nil {
		options = *opts
	}
	if options.DebounceWindow <= 0 {
		options.DebounceWindow = DefaultWatcherOptions().DebounceWindow
	}
	if options.BufferSize <= 0 {
		options.BufferSize = DefaultWatcherOptions().BufferSize
	}
	return &WeightsWatcher{
		library: lib,
		logger:  logger,
		opts:    options,
		pending: make(chan string, options.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the weights directory. The directory is
// created if it does not exist yet, so a fresh deployment can
// download its first model into a watched directory.
func (w *WeightsWatcher) Start(ctx context.Context) error {
	if w.watching.Load() {
		return fmt.Errorf("weights watcher already started")
	}

	if err := os.MkdirAll(w.library.Dir(), 0o750); err != nil {
		return fmt.Errorf("create weights directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(w.library.Dir()); err != nil {
		watcher.Close()
		return fmt.Errorf("watch weights directory: %w", err)
	}
	w.watcher = watcher
	w.watching.Store(true)

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	w.logger.Info("watching weights directory", "dir", w.library.Dir())
	return nil
}

// Stop shuts the watcher down. Safe to call multiple times and
// before Start.
func (w *WeightsWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.watcher != nil {
			w.watcher.Close()
		}
		w.watching.Store(false)
	})
}

// IsWatching reports whether the watch goroutines are running.
func (w *WeightsWatcher) IsWatching() bool {
	return w.watching.Load()
}

// processEvents filters raw fsnotify events down to weights file
// changes and hands them to the debounce loop. The send is
// non-blocking; under a flood the debounce loop is already going to
// rescan, so dropped events lose nothing.
func (w *WeightsWatcher) processEvents(ctx context.Context) {
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
			if !w.isWeightsEvent(event) {
				continue
			}
			select {
			case w.pending <- event.Name:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("weights watcher error", "error", err)
		}
	}
}

// debounceLoop waits for the event stream to go quiet for the
// configured window, then refreshes the library once.
func (w *WeightsWatcher) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case path := <-w.pending:
			w.logger.Debug("weights change detected", "path", path)
			if timer == nil {
				timer = time.NewTimer(w.opts.DebounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.DebounceWindow)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.library.Refresh(); err != nil {
				w.logger.Error("weights refresh failed", "error", err)
			}
		}
	}
}

// isWeightsEvent reports whether the event touches a weights file in
// a way that changes availability. Chmod is noise; everything else
// (create, write, remove, rename) can change what resolves.
func (w *WeightsWatcher) isWeightsEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	for _, want := range weightExtensions {
		if ext == want {
			return true
		}
	}
	return false
}
