// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package models tracks the model weights available to the gateway.
//
// A model is "available" when a weights file named after it sits in
// the configured weights directory: "7B" resolves to 7B.gguf, falling
// back to the legacy 7B.bin. Chat creation and question answering gate
// on availability, so a chat never points at weights that are not on
// disk.
package models

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrModelUnavailable marks a model whose weights are not present in
// the library. Callers branch on it with errors.Is.
var ErrModelUnavailable = errors.New("model unavailable")

// weightExtensions are the recognized weights file suffixes, in
// preference order when a model exists in both formats.
var weightExtensions = []string{".gguf", ".bin"}

// ModelInfo describes one weights file in the library.
type ModelInfo struct {
	// Name is the model name, the file name without its extension.
	Name string `json:"name"`

	// Path is the absolute path to the weights file.
	Path string `json:"path"`

	// SizeBytes is the file size.
	SizeBytes int64 `json:"size_bytes"`

	// ModifiedAt is the file modification time.
	ModifiedAt time.Time `json:"modified_at"`
}

// Library scans a weights directory and answers availability queries.
//
// The in-memory snapshot is refreshed explicitly via Refresh, by the
// WeightsWatcher, and lazily when Resolve misses, so a freshly
// downloaded model becomes available without a restart.
//
// Safe for concurrent use.
type Library struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	byName map[string]ModelInfo
}

// NewLibrary creates a Library over dir and performs the initial
// scan. A missing directory is not an error; the library is empty
// until weights appear. logger may be nil.
func NewLibrary(dir string, logger *slog.Logger) (*Library, error) {
	if dir == "" {
		return nil, fmt.Errorf("weights directory is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	lib := &Library{
		dir:    dir,
		logger: logger,
		byName: make(map[string]ModelInfo),
	}
	if err := lib.Refresh(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Dir returns the weights directory the library scans.
func (l *Library) Dir() string {
	return l.dir
}

// Refresh rescans the weights directory. Files with unrecognized
// extensions are skipped. A missing directory yields an empty
// library.
func (l *Library) Refresh() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Warn("weights directory does not exist", "dir", l.dir)
			l.mu.Lock()
			l.byName = make(map[string]ModelInfo)
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("scan weights directory: %w", err)
	}

	found := make(map[string]ModelInfo)
	for _, ext := range weightExtensions {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if !strings.EqualFold(filepath.Ext(name), ext) {
				continue
			}
			modelName := strings.TrimSuffix(name, filepath.Ext(name))
			if _, exists := found[modelName]; exists {
				// An earlier extension in preference order won.
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			found[modelName] = ModelInfo{
				Name:       modelName,
				Path:       filepath.Join(l.dir, name),
				SizeBytes:  info.Size(),
				ModifiedAt: info.ModTime(),
			}
		}
	}

	l.mu.Lock()
	l.byName = found
	l.mu.Unlock()
	l.logger.Debug("weights library refreshed", "dir", l.dir, "models", len(found))
	return nil
}

// Resolve returns the weights info for name, or ErrModelUnavailable.
// A snapshot miss triggers one rescan before giving up, so models
// added since the last refresh still resolve.
func (l *Library) Resolve(name string) (ModelInfo, error) {
	if !validModelName(name) {
		return ModelInfo{}, fmt.Errorf("%w: invalid model name %q", ErrModelUnavailable, name)
	}

	l.mu.RLock()
	info, ok := l.byName[name]
	l.mu.RUnlock()
	if ok {
		return info, nil
	}

	if err := l.Refresh(); err != nil {
		return ModelInfo{}, err
	}

	l.mu.RLock()
	info, ok = l.byName[name]
	l.mu.RUnlock()
	if !ok {
		return ModelInfo{}, fmt.Errorf("%w: %s", ErrModelUnavailable, name)
	}
	return info, nil
}

// List returns the available models sorted by name.
func (l *Library) List() []ModelInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ModelInfo, 0, len(l.byName))
	for _, info := range l.byName {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// validModelName rejects names that are empty or could escape the
// weights directory.
func validModelName(name string) bool {
	if name == "" {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	if name == "." || name == ".." || strings.Contains(name, "..") {
		return false
	}
	return true
}
