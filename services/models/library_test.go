// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package models

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeWeights creates a fake weights file in dir.
//
// # Description
//
//	Writes size bytes of filler named after the model so Library
//	scans pick it up like a real weights file.
//
// # Inputs
//   - t: test context
//   - dir: weights directory
//   - filename: full file name including extension
//   - size: file size in bytes
//
// # Outputs
//   - string: the full path written
func writeWeights(t *testing.T, dir, filename string, size int) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x42}, size), 0o640); err != nil {
		t.Fatalf("write weights file: %v", err)
	}
	return path
}

func TestNewLibrary_RequiresDir(t *testing.T) {
	t.Parallel()

	if _, err := NewLibrary("", nil); err == nil {
		t.Fatal("expected error for empty weights directory")
	}
}

func TestNewLibrary_MissingDirectoryIsEmpty(t *testing.T) {
	t.Parallel()

	lib, err := NewLibrary(filepath.Join(t.TempDir(), "not-there"), nil)
	if err != nil {
		t.Fatalf("NewLibrary failed: %v", err)
	}
	if got := lib.List(); len(got) != 0 {
		t.Errorf("expected empty library, got %d models", len(got))
	}
}

func TestLibrary_ListSorted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeWeights(t, dir, "zephyr.bin", 3)
	writeWeights(t, dir, "7B.gguf", 5)
	writeWeights(t, dir, "mistral.gguf", 7)

	lib, err := NewLibrary(dir, nil)
	if err != nil {
		t.Fatalf("NewLibrary failed: %v", err)
	}

	got := lib.List()
	if len(got) != 3 {
		t.Fatalf("expected 3 models, got %d", len(got))
	}
	wantNames := []string{"7B", "mistral", "zephyr"}
	for i, want := range wantNames {
		if got[i].Name != want {
			t.Errorf("model %d: expected name %q, got %q", i, want, got[i].Name)
		}
	}
	if got[0].SizeBytes != 5 {
		t.Errorf("expected size 5, got %d", got[0].SizeBytes)
	}
	if got[0].Path != filepath.Join(dir, "7B.gguf") {
		t.Errorf("unexpected path %q", got[0].Path)
	}
	if got[0].ModifiedAt.IsZero() {
		t.Error("expected non-zero modification time")
	}
}

func TestLibrary_PrefersGGUFOverBin(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeWeights(t, dir, "7B.bin", 2)
	writeWeights(t, dir, "7B.gguf", 9)

	lib, err := NewLibrary(dir, nil)
	if err != nil {
		t.Fatalf("NewLibrary failed: %v", err)
	}

	got := lib.List()
	if len(got) != 1 {
		t.Fatalf("expected 1 model, got %d", len(got))
	}
	if !strings.HasSuffix(got[0].Path, ".gguf") {
		t.Errorf("expected gguf to win, got %q", got[0].Path)
	}
	if got[0].SizeBytes != 9 {
		t.Errorf("expected gguf size 9, got %d", got[0].SizeBytes)
	}
}

func TestLibrary_CaseInsensitiveExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeWeights(t, dir, "7B.GGUF", 4)

	lib, err := NewLibrary(dir, nil)
	if err != nil {
		t.Fatalf("NewLibrary failed: %v", err)
	}

	if _, err := lib.Resolve("7B"); err != nil {
		t.Errorf("expected uppercase extension to resolve, got %v", err)
	}
}

func TestLibrary_IgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeWeights(t, dir, "README.md", 10)
	writeWeights(t, dir, "checksums.txt", 10)
	if err := os.Mkdir(filepath.Join(dir, "archive.gguf"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	lib, err := NewLibrary(dir, nil)
	if err != nil {
		t.Fatalf("NewLibrary failed: %v", err)
	}
	if got := lib.List(); len(got) != 0 {
		t.Errorf("expected empty library, got %v", got)
	}
}

func TestLibrary_Resolve(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeWeights(t, dir, "7B.gguf", 6)

	lib, err := NewLibrary(dir, nil)
	if err != nil {
		t.Fatalf("NewLibrary failed: %v", err)
	}

	info, err := lib.Resolve("7B")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if info.Name != "7B" || info.SizeBytes != 6 {
		t.Errorf("unexpected info: %+v", info)
	}

	_, err = lib.Resolve("13B")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestLibrary_ResolveSeesNewWeights(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lib, err := NewLibrary(dir, nil)
	if err != nil {
		t.Fatalf("NewLibrary failed: %v", err)
	}
	if _, err := lib.Resolve("7B"); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable before download, got %v", err)
	}

	// A model dropped in after the initial scan resolves without an
	// explicit refresh.
	writeWeights(t, dir, "7B.gguf", 3)
	if _, err := lib.Resolve("7B"); err != nil {
		t.Errorf("expected new weights to resolve, got %v", err)
	}
}

func TestLibrary_ResolveRejectsUnsafeNames(t *testing.T) {
	t.Parallel()

	lib, err := NewLibrary(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLibrary failed: %v", err)
	}

	for _, name := range []string{"", ".", "..", "../7B", "sub/7B", `sub\7B`, "a..b"} {
		if _, err := lib.Resolve(name); !errors.Is(err, ErrModelUnavailable) {
			t.Errorf("name %q: expected ErrModelUnavailable, got %v", name, err)
		}
	}
}

func TestLibrary_RefreshDropsRemovedWeights(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeWeights(t, dir, "7B.gguf", 3)

	lib, err := NewLibrary(dir, nil)
	if err != nil {
		t.Fatalf("NewLibrary failed: %v", err)
	}
	if len(lib.List()) != 1 {
		t.Fatal("expected one model before removal")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove weights: %v", err)
	}
	if err := lib.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got := lib.List(); len(got) != 0 {
		t.Errorf("expected empty library after removal, got %v", got)
	}
}
