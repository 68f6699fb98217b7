// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(42), slog.LevelInfo}, // unknown maps to Info
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			if got := tt.level.toSlogLevel(); got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	if logger.slog == nil {
		t.Error("logger.slog is nil")
	}
	defer logger.Close()
}

func TestNew_WithService(t *testing.T) {
	logger := New(Config{Service: "gateway", Quiet: true})
	defer logger.Close()
	if logger.config.Service != "gateway" {
		t.Errorf("Service = %v, want gateway", logger.config.Service)
	}
}

func TestNew_WithLogDir(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		LogDir:  tmpDir,
		Service: "gateway",
		Quiet:   true,
	})
	defer logger.Close()

	if logger.file == nil {
		t.Fatal("logger.file is nil when LogDir specified")
	}

	files, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(files) == 0 {
		t.Error("no log file created in LogDir")
	}
	if !strings.HasPrefix(files[0].Name(), "gateway_") {
		t.Errorf("log file %q should be prefixed with service name", files[0].Name())
	}
}

func TestNew_WithLogDir_NoService(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{LogDir: tmpDir, Quiet: true})
	defer logger.Close()

	files, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	found := false
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "kodiak_") {
			found = true
		}
	}
	if !found {
		t.Error("expected log file with 'kodiak_' prefix")
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	logger := New(Config{
		LogDir: string([]byte{0}) + "/not/creatable",
		Quiet:  true,
	})
	defer logger.Close()

	// File logging silently disabled; logger still usable.
	if logger.file != nil {
		t.Error("logger.file should be nil for an uncreatable path")
	}
	logger.Info("still works")
}

func TestDefault(t *testing.T) {
	logger := Default()
	defer logger.Close()
	if logger.config.Level != LevelInfo {
		t.Errorf("Default level = %v, want LevelInfo", logger.config.Level)
	}
	if logger.config.Service != "kodiak" {
		t.Errorf("Default service = %v, want kodiak", logger.config.Service)
	}
}

func TestLogger_AllLevels(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelDebug,
		Exporter: exporter,
		Quiet:    true,
	})
	defer logger.Close()

	logger.Debug("debug", "k", 1)
	logger.Info("info", "k", 2)
	logger.Warn("warn", "k", 3)
	logger.Error("error", "k", 4)

	time.Sleep(100 * time.Millisecond)

	entries := exporter.Entries()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	wantLevels := []Level{LevelDebug, LevelInfo, LevelWarn, LevelError}
	for i, want := range wantLevels {
		if entries[i].Level != want {
			t.Errorf("entries[%d].Level = %v, want %v", i, entries[i].Level, want)
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Exporter: exporter,
		Quiet:    true,
	})
	defer logger.Close()

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
	time.Sleep(100 * time.Millisecond)

	if got := len(exporter.Entries()); got != 2 {
		t.Errorf("expected 2 exported entries (warn+error), got %d", got)
	}
}

func TestLogger_AttrsReachExporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "gateway",
		Exporter: exporter,
		Quiet:    true,
	})
	defer logger.Close()

	logger.Info("chat created", "chat_id", "abc", "messages", 3)
	time.Sleep(50 * time.Millisecond)

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Message != "chat created" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Service != "gateway" {
		t.Errorf("Service = %q", entry.Service)
	}
	if entry.Attrs["chat_id"] != "abc" {
		t.Errorf("Attrs[chat_id] = %v", entry.Attrs["chat_id"])
	}
	if entry.Attrs["messages"] != 3 {
		t.Errorf("Attrs[messages] = %v", entry.Attrs["messages"])
	}
}

func TestLogger_With(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Exporter: exporter,
		Quiet:    true,
	})
	defer logger.Close()

	child := logger.With("chat_id", "abc123")
	if child == nil {
		t.Fatal("With() returned nil")
	}
	child.Info("generation started")
	time.Sleep(50 * time.Millisecond)

	if got := len(exporter.Entries()); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}
}

func TestLogger_With_SharesResources(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{LogDir: tmpDir, Service: "gateway", Quiet: true})
	defer logger.Close()

	child := logger.With("child", true)
	if child.file != logger.file {
		t.Error("child logger should share the file handle")
	}
	if child.exporter != logger.exporter {
		t.Error("child logger should share the exporter")
	}
}

func TestLogger_Slog(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()
	if logger.Slog() == nil {
		t.Error("Slog() returned nil")
	}
}

func TestLogger_Close_NoResources(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Errorf("Close(): %v", err)
	}
}

func TestLogger_Close_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{LogDir: tmpDir, Service: "gateway", Quiet: true})

	logger.Info("before close")
	if err := logger.Close(); err != nil {
		t.Errorf("Close(): %v", err)
	}

	if logger.file != nil {
		if _, err := logger.file.WriteString("after"); err == nil {
			t.Error("expected write to fail after Close()")
		}
	}
}

func TestLogger_Close_JoinsErrors(t *testing.T) {
	exporter := &errorExporter{
		flushErr: errors.New("flush failed"),
		closeErr: errors.New("close failed"),
	}
	logger := New(Config{Exporter: exporter, Quiet: true})

	err := logger.Close()
	if err == nil {
		t.Fatal("expected error from Close()")
	}
	if !strings.Contains(err.Error(), "flush exporter") {
		t.Errorf("joined error should mention flush: %v", err)
	}
	if !strings.Contains(err.Error(), "close exporter") {
		t.Errorf("joined error should mention close: %v", err)
	}
}

func TestLogger_ExportErrorSilentlyDropped(t *testing.T) {
	exporter := &errorExporter{exportErr: errors.New("export failed")}
	logger := New(Config{Level: LevelInfo, Exporter: exporter, Quiet: true})
	defer logger.Close()

	// Must not panic or surface the error.
	logger.Info("test")
	time.Sleep(50 * time.Millisecond)
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Exporter: exporter, Quiet: true})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent", "n", n)
		}(i)
	}
	wg.Wait()
	time.Sleep(200 * time.Millisecond)

	if got := len(exporter.Entries()); got != 100 {
		t.Errorf("expected 100 entries, got %d", got)
	}
}

func TestMultiHandler_Enabled(t *testing.T) {
	var buf bytes.Buffer
	debug := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	warn := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})

	mh := &multiHandler{handlers: []slog.Handler{debug, warn}}

	if !mh.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Debug should be enabled (debug handler accepts it)")
	}
	if !mh.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("Warn should be enabled")
	}

	strict := &multiHandler{handlers: []slog.Handler{warn}}
	if strict.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Debug should not be enabled when only a Warn handler exists")
	}
}

func TestMultiHandler_Handle_FansOut(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	mh := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&buf1, opts),
		slog.NewTextHandler(&buf2, opts),
	}}

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "fan out", 0)
	if err := mh.Handle(context.Background(), record); err != nil {
		t.Fatalf("Handle(): %v", err)
	}
	if buf1.Len() == 0 || buf2.Len() == 0 {
		t.Error("both handlers should have received the record")
	}
}

func TestMultiHandler_Handle_LevelFiltering(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&buf1, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&buf2, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "partial", 0)
	_ = mh.Handle(context.Background(), record)

	if buf1.Len() == 0 {
		t.Error("debug handler should have received the record")
	}
	if buf2.Len() != 0 {
		t.Error("error-level handler should not have received the record")
	}
}

func TestMultiHandler_Handle_ErrorDoesNotStopDelivery(t *testing.T) {
	var buf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{
		&errorHandler{err: errors.New("handler failed")},
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}),
	}}

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "keep going", 0)
	err := mh.Handle(context.Background(), record)
	if err == nil {
		t.Error("expected joined error from Handle()")
	}
	if buf.Len() == 0 {
		t.Error("later handlers should still receive the record after an earlier failure")
	}
}

func TestMultiHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{slog.NewTextHandler(&buf, nil)}}

	out := mh.WithAttrs([]slog.Attr{slog.String("service", "gateway")})
	if _, ok := out.(*multiHandler); !ok {
		t.Error("WithAttrs() should return *multiHandler")
	}
}

func TestMultiHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{slog.NewTextHandler(&buf, nil)}}

	out := mh.WithGroup("request")
	if _, ok := out.(*multiHandler); !ok {
		t.Error("WithGroup() should return *multiHandler")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/logs", filepath.Join(home, "logs")},
		{"~/.kodiak/logs", filepath.Join(home, ".kodiak/logs")},
		{"~", home},
		{"/var/log", "/var/log"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := expandPath(tt.input); got != tt.want {
				t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestArgsToMap(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want map[string]any
	}{
		{name: "empty", args: []any{}, want: map[string]any{}},
		{name: "single pair", args: []any{"key", "value"}, want: map[string]any{"key": "value"}},
		{
			name: "multiple pairs",
			args: []any{"k1", "v1", "k2", 42, "k3", true},
			want: map[string]any{"k1": "v1", "k2": 42, "k3": true},
		},
		{
			name: "odd count drops orphan",
			args: []any{"k1", "v1", "orphan"},
			want: map[string]any{"k1": "v1"},
		},
		{
			name: "non-string key skipped",
			args: []any{123, "value", "ok", "yes"},
			want: map[string]any{"ok": "yes"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := argsToMap(tt.args)
			if len(got) != len(tt.want) {
				t.Fatalf("argsToMap() len = %d, want %d", len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("argsToMap()[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestNopExporter(t *testing.T) {
	e := &NopExporter{}
	if err := e.Export(context.Background(), LogEntry{Message: "x"}); err != nil {
		t.Errorf("Export(): %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Errorf("Flush(): %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close(): %v", err)
	}
}

func TestBufferedExporter_Entries_ReturnsCopy(t *testing.T) {
	e := NewBufferedExporter()
	_ = e.Export(context.Background(), LogEntry{Message: "original"})

	first := e.Entries()
	second := e.Entries()
	first[0].Message = "mutated"

	if second[0].Message != "original" {
		t.Error("Entries() should return a copy")
	}
}

func TestBufferedExporter_ConcurrentAccess(t *testing.T) {
	e := NewBufferedExporter()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Export(context.Background(), LogEntry{Message: "msg"})
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Entries()
		}()
	}
	wg.Wait()

	if got := len(e.Entries()); got != 100 {
		t.Errorf("expected 100 entries, got %d", got)
	}
}

func TestWriterExporter_WritesNDJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewWriterExporter(&buf)

	err := e.Export(context.Background(), LogEntry{
		Timestamp: time.Now(),
		Level:     LevelWarn,
		Message:   "slow backend",
		Service:   "gateway",
		Attrs:     map[string]any{"latency_ms": 1500},
	})
	if err != nil {
		t.Fatalf("Export(): %v", err)
	}

	line := strings.TrimSpace(buf.String())
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, line)
	}
	if decoded["msg"] != "slow backend" {
		t.Errorf("msg = %v", decoded["msg"])
	}
	if decoded["level"] != "WARN" {
		t.Errorf("level = %v", decoded["level"])
	}
	if decoded["service"] != "gateway" {
		t.Errorf("service = %v", decoded["service"])
	}
}

func TestWriterExporter_ConcurrentAccess(t *testing.T) {
	var buf bytes.Buffer
	e := NewWriterExporter(&buf)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Export(context.Background(), LogEntry{Message: "msg"})
		}()
	}
	wg.Wait()

	if lines := strings.Count(buf.String(), "\n"); lines != 50 {
		t.Errorf("expected 50 lines, got %d", lines)
	}
}

func TestLogger_FileContent(t *testing.T) {
	tmpDir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  tmpDir,
		Service: "gateway",
		Quiet:   true,
	})

	logger.Info("chat deleted", "chat_id", "abc")
	logger.Close()

	files, _ := os.ReadDir(tmpDir)
	if len(files) == 0 {
		t.Fatal("no log file created")
	}
	content, err := os.ReadFile(filepath.Join(tmpDir, files[0].Name()))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	// File logs are JSON regardless of the stderr format.
	if !strings.Contains(string(content), `"msg":"chat deleted"`) {
		t.Errorf("log file should contain the JSON message, got: %s", content)
	}
	if !strings.Contains(string(content), `"chat_id":"abc"`) {
		t.Errorf("log file should contain attributes in JSON, got: %s", content)
	}
}

func TestLogger_FullIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	exporter := NewBufferedExporter()

	logger := New(Config{
		Level:    LevelDebug,
		LogDir:   tmpDir,
		Service:  "gateway",
		Exporter: exporter,
		Quiet:    true,
	})

	logger.Debug("debug", "k", "v")
	logger.Info("info", "n", 1)
	logger.Warn("warn", "b", true)
	logger.Error("error", "f", 2.5)
	logger.With("chat_id", "abc").Info("scoped")

	time.Sleep(200 * time.Millisecond)

	if err := logger.Close(); err != nil {
		t.Errorf("Close(): %v", err)
	}
	if got := len(exporter.Entries()); got != 5 {
		t.Errorf("expected 5 exported entries, got %d", got)
	}
	if files, _ := os.ReadDir(tmpDir); len(files) == 0 {
		t.Error("no log file created")
	}
}

// errorExporter fails on demand for error-path tests.
type errorExporter struct {
	exportErr error
	flushErr  error
	closeErr  error
}

func (e *errorExporter) Export(ctx context.Context, entry LogEntry) error { return e.exportErr }
func (e *errorExporter) Flush(ctx context.Context) error                  { return e.flushErr }
func (e *errorExporter) Close() error                                     { return e.closeErr }

// errorHandler fails every Handle call.
type errorHandler struct {
	err error
}

func (h *errorHandler) Enabled(ctx context.Context, level slog.Level) bool { return true }
func (h *errorHandler) Handle(ctx context.Context, r slog.Record) error    { return h.err }
func (h *errorHandler) WithAttrs(attrs []slog.Attr) slog.Handler           { return h }
func (h *errorHandler) WithGroup(name string) slog.Handler                 { return h }
