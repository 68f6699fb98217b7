// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/kodiak/services/gateway/datatypes"
)

// SSEWriter writes the streaming question events to an HTTP response.
//
// Implementations handle the SSE wire format (event: type\ndata:
// json\n\n) and flush after every event, because perceived latency to
// the first fragment matters more than batching efficiency. Each
// event is assigned an id, a creation timestamp, a SHA-256 content
// hash, and the previous event's hash, so a client can verify the
// stream it received against the transcript it reads later.
//
// Implementations must be safe for concurrent use: the keepalive
// goroutine writes next to the fragment path.
type SSEWriter interface {
	// WriteEvent writes one event. Id, CreatedAt, Hash, and PrevHash
	// are populated by the writer.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteFragment writes one "message" event carrying a fragment of
	// generated text.
	WriteFragment(content string) error

	// WriteClose writes the successful terminal event for the chat.
	WriteClose(chatID string) error

	// WriteError writes the failure terminal event.
	WriteError(errMsg string) error

	// WriteKeepAlive sends an SSE comment line. Comments are ignored
	// by clients but reset load-balancer idle timers; they do not
	// enter the hash chain.
	WriteKeepAlive() error
}

// sseWriter is the production SSEWriter over an http.ResponseWriter.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps the ResponseWriter for SSE output. The caller
// must have set the SSE headers first (SetSSEHeaders). Fails when the
// ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event = buildChainedEvent(w.prevHash, event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteFragment(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: "message", Content: content})
}

func (w *sseWriter) WriteClose(chatID string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: "close", ChatId: chatID})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: "error", Error: errMsg})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// buildChainedEvent stamps the event's id and timestamp and links it
// into the stream's hash chain. Shared by the SSE and WebSocket
// transports so both streams verify the same way.
func buildChainedEvent(prevHash string, event datatypes.StreamEvent) datatypes.StreamEvent {
	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = prevHash
	event.Hash = computeEventHash(event)
	return event
}

// computeEventHash hashes every content field of the event. Called
// before the Hash field is set.
func computeEventHash(event datatypes.StreamEvent) string {
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Error,
		event.ChatId,
	)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// SetSSEHeaders configures the response for SSE streaming. Must be
// called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
