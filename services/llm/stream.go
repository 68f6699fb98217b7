// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// StreamConfig controls how raw engine chunks become stream events.
type StreamConfig struct {
	// MaxResponseBytes caps the total emitted response. Content past
	// the cap is dropped; the stream still runs to completion so the
	// engine connection shuts down cleanly. 0 disables the cap.
	MaxResponseBytes int

	// RateLimitPerSecond throttles token events. 0 disables
	// throttling.
	RateLimitPerSecond int
}

// DefaultStreamConfig returns the production defaults: a 100 KiB
// response cap and no rate limit.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxResponseBytes: 100 * 1024,
	}
}

// StreamChunk is the backend-neutral form of one decoded wire chunk.
// Each backend client parses its own wire format into this.
type StreamChunk struct {
	// Content is the text fragment, possibly empty.
	Content string

	// Done marks the final chunk of a successful stream.
	Done bool

	// Err carries an engine-reported error message. A chunk with Err
	// set terminates the stream.
	Err string
}

// StreamProcessor turns decoded chunks into callback events.
//
// Engines tokenize below the character level, so a chunk can end in
// the middle of a multi-byte UTF-8 sequence. The processor holds such
// trailing bytes back and prepends them to the next chunk, so every
// emitted event is valid UTF-8. Incomplete bytes still held when the
// stream finishes are dropped: a dangling partial rune at end of
// generation is an engine artifact, not an error.
//
// Not safe for concurrent use; create one per stream.
type StreamProcessor struct {
	cfg     StreamConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	pending       []byte
	tokenCount    int
	responseBytes int
}

// NewStreamProcessor creates a processor for one stream. logger may
// be nil, in which case slog.Default() is used.
func NewStreamProcessor(cfg StreamConfig, logger *slog.Logger) *StreamProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &StreamProcessor{
		cfg:    cfg,
		logger: logger,
	}
	if cfg.RateLimitPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond)
	}
	return p
}

// ProcessChunk handles one decoded chunk. It returns done=true when
// the stream is finished, for any reason. The returned error is
// non-nil for engine errors and callback aborts.
func (p *StreamProcessor) ProcessChunk(ctx context.Context, chunk *StreamChunk, callback StreamCallback) (bool, error) {
	if chunk.Err != "" {
		event := StreamEvent{Type: StreamEventError, Error: chunk.Err}
		if cbErr := callback(event); cbErr != nil {
			return true, fmt.Errorf("stream callback: %w", cbErr)
		}
		return true, fmt.Errorf("engine stream error: %s", chunk.Err)
	}

	if chunk.Content != "" {
		p.pending = append(p.pending, chunk.Content...)
		emit, rest := splitCompleteRunes(p.pending)
		p.pending = rest

		emit = p.applyResponseCap(emit)
		if len(emit) > 0 {
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return true, fmt.Errorf("stream rate limit: %w", err)
				}
			}
			p.tokenCount++
			p.responseBytes += len(emit)
			if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: string(emit)}); cbErr != nil {
				return true, fmt.Errorf("stream callback: %w", cbErr)
			}
		}
	}

	if chunk.Done {
		if len(p.pending) > 0 {
			p.logger.Debug("dropping incomplete trailing bytes at end of stream",
				"bytes", len(p.pending))
			p.pending = nil
		}
		return true, nil
	}
	return false, nil
}

// applyResponseCap trims emit to fit MaxResponseBytes, keeping the
// cut on a rune boundary. Returns nil once the cap is reached.
func (p *StreamProcessor) applyResponseCap(emit []byte) []byte {
	if p.cfg.MaxResponseBytes <= 0 {
		return emit
	}
	remaining := p.cfg.MaxResponseBytes - p.responseBytes
	if remaining <= 0 {
		return nil
	}
	if len(emit) <= remaining {
		return emit
	}
	cut, _ := splitCompleteRunes(emit[:remaining])
	return cut
}

// GetTokenCount returns the number of token events emitted so far.
func (p *StreamProcessor) GetTokenCount() int {
	return p.tokenCount
}

// GetResponseBytes returns the total bytes emitted so far.
func (p *StreamProcessor) GetResponseBytes() int {
	return p.responseBytes
}

// splitCompleteRunes splits b into the longest prefix that ends on a
// rune boundary and the incomplete tail. Bytes that cannot start a
// valid sequence within utf8.UTFMax are passed through unchanged
// rather than held forever.
func splitCompleteRunes(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 && len(b)-i < utf8.UTFMax {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}
