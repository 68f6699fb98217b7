// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/gateway/datatypes"
)

// parseSSE splits a recorded SSE body into its events, skipping
// comment lines.
func parseSSE(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	for _, block := range strings.Split(body, "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event datatypes.StreamEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
			events = append(events, event)
		}
	}
	return events
}

type nonFlushingWriter struct {
	http.ResponseWriter
}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	t.Parallel()
	_, err := NewSSEWriter(nonFlushingWriter{httptest.NewRecorder()})
	assert.Error(t, err)
}

func TestSSEWriter_EventWireFormat(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteFragment("hello"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: message\ndata: "))
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestSSEWriter_HashChain(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteFragment("one"))
	require.NoError(t, writer.WriteFragment("two"))
	require.NoError(t, writer.WriteClose("chat-1"))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)

	assert.Empty(t, events[0].PrevHash, "first event starts the chain")
	for i, event := range events {
		assert.NotEmpty(t, event.Id)
		assert.NotZero(t, event.CreatedAt)
		assert.Equal(t, event.Hash, computeEventHash(event), "event %d hash must cover its content", i)
		if i > 0 {
			assert.Equal(t, events[i-1].Hash, event.PrevHash, "event %d must link to its predecessor", i)
		}
	}

	assert.Equal(t, "message", events[0].Type)
	assert.Equal(t, "one", events[0].Content)
	assert.Equal(t, "close", events[2].Type)
	assert.Equal(t, "chat-1", events[2].ChatId)
}

func TestSSEWriter_ErrorEvent(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteError("model exploded"))
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)
	assert.Equal(t, "model exploded", events[0].Error)
}

func TestSSEWriter_KeepAliveOutsideChain(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteFragment("one"))
	require.NoError(t, writer.WriteKeepAlive())
	require.NoError(t, writer.WriteFragment("two"))

	assert.Contains(t, rec.Body.String(), ": ping\n\n")
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, events[0].Hash, events[1].PrevHash,
		"keepalives must not break the hash chain")
}

func TestComputeEventHash_CoversEveryField(t *testing.T) {
	t.Parallel()
	base := datatypes.StreamEvent{
		Id: "a", Type: "message", CreatedAt: 1, PrevHash: "p",
		Content: "c", Error: "e", ChatId: "x",
	}
	baseHash := computeEventHash(base)

	mutations := []func(datatypes.StreamEvent) datatypes.StreamEvent{
		func(e datatypes.StreamEvent) datatypes.StreamEvent { e.Id = "b"; return e },
		func(e datatypes.StreamEvent) datatypes.StreamEvent { e.Type = "close"; return e },
		func(e datatypes.StreamEvent) datatypes.StreamEvent { e.CreatedAt = 2; return e },
		func(e datatypes.StreamEvent) datatypes.StreamEvent { e.PrevHash = "q"; return e },
		func(e datatypes.StreamEvent) datatypes.StreamEvent { e.Content = "d"; return e },
		func(e datatypes.StreamEvent) datatypes.StreamEvent { e.Error = "f"; return e },
		func(e datatypes.StreamEvent) datatypes.StreamEvent { e.ChatId = "y"; return e },
	}
	for i, mutate := range mutations {
		assert.NotEqual(t, baseHash, computeEventHash(mutate(base)), "mutation %d", i)
	}
}
