// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/chats"
	"github.com/AleutianAI/kodiak/services/gateway/datatypes"
)

func wsServer(t *testing.T, fix *gatewayFixture, username string) *httptest.Server {
	t.Helper()
	handler := NewQuestionHandler(fix.registry, fix.orch, nil)
	router := gin.New()
	router.Use(asUser(username))
	router.GET("/v1/chat/:id/question/ws", handler.HandleQuestionWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func dialWS(t *testing.T, server *httptest.Server, chatID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/chat/" + chatID + "/question/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readTurn collects events until the terminal close or error frame.
func readTurn(t *testing.T, conn *websocket.Conn) []datatypes.StreamEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var events []datatypes.StreamEvent
	for {
		var event datatypes.StreamEvent
		require.NoError(t, conn.ReadJSON(&event))
		events = append(events, event)
		if event.Type == "close" || event.Type == "error" {
			return events
		}
	}
}

func TestHandleQuestionWS_SingleTurn(t *testing.T) {
	fix := newGatewayFixture(t, &scriptedEngine{fragments: []string{"Hel", "lo"}})
	session := fix.createChat(t, "alice")
	conn := dialWS(t, wsServer(t, fix, "alice"), session.ID)

	require.NoError(t, conn.WriteJSON(wsQuestion{Prompt: "hi"}))
	events := readTurn(t, conn)

	require.Len(t, events, 3)
	assert.Equal(t, "message", events[0].Type)
	assert.Equal(t, "Hel", events[0].Content)
	assert.Equal(t, "lo", events[1].Content)
	assert.Equal(t, "close", events[2].Type)
	assert.Equal(t, session.ID, events[2].ChatId)

	// Frames carry the same hash chain as the SSE stream.
	assert.Empty(t, events[0].PrevHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Hash, events[i].PrevHash)
	}
}

func TestHandleQuestionWS_MultipleTurnsOneConnection(t *testing.T) {
	fix := newGatewayFixture(t, &scriptedEngine{fragments: []string{"ok"}})
	session := fix.createChat(t, "alice")
	conn := dialWS(t, wsServer(t, fix, "alice"), session.ID)

	for _, prompt := range []string{"first", "second"} {
		require.NoError(t, conn.WriteJSON(wsQuestion{Prompt: prompt}))
		events := readTurn(t, conn)
		assert.Equal(t, "close", events[len(events)-1].Type, "prompt %q", prompt)
	}

	transcript, err := fix.history.ReadAll(fix.ctx, session.ID)
	require.NoError(t, err)
	// System preamble plus two settled turns.
	require.Len(t, transcript, 5)
	assert.Equal(t, chats.Message{Role: chats.RoleHuman, Content: "second"}, transcript[3])
}

func TestHandleQuestionWS_EngineFailure(t *testing.T) {
	fix := newGatewayFixture(t, &scriptedEngine{err: errors.New("llama.cpp fell over")})
	session := fix.createChat(t, "alice")
	conn := dialWS(t, wsServer(t, fix, "alice"), session.ID)

	require.NoError(t, conn.WriteJSON(wsQuestion{Prompt: "hi"}))
	events := readTurn(t, conn)

	last := events[len(events)-1]
	assert.Equal(t, "error", last.Type)
	assert.NotEmpty(t, last.Error)
}

func TestHandleQuestionWS_BusyChatErrorEvent(t *testing.T) {
	fix := newGatewayFixture(t, nil)
	session := fix.createChat(t, "alice")
	conn := dialWS(t, wsServer(t, fix, "alice"), session.ID)

	require.True(t, fix.locks.TryLock(session.ID))
	defer fix.locks.Unlock(session.ID)

	require.NoError(t, conn.WriteJSON(wsQuestion{Prompt: "hi"}))
	events := readTurn(t, conn)

	// Mid-connection there is no status code to answer with; the
	// conflict arrives as the turn's error event.
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)
}

func TestHandleQuestionWS_OtherOwnerDenied(t *testing.T) {
	fix := newGatewayFixture(t, nil)
	session := fix.createChat(t, "alice")
	server := wsServer(t, fix, "bob")

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/chat/" + session.ID + "/question/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		defer conn.Close()
	}
	require.Error(t, err, "the upgrade must be refused")
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
