// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/kodiak/services/chats"
	"github.com/AleutianAI/kodiak/services/gateway/datatypes"
	"github.com/AleutianAI/kodiak/services/gateway/observability"
)

// wsUpgrader upgrades question connections. Origin checking is left
// to the deployment's reverse proxy; the chat itself is still gated
// by ownership authorization after the upgrade.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsQuestion is one question frame from the client. An empty prompt
// regenerates the last turn.
type wsQuestion struct {
	Prompt string `json:"prompt"`
}

// wsSink delivers turn events as JSON frames, chained with the same
// hashes as the SSE transport.
type wsSink struct {
	conn      *websocket.Conn
	chatID    string
	transport observability.Transport
	metrics   *observability.StreamingMetrics
	started   time.Time

	mu       sync.Mutex
	prevHash string
	sawFirst bool
}

func (s *wsSink) send(event datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event = buildChainedEvent(s.prevHash, event)
	s.prevHash = event.Hash
	if err := s.conn.WriteJSON(event); err != nil {
		if s.metrics != nil {
			s.metrics.RecordClientDisconnect(s.transport)
		}
		return err
	}
	return nil
}

func (s *wsSink) Fragment(content string) error {
	s.mu.Lock()
	first := !s.sawFirst
	s.sawFirst = true
	s.mu.Unlock()

	if s.metrics != nil {
		if first {
			s.metrics.RecordTimeToFirstFragment(s.transport, time.Since(s.started).Seconds())
		}
		s.metrics.RecordFragment(s.transport)
	}
	return s.send(datatypes.StreamEvent{Type: "message", Content: content})
}

func (s *wsSink) Closed() error {
	return s.send(datatypes.StreamEvent{Type: "close", ChatId: s.chatID})
}

func (s *wsSink) Failed(message string) error {
	return s.send(datatypes.StreamEvent{Type: "error", Error: message})
}

// HandleQuestionWS processes GET /v1/chat/:id/question/ws. The
// connection carries any number of question turns; each turn answers
// with the same message*/close|error event sequence as the SSE
// stream. Reading the next question implicitly waits for the current
// turn, so one connection never races itself.
func (h *QuestionHandler) HandleQuestionWS(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleQuestionWS")
	defer span.End()

	session, ok := h.authorizedSession(ctx, c)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "chat_id", session.ID, "error", err)
		return
	}
	defer conn.Close()
	slog.Info("websocket question client connected", "chat_id", session.ID)

	if h.metrics != nil {
		h.metrics.StreamStarted(observability.TransportWebSocket)
		defer h.metrics.StreamEnded(observability.TransportWebSocket)
	}

	for {
		var req wsQuestion
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("websocket question client disconnected", "chat_id", session.ID, "error", err.Error())
			}
			return
		}

		// The session record is immutable, but a turn elsewhere may
		// have deleted the chat since the last read.
		if err := h.registry.Authorize(ctx, session.Owner, session.ID); err != nil {
			_ = conn.WriteJSON(buildChainedEvent("", datatypes.StreamEvent{
				Type: "error", Error: "chat no longer available",
			}))
			return
		}

		started := time.Now()
		sink := &wsSink{
			conn:      conn,
			chatID:    session.ID,
			transport: observability.TransportWebSocket,
			metrics:   h.metrics,
			started:   started,
		}
		turnErr := h.orchestrator.Stream(ctx, session, req.Prompt, sink)
		if turnErr != nil && errors.Is(turnErr, chats.ErrConflict) {
			// Rejected before the sink saw anything; the terminal
			// event still has to come from somewhere.
			_ = sink.Failed("generation in progress, retry later")
		}
		h.finishTurn(span, observability.TransportWebSocket, session.ID, started, turnErr)
	}
}
