// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/kodiak/services/chats"
	"github.com/AleutianAI/kodiak/services/gateway/datatypes"
	"github.com/AleutianAI/kodiak/services/gateway/middleware"
	"github.com/AleutianAI/kodiak/services/gateway/observability"
	"github.com/AleutianAI/kodiak/services/generation"
	"github.com/AleutianAI/kodiak/services/models"
)

// defaultHeartbeatInterval spaces the SSE keepalive comments. Load
// balancers commonly cut idle connections at 60s; a local model can
// take longer than that to produce its first fragment on CPU.
const defaultHeartbeatInterval = 15 * time.Second

// QuestionHandler serves the question surface of a chat: the SSE
// stream, the WebSocket stream, and the blocking variant. All three
// run the same turn through the generation orchestrator; only event
// delivery differs.
type QuestionHandler struct {
	registry     *chats.Registry
	orchestrator *generation.Orchestrator
	metrics      *observability.StreamingMetrics
	tracer       trace.Tracer
	heartbeat    time.Duration
}

// NewQuestionHandler creates the question handler set. Panics on nil
// registry or orchestrator; metrics may be nil (not recorded).
func NewQuestionHandler(
	registry *chats.Registry,
	orchestrator *generation.Orchestrator,
	metrics *observability.StreamingMetrics,
) *QuestionHandler {
	if registry == nil {
		panic("NewQuestionHandler: registry must not be nil")
	}
	if orchestrator == nil {
		panic("NewQuestionHandler: orchestrator must not be nil")
	}
	return &QuestionHandler{
		registry:     registry,
		orchestrator: orchestrator,
		metrics:      metrics,
		tracer:       otel.Tracer("kodiak.gateway.handlers.question"),
		heartbeat:    defaultHeartbeatInterval,
	}
}

// sseSink adapts an SSEWriter to the orchestrator's EventSink and
// keeps the per-turn delivery bookkeeping: first-fragment latency,
// fragment counts, and whether anything reached the wire yet.
type sseSink struct {
	writer    SSEWriter
	chatID    string
	transport observability.Transport
	metrics   *observability.StreamingMetrics
	started   time.Time

	mu       sync.Mutex
	wrote    bool
	sawFirst bool
}

func (s *sseSink) Fragment(content string) error {
	s.mu.Lock()
	s.wrote = true
	first := !s.sawFirst
	s.sawFirst = true
	s.mu.Unlock()

	if s.metrics != nil {
		if first {
			s.metrics.RecordTimeToFirstFragment(s.transport, time.Since(s.started).Seconds())
		}
		s.metrics.RecordFragment(s.transport)
	}
	if err := s.writer.WriteFragment(content); err != nil {
		if s.metrics != nil {
			s.metrics.RecordClientDisconnect(s.transport)
		}
		return err
	}
	return nil
}

func (s *sseSink) Closed() error {
	s.mu.Lock()
	s.wrote = true
	s.mu.Unlock()
	return s.writer.WriteClose(s.chatID)
}

func (s *sseSink) Failed(message string) error {
	s.mu.Lock()
	s.wrote = true
	s.mu.Unlock()
	return s.writer.WriteError(message)
}

func (s *sseSink) wroteAny() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote
}

// HandleQuestionStream processes GET /v1/chat/:id/question?prompt=…
// as an SSE stream: zero or more "message" events, then exactly one
// of "close" or "error". The route is a GET so browser EventSource
// clients can consume it directly. An empty prompt regenerates from
// the existing transcript without adding a new turn.
func (h *QuestionHandler) HandleQuestionStream(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleQuestionStream")
	defer span.End()

	session, ok := h.authorizedSession(ctx, c)
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("chat.id", session.ID),
		attribute.String("chat.model", session.Params.Model),
	)

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	started := time.Now()
	if h.metrics != nil {
		h.metrics.StreamStarted(observability.TransportSSE)
		defer h.metrics.StreamEnded(observability.TransportSSE)
	}

	done := make(chan struct{})
	defer close(done)
	go h.runHeartbeat(writer, done)

	sink := &sseSink{
		writer:    writer,
		chatID:    session.ID,
		transport: observability.TransportSSE,
		metrics:   h.metrics,
		started:   started,
	}
	err = h.orchestrator.Stream(ctx, session, c.Query("prompt"), sink)

	// A turn rejected before any event reached the wire can still be
	// an ordinary HTTP error instead of an empty SSE stream.
	if err != nil && !sink.wroteAny() && errors.Is(err, chats.ErrConflict) {
		h.recordError(observability.TransportSSE, observability.ErrorCodeConflict)
		c.Header("Content-Type", "application/json")
		c.JSON(http.StatusConflict, gin.H{"error": "generation in progress, retry later"})
		return
	}

	h.finishTurn(span, observability.TransportSSE, session.ID, started, err)
}

// HandleQuestion processes the blocking POST /v1/chat/:id/question.
// Identical state transitions to the stream, no incremental events:
// the caller gets the whole answer, or the error text, in one body.
func (h *QuestionHandler) HandleQuestion(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleQuestion")
	defer span.End()

	session, ok := h.authorizedSession(ctx, c)
	if !ok {
		return
	}
	var req datatypes.AskRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		h.recordError(observability.TransportBlocking, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt too large"})
		return
	}

	started := time.Now()
	answer, err := h.orchestrator.Ask(ctx, session, req.Prompt)
	h.finishTurn(span, observability.TransportBlocking, session.ID, started, err)
	if err != nil {
		switch {
		case errors.Is(err, chats.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "generation in progress, retry later"})
		case errors.Is(err, models.ErrModelUnavailable):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, datatypes.AskResponse{ChatID: session.ID, Answer: answer})
}

// runHeartbeat writes keepalive comments until done closes. Write
// failures stop the loop; the stream itself will notice the dead
// connection on its next fragment.
func (h *QuestionHandler) runHeartbeat(writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}
			if h.metrics != nil {
				h.metrics.RecordKeepAlive(observability.TransportSSE)
			}
		}
	}
}

// finishTurn records the turn's outcome on the span and metrics.
func (h *QuestionHandler) finishTurn(span trace.Span, transport observability.Transport, chatID string, started time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("question turn failed", "chat_id", chatID, "transport", string(transport), "error", err)
		h.recordError(transport, classifyError(err))
	}
	if h.metrics != nil {
		h.metrics.RecordRequest(transport, err == nil)
		h.metrics.RecordStreamDuration(transport, time.Since(started).Seconds(), err == nil)
	}
}

func (h *QuestionHandler) recordError(transport observability.Transport, code observability.ErrorCode) {
	if h.metrics != nil {
		h.metrics.RecordError(transport, code)
	}
}

// classifyError maps a turn failure onto its metrics category.
func classifyError(err error) observability.ErrorCode {
	switch {
	case errors.Is(err, chats.ErrConflict):
		return observability.ErrorCodeConflict
	case errors.Is(err, models.ErrModelUnavailable):
		return observability.ErrorCodeModelUnavailable
	case errors.Is(err, generation.ErrGenerationFailure):
		return observability.ErrorCodeGeneration
	default:
		return observability.ErrorCodeInternal
	}
}

// authorizedSession mirrors ChatHandler.authorizedSession for the
// question routes.
func (h *QuestionHandler) authorizedSession(ctx context.Context, c *gin.Context) (*chats.Session, bool) {
	chatID := c.Param("id")
	user := middleware.GetIdentity(c)

	if err := h.registry.Authorize(ctx, user.Username, chatID); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "chat access denied"})
		return nil, false
	}
	session, err := h.registry.Get(ctx, chatID)
	if err != nil {
		if errors.Is(err, chats.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return nil, false
		}
		slog.Error("session read failed", "chat_id", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chat"})
		return nil, false
	}
	return session, true
}
