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
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/kodiak/services/chats"
	"github.com/AleutianAI/kodiak/services/gateway/datatypes"
	"github.com/AleutianAI/kodiak/services/gateway/middleware"
	"github.com/AleutianAI/kodiak/services/models"
)

var chatTracer = otel.Tracer("kodiak.gateway.handlers.chats")

// ChatHandler serves the session CRUD surface. Ownership is enforced
// through the registry before any chat-scoped read or write; a chat
// the caller does not own answers 401 whether or not it exists.
type ChatHandler struct {
	registry *chats.Registry
	history  *chats.History
	library  *models.Library
}

// NewChatHandler creates the session handler set. Panics on nil
// dependencies (programming errors).
func NewChatHandler(registry *chats.Registry, history *chats.History, library *models.Library) *ChatHandler {
	if registry == nil {
		panic("NewChatHandler: registry must not be nil")
	}
	if history == nil {
		panic("NewChatHandler: history must not be nil")
	}
	if library == nil {
		panic("NewChatHandler: library must not be nil")
	}
	return &ChatHandler{registry: registry, history: history, library: library}
}

// HandleCreateChat processes POST /v1/chat. Absent fields take the
// canonical defaults; the model artifact must exist on disk before a
// session for it can be created.
func (h *ChatHandler) HandleCreateChat(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "HandleCreateChat")
	defer span.End()

	var req datatypes.CreateChatRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat parameters"})
		return
	}

	params := req.Parameters()
	if _, err := h.library.Resolve(params.Model); err != nil {
		if errors.Is(err, models.ErrModelUnavailable) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := middleware.GetIdentity(c)
	session, err := h.registry.Create(ctx, user.Username, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("chat creation failed", "owner", user.Username, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create chat"})
		return
	}

	span.SetAttributes(attribute.String("chat.id", session.ID))
	c.JSON(http.StatusCreated, datatypes.CreateChatResponse{ChatID: session.ID})
}

// HandleListChats processes GET /v1/chat: summaries of the caller's
// sessions, newest first.
func (h *ChatHandler) HandleListChats(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "HandleListChats")
	defer span.End()

	user := middleware.GetIdentity(c)
	summaries, err := h.registry.List(ctx, user.Username)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("chat listing failed", "owner", user.Username, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chats"})
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// HandleGetChat processes GET /v1/chat/:id: the full session record
// plus its transcript.
func (h *ChatHandler) HandleGetChat(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "HandleGetChat")
	defer span.End()

	session, ok := h.authorizedSession(ctx, c)
	if !ok {
		return
	}
	transcript, err := h.history.ReadAll(ctx, session.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read transcript"})
		return
	}
	c.JSON(http.StatusOK, datatypes.SessionResponse{
		ID:        session.ID,
		Owner:     session.Owner,
		CreatedAt: session.CreatedAt,
		Params:    session.Params,
		History:   transcript,
	})
}

// HandleGetHistory processes GET /v1/chat/:id/history: the ordered
// transcript only.
func (h *ChatHandler) HandleGetHistory(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "HandleGetHistory")
	defer span.End()

	session, ok := h.authorizedSession(ctx, c)
	if !ok {
		return
	}
	transcript, err := h.history.ReadAll(ctx, session.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read transcript"})
		return
	}
	c.JSON(http.StatusOK, transcript)
}

// HandleTruncate processes DELETE /v1/chat/:id/messages?index=N,
// keeping only the first N messages. A cutoff that races a live
// generation answers 409 so the caller can retry once the stream
// settles.
func (h *ChatHandler) HandleTruncate(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "HandleTruncate")
	defer span.End()

	session, ok := h.authorizedSession(ctx, c)
	if !ok {
		return
	}
	idx, err := strconv.Atoi(c.Query("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be an integer"})
		return
	}

	if err := h.history.TruncateBefore(ctx, session.Owner, session.ID, idx); err != nil {
		if errors.Is(err, chats.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to truncate transcript"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "kept": idx})
}

// HandleDeleteChat processes DELETE /v1/chat/:id. Idempotent: the
// second delete of the same id is also a success.
func (h *ChatHandler) HandleDeleteChat(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "HandleDeleteChat")
	defer span.End()

	chatID := c.Param("id")
	user := middleware.GetIdentity(c)
	if err := h.registry.Authorize(ctx, user.Username, chatID); err != nil {
		// An already-deleted chat is absent from the caller's refs.
		// Deleting it again must stay a no-op success; only a chat
		// someone else still owns is denied.
		if _, getErr := h.registry.Get(ctx, chatID); errors.Is(getErr, chats.ErrNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_chat_id": chatID})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "chat access denied"})
		return
	}

	if err := h.registry.Delete(ctx, user.Username, chatID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("chat deletion failed", "chat_id", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete chat"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_chat_id": chatID})
}

// HandleDeleteAllChats processes DELETE /v1/chat for the caller.
// Per-chat failures are reported, not discarded.
func (h *ChatHandler) HandleDeleteAllChats(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "HandleDeleteAllChats")
	defer span.End()

	user := middleware.GetIdentity(c)
	deleted, err := h.registry.DeleteAll(ctx, user.Username)

	resp := datatypes.DeleteAllResponse{Deleted: deleted}
	if err != nil {
		span.RecordError(err)
		resp.Failed = map[string]string{"summary": err.Error()}
		c.JSON(http.StatusMultiStatus, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// authorizedSession resolves :id and checks ownership, writing the
// error response itself. Ownership is checked before existence so the
// two denials are indistinguishable to a probing caller.
func (h *ChatHandler) authorizedSession(ctx context.Context, c *gin.Context) (*chats.Session, bool) {
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
