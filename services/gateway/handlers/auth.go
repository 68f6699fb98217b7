// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the gateway's HTTP endpoints.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/kodiak/pkg/extensions"
	"github.com/AleutianAI/kodiak/services/auth"
	"github.com/AleutianAI/kodiak/services/gateway/datatypes"
	"github.com/AleutianAI/kodiak/services/gateway/middleware"
)

var authTracer = otel.Tracer("kodiak.gateway.handlers.auth")

// AuthHandler serves the interactive login surface. This is the only
// part of the gateway that reports credential failures to the caller;
// everywhere else a bad token degrades to the anonymous identity.
type AuthHandler struct {
	gate         *auth.Gate
	secureCookie bool
	audit        extensions.AuditLogger
}

// NewAuthHandler creates the login/logout/me handler set. Panics on a
// nil gate. secureCookie should only be false for plain-HTTP local
// deployments.
func NewAuthHandler(gate *auth.Gate, secureCookie bool, audit extensions.AuditLogger) *AuthHandler {
	if gate == nil {
		panic("NewAuthHandler: gate must not be nil")
	}
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	return &AuthHandler{gate: gate, secureCookie: secureCookie, audit: audit}
}

// HandleLogin processes POST /v1/auth/login. On success it sets the
// HTTP-only, SameSite=Strict session cookie and also returns the
// token in the body for non-browser clients. Unknown user and wrong
// password are the same 401.
func (h *AuthHandler) HandleLogin(c *gin.Context) {
	ctx, span := authTracer.Start(c.Request.Context(), "HandleLogin")
	defer span.End()

	var req datatypes.LoginRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	user, err := h.gate.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		h.recordAudit(c, extensions.AuditEvent{
			EventType: "auth.login",
			Username:  req.Username,
			Outcome:   "denied",
		})
		if errors.Is(err, auth.ErrAuthFailure) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("login failed against the user store", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication unavailable"})
		return
	}

	token, err := h.gate.IssueToken(user.Username)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("token issue failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication unavailable"})
		return
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.TokenCookie, token,
		int(h.gate.TokenTTL().Seconds()), "/", "", h.secureCookie, true)

	h.recordAudit(c, extensions.AuditEvent{
		EventType: "auth.login",
		Username:  user.Username,
		Outcome:   "success",
	})
	c.JSON(http.StatusOK, datatypes.LoginResponse{Token: token, Username: user.Username})
}

// HandleLogout processes POST /v1/auth/logout: it instructs the
// client to drop the cookie. Tokens are stateless, so there is
// nothing to revoke server-side.
func (h *AuthHandler) HandleLogout(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.TokenCookie, "", -1, "/", "", h.secureCookie, true)

	if user := middleware.GetIdentity(c); user != nil && !user.Anonymous {
		h.recordAudit(c, extensions.AuditEvent{
			EventType: "auth.logout",
			Username:  user.Username,
			Outcome:   "success",
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

// HandleMe processes GET /v1/auth/me, echoing the resolved identity,
// anonymous included.
func (h *AuthHandler) HandleMe(c *gin.Context) {
	user := middleware.GetIdentity(c)
	if user == nil {
		// Identity middleware is not in front of this route. That is
		// a wiring bug, not a caller error.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity not resolved"})
		return
	}
	c.JSON(http.StatusOK, datatypes.IdentityResponse{
		Username:  user.Username,
		Anonymous: user.Anonymous,
	})
}

func (h *AuthHandler) recordAudit(c *gin.Context, event extensions.AuditEvent) {
	if err := h.audit.Record(c.Request.Context(), event); err != nil {
		slog.Warn("audit record failed", "event_type", event.EventType, "error", err)
	}
}
