// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the gateway service.
//
// The identity middleware resolves every request to a user before the
// handler runs. The token travels in the session cookie for browser
// clients, or an Authorization bearer header for everything else.
// Resolution never rejects a request: a missing or unverifiable token
// degrades to the configured anonymous identity, so self-hosted
// single-user deployments work with zero auth setup. Only the login
// endpoint, which does not use this middleware, reports credential
// failures to the caller.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/kodiak/pkg/extensions"
	"github.com/AleutianAI/kodiak/services/auth"
)

// TokenCookie is the name of the session cookie carrying the access
// token.
const TokenCookie = "token"

// identityKey is the gin context key for the resolved identity.
// Typed key string, matching gin's context conventions.
const identityKey = "kodiak_identity"

// SetIdentity stores the resolved user in the gin context. Called by
// Identity after resolution; tests call it directly.
func SetIdentity(c *gin.Context, user *auth.User) {
	c.Set(identityKey, user)
}

// GetIdentity retrieves the resolved user from the gin context, or
// nil when the identity middleware did not run.
func GetIdentity(c *gin.Context) *auth.User {
	if v, exists := c.Get(identityKey); exists {
		if user, ok := v.(*auth.User); ok {
			return user
		}
	}
	return nil
}

// Identity resolves the request's token through the provider seam and
// stores the resulting user in the context. It never aborts the
// request: any token the provider turns down degrades to the fallback
// identity. The production provider is the JWT gate; deployments swap
// in their own through extensions.ServiceOptions.
func Identity(provider extensions.AuthProvider, fallback *auth.User) gin.HandlerFunc {
	if provider == nil {
		panic("middleware.Identity: provider must not be nil")
	}
	if fallback == nil {
		panic("middleware.Identity: fallback identity must not be nil")
	}
	return func(c *gin.Context) {
		token := extractToken(c)
		SetIdentity(c, auth.ResolveOrAnonymous(c.Request.Context(), provider, fallback, token))
		c.Next()
	}
}

// extractToken finds the access token: session cookie first, then
// the Authorization bearer header. Empty string when neither is
// present or the header is malformed.
func extractToken(c *gin.Context) string {
	if cookie, err := c.Cookie(TokenCookie); err == nil && cookie != "" {
		return cookie
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
