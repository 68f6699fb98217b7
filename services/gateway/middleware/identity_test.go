// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/pkg/extensions"
	"github.com/AleutianAI/kodiak/services/auth"
	"github.com/AleutianAI/kodiak/services/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestGate builds a Gate over an in-memory user store with one
// known user "alice".
func newTestGate(t *testing.T) *auth.Gate {
	t.Helper()
	db, err := storage.OpenBadger(storage.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := auth.NewBadgerUserStore(db)
	_, err = store.CreateUser(context.Background(), "alice", []auth.AuthCredential{
		{Kind: auth.CredentialPasswordless},
	})
	require.NoError(t, err)

	gate, err := auth.NewGate(store, auth.Config{Secret: []byte("test-secret")}, nil)
	require.NoError(t, err)
	return gate
}

// identityRouter wires the middleware in front of a handler that
// echoes the resolved username.
func identityRouter(gate *auth.Gate) *gin.Engine {
	return providerRouter(gate, gate.Anonymous())
}

// providerRouter is identityRouter over an arbitrary provider seam.
func providerRouter(provider extensions.AuthProvider, fallback *auth.User) *gin.Engine {
	router := gin.New()
	router.Use(Identity(provider, fallback))
	router.GET("/whoami", func(c *gin.Context) {
		user := GetIdentity(c)
		c.JSON(http.StatusOK, gin.H{"username": user.Username, "anonymous": user.Anonymous})
	})
	return router
}

func TestIdentity_CookieToken(t *testing.T) {
	t.Parallel()
	gate := newTestGate(t)
	token, err := gate.IssueToken("alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: TokenCookie, Value: token})
	w := httptest.NewRecorder()
	identityRouter(gate).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)
	assert.Contains(t, w.Body.String(), `"anonymous":false`)
}

func TestIdentity_BearerFallback(t *testing.T) {
	t.Parallel()
	gate := newTestGate(t)
	token, err := gate.IssueToken("alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	identityRouter(gate).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)
}

func TestIdentity_NoTokenIsAnonymous(t *testing.T) {
	t.Parallel()
	gate := newTestGate(t)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	identityRouter(gate).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"system"`)
	assert.Contains(t, w.Body.String(), `"anonymous":true`)
}

func TestIdentity_GarbageTokenNeverRejects(t *testing.T) {
	t.Parallel()
	gate := newTestGate(t)

	tests := []struct {
		name  string
		setup func(req *http.Request)
	}{
		{name: "malformed_cookie", setup: func(req *http.Request) {
			req.AddCookie(&http.Cookie{Name: TokenCookie, Value: "not-a-jwt"})
		}},
		{name: "malformed_bearer", setup: func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer %%%")
		}},
		{name: "wrong_scheme", setup: func(req *http.Request) {
			req.Header.Set("Authorization", "Basic dXNlcjpwdw==")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			identityRouter(gate).ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), `"anonymous":true`)
		})
	}
}

func TestIdentity_CookieWinsOverBearer(t *testing.T) {
	t.Parallel()
	gate := newTestGate(t)
	token, err := gate.IssueToken("alice")
	require.NoError(t, err)

	// A stale bearer header next to a valid cookie: cookie wins.
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: TokenCookie, Value: token})
	req.Header.Set("Authorization", "Bearer stale-garbage")
	w := httptest.NewRecorder()
	identityRouter(gate).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)
}

func TestGetIdentity_NotSet(t *testing.T) {
	t.Parallel()
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetIdentity(c))
}

// TestIdentity_SwappedProvider runs the middleware over a provider
// that is not the gate, the way a site-specific build would.
func TestIdentity_SwappedProvider(t *testing.T) {
	t.Parallel()
	provider := &extensions.StaticAuthProvider{
		Identity: &extensions.AuthInfo{Username: "sso-user"},
	}

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	providerRouter(provider, &auth.User{Username: "system", Anonymous: true}).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"sso-user"`)
	assert.Contains(t, w.Body.String(), `"anonymous":false`)
}

// TestIdentity_ProviderRejectionFallsBack checks the fallback policy
// applies after the provider turns a token down, not instead of it.
func TestIdentity_ProviderRejectionFallsBack(t *testing.T) {
	t.Parallel()
	fallback := &auth.User{Username: "system", Anonymous: true}

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	w := httptest.NewRecorder()
	providerRouter(&extensions.RejectingAuthProvider{}, fallback).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"system"`)
	assert.Contains(t, w.Body.String(), `"anonymous":true`)
}

func TestIdentity_NilArgsPanic(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { Identity(nil, &auth.User{Username: "system"}) })
	assert.Panics(t, func() { Identity(&extensions.RejectingAuthProvider{}, nil) })
}
