// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/auth"
	"github.com/AleutianAI/kodiak/services/chats"
	"github.com/AleutianAI/kodiak/services/generation"
	"github.com/AleutianAI/kodiak/services/gateway/middleware"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/models"
	"github.com/AleutianAI/kodiak/services/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedEngine answers every request with the same fragments, or
// fails with err after delivering them.
type scriptedEngine struct {
	fragments []string
	err       error
}

func (e *scriptedEngine) Complete(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	var answer string
	for _, fragment := range e.fragments {
		answer += fragment
	}
	return answer, nil
}

func (e *scriptedEngine) CompleteStream(_ context.Context, _ string, _ llm.GenerationParams, callback llm.StreamCallback) error {
	for _, fragment := range e.fragments {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: fragment}); err != nil {
			return err
		}
	}
	return e.err
}

// gatewayFixture is the full storage-to-orchestrator stack the
// handlers sit on, backed by in-memory Badger and a weights directory
// holding 7B.gguf.
type gatewayFixture struct {
	registry *chats.Registry
	history  *chats.History
	locks    *chats.Locks
	library  *models.Library
	engine   *scriptedEngine
	orch     *generation.Orchestrator
	ctx      context.Context
}

func newGatewayFixture(t *testing.T, engine *scriptedEngine) *gatewayFixture {
	t.Helper()
	// The orchestrator allocates its answer buffer per turn; the
	// plain fallback keeps the tests independent of mlock limits.
	t.Setenv("KODIAK_INSECURE_MEMORY", "true")

	db, err := storage.OpenBadger(storage.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := chats.NewBadgerStore(db)
	refs := chats.NewBadgerRefStore(db)
	registry, err := chats.NewRegistry(store, refs, nil, nil)
	require.NoError(t, err)

	locks := chats.NewLocks()
	history, err := chats.NewHistory(store, locks, nil, nil)
	require.NoError(t, err)

	weightsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(weightsDir, "7B.gguf"), []byte("weights"), 0o600))
	library, err := models.NewLibrary(weightsDir, nil)
	require.NoError(t, err)

	if engine == nil {
		engine = &scriptedEngine{fragments: []string{"ok"}}
	}
	orch := generation.NewOrchestrator(engine, library, history, locks, generation.DefaultConfig(), nil)

	return &gatewayFixture{
		registry: registry,
		history:  history,
		locks:    locks,
		library:  library,
		engine:   engine,
		orch:     orch,
		ctx:      context.Background(),
	}
}

// createChat seeds one session for owner with default parameters.
func (f *gatewayFixture) createChat(t *testing.T, owner string) *chats.Session {
	t.Helper()
	session, err := f.registry.Create(f.ctx, owner, chats.DefaultParameters())
	require.NoError(t, err)
	return session
}

// asUser injects a resolved identity ahead of the handler, standing
// in for the Identity middleware.
func asUser(username string) gin.HandlerFunc {
	return func(c *gin.Context) {
		middleware.SetIdentity(c, &auth.User{Username: username})
		c.Next()
	}
}
