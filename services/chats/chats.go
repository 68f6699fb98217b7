// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chats is the durable catalog of chat sessions: who owns
// them, what parameters they carry, and the ordered transcript of
// every turn.
//
// Persistence splits two ways. The key-value Store holds the session
// blob, a global existence set of live chat ids, and the per-chat
// transcript list; the relational RefStore holds the ownership rows
// that form the authorization boundary. Redis and the embedded
// BadgerDB implement the Store; PostgreSQL and BadgerDB implement the
// RefStore, so a single-node deployment can run entirely embedded.
package chats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/kodiak/pkg/extensions"
)

var (
	// ErrNotFound marks an unknown chat id: absent from the existence
	// set, even if a stale blob lingers.
	ErrNotFound = errors.New("chat not found")

	// ErrConflict rejects a structural transcript operation that
	// races a live generation (or another truncation).
	ErrConflict = errors.New("conflict: transcript busy")

	// ErrUnauthorized covers a valid identity asking for a chat it
	// does not own. It wraps the extensions sentinel so deployment
	// seams can branch on either.
	ErrUnauthorized = fmt.Errorf("chat access denied: %w", extensions.ErrUnauthorized)
)

// Role tags a transcript message.
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
)

// Message is one transcript entry. Position is implicit: the
// transcript is an ordered log and position is the unit of
// truncation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Parameters is the immutable-after-creation sampling configuration
// a session carries.
type Parameters struct {
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature"`
	TopK          int     `json:"top_k"`
	TopP          float64 `json:"top_p"`
	MaxLength     int     `json:"max_length"`
	ContextWindow int     `json:"context_window"`
	RepeatLastN   int     `json:"repeat_last_n"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	Threads       int     `json:"n_threads"`
	GPULayers     int     `json:"gpu_layers"`
	InitPrompt    string  `json:"init_prompt"`
}

// DefaultInitPrompt is the system preamble used when a session is
// created without one.
const DefaultInitPrompt = "Below is an instruction that describes a task. Write a response that appropriately completes the request."

// DefaultParameters returns the canonical defaults for every field.
func DefaultParameters() Parameters {
	return Parameters{
		Model:         "7B",
		Temperature:   0.1,
		TopK:          50,
		TopP:          0.95,
		MaxLength:     2048,
		ContextWindow: 2048,
		RepeatLastN:   64,
		RepeatPenalty: 1.3,
		Threads:       4,
		GPULayers:     0,
		InitPrompt:    DefaultInitPrompt,
	}
}

// Session is the per-chat record serialized as one blob keyed by
// chat id.
type Session struct {
	ID        string     `json:"id"`
	Owner     string     `json:"owner"`
	CreatedAt time.Time  `json:"created_at"`
	Params    Parameters `json:"params"`
}

// Summary is the list-view projection of a session.
type Summary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Model     string    `json:"model"`
	Subtitle  string    `json:"subtitle"`
}

// Ref is the relational ownership row, the authorization boundary
// for every chat operation.
type Ref struct {
	ChatID    string
	Owner     string
	Model     string
	CreatedAt time.Time
}

// Store is the key-value side: session blobs, the existence set, and
// per-chat transcripts. Implementations map their native "missing
// key" onto ErrNotFound for GetSession and treat deletes of absent
// data as success.
type Store interface {
	PutSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error

	AddID(ctx context.Context, id string) error
	HasID(ctx context.Context, id string) (bool, error)
	RemoveID(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, id string, msg Message) error
	ReadMessages(ctx context.Context, id string) ([]Message, error)
	LastMessage(ctx context.Context, id string) (*Message, error)
	MessageCount(ctx context.Context, id string) (int, error)

	// KeepMessages retains only the first n transcript entries using
	// the store's native trim primitive. n == 0 empties the
	// transcript.
	KeepMessages(ctx context.Context, id string, n int) error
	ClearMessages(ctx context.Context, id string) error
}

// RefStore is the relational side: ownership rows per chat.
type RefStore interface {
	InsertRef(ctx context.Context, ref Ref) error

	// DeleteRef is idempotent: removing an absent row succeeds.
	DeleteRef(ctx context.Context, chatID string) error

	// ListRefs returns the owner's refs ordered created_at
	// descending.
	ListRefs(ctx context.Context, owner string) ([]Ref, error)
}
