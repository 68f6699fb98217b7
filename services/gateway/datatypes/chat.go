// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides request and response types for the
// gateway service.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/kodiak/services/chats"
)

const (
	// MaxPromptBytes is the maximum size of one submitted question.
	// Checked in bytes, not runes, to bound memory per request.
	MaxPromptBytes = 32 * 1024

	// MaxInitPromptBytes bounds the system preamble supplied at
	// session creation.
	MaxInitPromptBytes = 16 * 1024
)

// chatValidate is the validator instance for gateway datatypes.
// Initialized in init() with the custom byte-size validator.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("maxinitbytes", validateMaxInitBytes)
}

// validateMaxBytes enforces the prompt byte ceiling. Checked in
// bytes, not runes, so oversized multi-byte payloads are caught too.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxPromptBytes
}

// validateMaxInitBytes enforces the init prompt byte ceiling.
func validateMaxInitBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxInitPromptBytes
}

// CreateChatRequest is the body for POST /v1/chat. Every field is
// optional; absent fields take the canonical session defaults, so an
// empty JSON object creates a usable 7B session.
type CreateChatRequest struct {
	Model         *string  `json:"model,omitempty" validate:"omitempty,min=1,max=128"`
	Temperature   *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopK          *int     `json:"top_k,omitempty" validate:"omitempty,gte=0,lte=1000"`
	TopP          *float64 `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxLength     *int     `json:"max_length,omitempty" validate:"omitempty,gt=0,lte=65536"`
	ContextWindow *int     `json:"context_window,omitempty" validate:"omitempty,gt=0,lte=1048576"`
	RepeatLastN   *int     `json:"repeat_last_n,omitempty" validate:"omitempty,gte=0,lte=65536"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty" validate:"omitempty,gte=0,lte=10"`
	Threads       *int     `json:"n_threads,omitempty" validate:"omitempty,gt=0,lte=1024"`
	GPULayers     *int     `json:"gpu_layers,omitempty" validate:"omitempty,gte=0,lte=1024"`
	InitPrompt    *string  `json:"init_prompt,omitempty" validate:"omitempty,maxinitbytes"`
}

// Validate checks the request fields against their tags.
func (r *CreateChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// Parameters folds the request over the canonical defaults into the
// immutable session parameter set.
func (r *CreateChatRequest) Parameters() chats.Parameters {
	p := chats.DefaultParameters()
	if r.Model != nil {
		p.Model = *r.Model
	}
	if r.Temperature != nil {
		p.Temperature = *r.Temperature
	}
	if r.TopK != nil {
		p.TopK = *r.TopK
	}
	if r.TopP != nil {
		p.TopP = *r.TopP
	}
	if r.MaxLength != nil {
		p.MaxLength = *r.MaxLength
	}
	if r.ContextWindow != nil {
		p.ContextWindow = *r.ContextWindow
	}
	if r.RepeatLastN != nil {
		p.RepeatLastN = *r.RepeatLastN
	}
	if r.RepeatPenalty != nil {
		p.RepeatPenalty = *r.RepeatPenalty
	}
	if r.Threads != nil {
		p.Threads = *r.Threads
	}
	if r.GPULayers != nil {
		p.GPULayers = *r.GPULayers
	}
	if r.InitPrompt != nil {
		p.InitPrompt = *r.InitPrompt
	}
	return p
}

// CreateChatResponse carries the new chat id.
type CreateChatResponse struct {
	ChatID string `json:"chat_id"`
}

// AskRequest is the body for the blocking POST /v1/chat/:id/question.
// An empty prompt regenerates from the existing transcript without
// adding a new turn.
type AskRequest struct {
	Prompt string `json:"prompt" validate:"maxbytes"`
}

// Validate checks the request fields against their tags.
func (r *AskRequest) Validate() error {
	return chatValidate.Struct(r)
}

// AskResponse is the blocking answer: the full assistant text for the
// turn that was just committed to the transcript.
type AskResponse struct {
	ChatID string `json:"chat_id"`
	Answer string `json:"answer"`
}

// SessionResponse is the full session record plus transcript, the
// body of GET /v1/chat/:id.
type SessionResponse struct {
	ID        string           `json:"id"`
	Owner     string           `json:"owner"`
	CreatedAt time.Time        `json:"created_at"`
	Params    chats.Parameters `json:"params"`
	History   []chats.Message  `json:"history"`
}

// LoginRequest is the body for POST /v1/auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required,min=1,max=128"`
	Password string `json:"password" validate:"max=1024"`
}

// Validate checks the request fields against their tags.
func (r *LoginRequest) Validate() error {
	return chatValidate.Struct(r)
}

// LoginResponse returns the bearer token next to the cookie so
// non-browser clients can use the API without cookie handling.
type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// IdentityResponse is the body of GET /v1/auth/me.
type IdentityResponse struct {
	Username  string `json:"username"`
	Anonymous bool   `json:"anonymous"`
}

// StreamEvent is one SSE or WebSocket frame of a streaming question.
//
// Type is one of "message" (a fragment), "close" (successful
// terminal), or "error" (failure terminal). Every event carries a
// SHA-256 hash and the previous event's hash, forming a per-stream
// chain a client can verify after reconnecting to the transcript.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	ChatId    string `json:"chat_id,omitempty"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash,omitempty"`
}

// DeleteAllResponse reports bulk deletion per chat instead of a
// single best-effort status.
type DeleteAllResponse struct {
	Deleted []string          `json:"deleted"`
	Failed  map[string]string `json:"failed,omitempty"`
}
