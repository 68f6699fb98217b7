// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/chats"
)

func ptr[T any](v T) *T { return &v }

func TestCreateChatRequest_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     CreateChatRequest
		wantErr bool
	}{
		{name: "empty_is_valid", req: CreateChatRequest{}},
		{name: "full_valid", req: CreateChatRequest{
			Model:       ptr("7B"),
			Temperature: ptr(0.7),
			TopK:        ptr(40),
			TopP:        ptr(0.9),
			MaxLength:   ptr(512),
			InitPrompt:  ptr("You are concise."),
		}},
		{name: "negative_temperature", req: CreateChatRequest{Temperature: ptr(-0.1)}, wantErr: true},
		{name: "top_p_above_one", req: CreateChatRequest{TopP: ptr(1.5)}, wantErr: true},
		{name: "zero_max_length", req: CreateChatRequest{MaxLength: ptr(0)}, wantErr: true},
		{name: "empty_model", req: CreateChatRequest{Model: ptr("")}, wantErr: true},
		{name: "oversized_init_prompt", req: CreateChatRequest{
			InitPrompt: ptr(strings.Repeat("x", MaxInitPromptBytes+1)),
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateChatRequest_Parameters_Defaults(t *testing.T) {
	t.Parallel()

	var req CreateChatRequest
	assert.Equal(t, chats.DefaultParameters(), req.Parameters())
}

func TestCreateChatRequest_Parameters_Overrides(t *testing.T) {
	t.Parallel()

	req := CreateChatRequest{
		Model:       ptr("13B"),
		Temperature: ptr(0.9),
		InitPrompt:  ptr("X"),
	}
	p := req.Parameters()
	assert.Equal(t, "13B", p.Model)
	assert.Equal(t, 0.9, p.Temperature)
	assert.Equal(t, "X", p.InitPrompt)

	// Untouched fields keep their defaults.
	defaults := chats.DefaultParameters()
	assert.Equal(t, defaults.TopK, p.TopK)
	assert.Equal(t, defaults.MaxLength, p.MaxLength)
	assert.Equal(t, defaults.RepeatPenalty, p.RepeatPenalty)
}

func TestAskRequest_Validate(t *testing.T) {
	t.Parallel()

	// Empty prompt means regenerate; it must validate.
	require.NoError(t, (&AskRequest{}).Validate())
	require.NoError(t, (&AskRequest{Prompt: "hello"}).Validate())

	oversized := AskRequest{Prompt: strings.Repeat("y", MaxPromptBytes+1)}
	assert.Error(t, oversized.Validate())
}

func TestLoginRequest_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, (&LoginRequest{Username: "alice", Password: "pw"}).Validate())
	assert.Error(t, (&LoginRequest{Password: "pw"}).Validate(), "username is required")
	// Passwordless accounts submit an empty password.
	assert.NoError(t, (&LoginRequest{Username: "alice"}).Validate())
}
