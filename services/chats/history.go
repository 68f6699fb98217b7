// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/AleutianAI/kodiak/pkg/extensions"
)

// History is the transcript surface of a chat. It shares the per-chat
// lock table with the generation path so a truncation cannot land in
// the middle of a streaming turn.
type History struct {
	store  Store
	locks  *Locks
	logger *slog.Logger
	audit  extensions.AuditLogger
}

// NewHistory wires a History over the given store. The lock table must
// be the same instance the generation path holds, otherwise the
// truncation guard is meaningless.
func NewHistory(store Store, locks *Locks, logger *slog.Logger, audit extensions.AuditLogger) (*History, error) {
	if store == nil {
		return nil, fmt.Errorf("chats: history requires a store")
	}
	if locks == nil {
		return nil, fmt.Errorf("chats: history requires the shared lock table")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	return &History{store: store, locks: locks, logger: logger, audit: audit}, nil
}

// Append adds one message to the end of the transcript.
func (h *History) Append(ctx context.Context, chatID string, msg Message) error {
	return h.store.AppendMessage(ctx, chatID, msg)
}

// ReadAll returns the full transcript in insertion order.
func (h *History) ReadAll(ctx context.Context, chatID string) ([]Message, error) {
	return h.store.ReadMessages(ctx, chatID)
}

// TruncateBefore discards every message at index idx and beyond,
// keeping the first idx messages. idx ranges from 0 (empty the
// transcript) to length-1; the full length and beyond cuts nothing
// and is a conflict, as is a transcript currently bound to a
// generation. The store trims in place, so no reader ever observes a
// transcript that is momentarily empty mid-truncation.
func (h *History) TruncateBefore(ctx context.Context, owner, chatID string, idx int) error {
	if !h.locks.TryLock(chatID) {
		return fmt.Errorf("%w: generation in progress for %s", ErrConflict, chatID)
	}
	defer h.locks.Unlock(chatID)

	n, err := h.store.MessageCount(ctx, chatID)
	if err != nil {
		return fmt.Errorf("truncate chat %s: %w", chatID, err)
	}
	if idx < 0 || idx >= n {
		return fmt.Errorf("%w: index %d out of range 0..%d", ErrConflict, idx, n-1)
	}
	if err := h.store.KeepMessages(ctx, chatID, idx); err != nil {
		return fmt.Errorf("truncate chat %s: %w", chatID, err)
	}

	if err := h.audit.Record(ctx, extensions.AuditEvent{
		EventType: "chat.truncated",
		Username:  owner,
		Resource:  chatID,
		Outcome:   "success",
		Detail:    "kept=" + strconv.Itoa(idx),
	}); err != nil {
		h.logger.Warn("audit record failed", "event_type", "chat.truncated", "error", err)
	}
	return nil
}

// Clear empties the transcript without touching the session.
func (h *History) Clear(ctx context.Context, chatID string) error {
	return h.store.ClearMessages(ctx, chatID)
}
