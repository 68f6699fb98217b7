// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/kodiak/pkg/extensions"
)

// deleteAllConcurrency bounds how many chats a bulk delete works on at
// once so a user with hundreds of chats does not stampede the stores.
const deleteAllConcurrency = 4

// Registry owns the chat session lifecycle. Session blobs and
// transcripts live in the Store; ownership rows live in the RefStore.
//
// The two are not joined by a transaction. Creation writes the blob
// side first and the ownership row last, so a crash mid-create leaves
// an orphaned blob that no authorization path can reach rather than a
// listed chat whose blob is missing. Deletion removes the ownership
// row first for the same reason.
type Registry struct {
	store  Store
	refs   RefStore
	logger *slog.Logger
	audit  extensions.AuditLogger
}

// NewRegistry wires a Registry. A nil audit logger disables auditing;
// a nil logger falls back to slog.Default().
func NewRegistry(store Store, refs RefStore, logger *slog.Logger, audit extensions.AuditLogger) (*Registry, error) {
	if store == nil {
		return nil, errors.New("chats: registry requires a store")
	}
	if refs == nil {
		return nil, errors.New("chats: registry requires a ref store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	return &Registry{store: store, refs: refs, logger: logger, audit: audit}, nil
}

// Create allocates a new session for owner. The transcript starts with
// exactly one system message carrying the init prompt.
func (r *Registry) Create(ctx context.Context, owner string, params Parameters) (*Session, error) {
	session := Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
		Params:    params,
	}

	if err := r.store.PutSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	if err := r.store.AddID(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	if err := r.store.AppendMessage(ctx, session.ID, Message{Role: RoleSystem, Content: params.InitPrompt}); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	if err := r.refs.InsertRef(ctx, Ref{
		ChatID:    session.ID,
		Owner:     owner,
		Model:     params.Model,
		CreatedAt: session.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}

	r.recordAudit(ctx, extensions.AuditEvent{
		EventType: "chat.created",
		Username:  owner,
		Resource:  session.ID,
		Outcome:   "success",
		Detail:    "model=" + params.Model,
	})
	return &session, nil
}

// Get loads a session by id. Membership in the existence set is
// checked before the blob read so a stale blob left behind by a
// partial delete still reads as not found.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	known, err := r.store.HasID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.store.GetSession(ctx, id)
}

// Authorize checks that owner holds chatID. The answer comes from the
// owner's own ref list, so asking about someone else's chat and asking
// about a chat that does not exist are the same denial.
func (r *Registry) Authorize(ctx context.Context, owner, chatID string) error {
	refs, err := r.refs.ListRefs(ctx, owner)
	if err != nil {
		return fmt.Errorf("authorize chat: %w", err)
	}
	for _, ref := range refs {
		if ref.ChatID == chatID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, chatID)
}

// Delete removes a session and everything keyed to it. Deleting an
// absent id is a success so bulk deletes stay simple.
func (r *Registry) Delete(ctx context.Context, owner, chatID string) error {
	if err := r.refs.DeleteRef(ctx, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if err := r.store.ClearMessages(ctx, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if err := r.store.DeleteSession(ctx, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if err := r.store.RemoveID(ctx, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}

	r.recordAudit(ctx, extensions.AuditEvent{
		EventType: "chat.deleted",
		Username:  owner,
		Resource:  chatID,
		Outcome:   "success",
	})
	return nil
}

// DeleteAll deletes every chat owner holds and returns the ids that
// were removed. Failures do not stop the sweep; they come back joined
// per chat alongside the successes.
func (r *Registry) DeleteAll(ctx context.Context, owner string) ([]string, error) {
	refs, err := r.refs.ListRefs(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("delete all chats: %w", err)
	}

	results := make([]error, len(refs))
	var g errgroup.Group
	g.SetLimit(deleteAllConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			results[i] = r.Delete(ctx, owner, ref.ChatID)
			return nil
		})
	}
	// Failures live in results; the group only bounds concurrency.
	_ = g.Wait()

	deleted := make([]string, 0, len(refs))
	var failures []error
	for i, ref := range refs {
		if results[i] != nil {
			failures = append(failures, fmt.Errorf("chat %s: %w", ref.ChatID, results[i]))
			continue
		}
		deleted = append(deleted, ref.ChatID)
	}
	return deleted, errors.Join(failures...)
}

// List returns the owner's chats newest first. The subtitle is the
// content of the most recent transcript message, empty when the
// transcript is empty or unreadable.
func (r *Registry) List(ctx context.Context, owner string) ([]Summary, error) {
	refs, err := r.refs.ListRefs(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	summaries := make([]Summary, 0, len(refs))
	for _, ref := range refs {
		subtitle := ""
		last, err := r.store.LastMessage(ctx, ref.ChatID)
		switch {
		case err != nil:
			r.logger.Warn("chat subtitle unavailable", "chat_id", ref.ChatID, "error", err)
		case last != nil:
			subtitle = last.Content
		}
		summaries = append(summaries, Summary{
			ID:        ref.ChatID,
			CreatedAt: ref.CreatedAt,
			Model:     ref.Model,
			Subtitle:  subtitle,
		})
	}
	return summaries, nil
}

func (r *Registry) recordAudit(ctx context.Context, event extensions.AuditEvent) {
	if err := r.audit.Record(ctx, event); err != nil {
		r.logger.Warn("audit record failed", "event_type", event.EventType, "error", err)
	}
}
