// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const chatSetKey = "chats"

// RedisStore keeps sessions and transcripts in Redis: the session
// blob at chat:{id}, the existence set at "chats", and the
// transcript as the native list chat:{id}:history so truncation is a
// single LTRIM instead of clear-and-replay.
//
// The client is the shared pool opened at startup.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func sessionKey(id string) string {
	return "chat:" + id
}

func historyKey(id string) string {
	return "chat:" + id + ":history"
}

func (s *RedisStore) PutSession(ctx context.Context, session Session) error {
	blob, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(session.ID), blob, 0).Err(); err != nil {
		return fmt.Errorf("write session %s: %w", session.ID, err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &session, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) AddID(ctx context.Context, id string) error {
	if err := s.rdb.SAdd(ctx, chatSetKey, id).Err(); err != nil {
		return fmt.Errorf("register chat %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) HasID(ctx context.Context, id string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, chatSetKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("check chat %s: %w", id, err)
	}
	return ok, nil
}

func (s *RedisStore) RemoveID(ctx context.Context, id string) error {
	if err := s.rdb.SRem(ctx, chatSetKey, id).Err(); err != nil {
		return fmt.Errorf("unregister chat %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	blob, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := s.rdb.RPush(ctx, historyKey(id), blob).Err(); err != nil {
		return fmt.Errorf("append message to %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) ReadMessages(ctx context.Context, id string) ([]Message, error) {
	raw, err := s.rdb.LRange(ctx, historyKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", id, err)
	}
	messages := make([]Message, 0, len(raw))
	for _, entry := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message in %s: %w", id, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisStore) LastMessage(ctx context.Context, id string) (*Message, error) {
	raw, err := s.rdb.LRange(ctx, historyKey(id), -1, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read transcript tail %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw[0]), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message in %s: %w", id, err)
	}
	return &msg, nil
}

func (s *RedisStore) MessageCount(ctx context.Context, id string) (int, error) {
	n, err := s.rdb.LLen(ctx, historyKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("count transcript %s: %w", id, err)
	}
	return int(n), nil
}

func (s *RedisStore) KeepMessages(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return s.ClearMessages(ctx, id)
	}
	if err := s.rdb.LTrim(ctx, historyKey(id), 0, int64(n-1)).Err(); err != nil {
		return fmt.Errorf("trim transcript %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) ClearMessages(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, historyKey(id)).Err(); err != nil {
		return fmt.Errorf("clear transcript %s: %w", id, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
