// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chats

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRefStore keeps the ownership rows in the chat_refs table.
// It answers "which chats does this owner hold" without touching the
// transcript store, which is what authorization and listing need.
type PostgresRefStore struct {
	db *sql.DB
}

func NewPostgresRefStore(db *sql.DB) *PostgresRefStore {
	return &PostgresRefStore{db: db}
}

func (s *PostgresRefStore) InsertRef(ctx context.Context, ref Ref) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_refs (chat_id, username, model, created_at) VALUES ($1, $2, $3, $4)`,
		ref.ChatID, ref.Owner, ref.Model, ref.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat ref %s: %w", ref.ChatID, err)
	}
	return nil
}

func (s *PostgresRefStore) DeleteRef(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_refs WHERE chat_id = $1`,
		chatID,
	)
	if err != nil {
		return fmt.Errorf("delete chat ref %s: %w", chatID, err)
	}
	return nil
}

func (s *PostgresRefStore) ListRefs(ctx context.Context, owner string) ([]Ref, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, username, model, created_at FROM chat_refs WHERE username = $1 ORDER BY created_at DESC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat refs for %s: %w", owner, err)
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var ref Ref
		if err := rows.Scan(&ref.ChatID, &ref.Owner, &ref.Model, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chat refs for %s: %w", owner, err)
	}
	return refs, nil
}

var _ RefStore = (*PostgresRefStore)(nil)
