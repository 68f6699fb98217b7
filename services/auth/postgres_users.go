// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/AleutianAI/kodiak/services/storage"
)

const pgUniqueViolation = "23505"

// PostgresUserStore persists accounts in the shared relational pool.
type PostgresUserStore struct {
	db *sql.DB
}

// NewPostgresUserStore binds the store to the shared pool opened at
// startup.
func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) GetUser(ctx context.Context, username string) (*User, error) {
	user := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT username, created_at FROM users WHERE username = $1`,
		username,
	).Scan(&user.Username, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT variant, secret FROM auth_credentials WHERE username = $1 ORDER BY variant`,
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cred AuthCredential
		if err := rows.Scan(&cred.Kind, &cred.SecretHash); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		user.Credentials = append(user.Credentials, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return user, nil
}

func (s *PostgresUserStore) CreateUser(ctx context.Context, username string, creds []AuthCredential) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("username is empty")
	}

	user := &User{Username: username, Credentials: creds}
	err := storage.WithTx(ctx, s.db, nil, func(ctx context.Context, tx storage.DBTX) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO users (username) VALUES ($1) RETURNING created_at`,
			username,
		).Scan(&user.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return ErrUserExists
			}
			return fmt.Errorf("insert user: %w", err)
		}

		for _, cred := range creds {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO auth_credentials (username, variant, secret) VALUES ($1, $2, $3)`,
				username, int(cred.Kind), cred.SecretHash,
			)
			if err != nil {
				return fmt.Errorf("insert credential: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *PostgresUserStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, created_at FROM users ORDER BY username`,
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.Username, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	return users, nil
}

var _ UserStore = (*PostgresUserStore)(nil)
