// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config carries the Gate's signing and fallback policy.
type Config struct {
	// Secret signs and verifies tokens. Required.
	Secret []byte

	// TokenTTL is the token validity window. Defaults to 8 hours.
	TokenTTL time.Duration

	// AnonymousUser is the username every unauthenticated or
	// unverifiable request resolves to. Defaults to "system".
	AnonymousUser string
}

// Gate is the identity layer: it issues tokens, resolves them back
// to users, and evaluates interactive logins. The anonymous fallback
// is injected configuration, not a package global, so the degraded
// path is testable like any other.
type Gate struct {
	store     UserStore
	secret    []byte
	ttl       time.Duration
	anonymous string
	logger    *slog.Logger
}

// NewGate validates the config and builds the identity layer.
// logger may be nil.
func NewGate(store UserStore, cfg Config, logger *slog.Logger) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("user store is nil")
	}
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("token secret is empty")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 8 * time.Hour
	}
	if cfg.AnonymousUser == "" {
		cfg.AnonymousUser = "system"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:     store,
		secret:    cfg.Secret,
		ttl:       cfg.TokenTTL,
		anonymous: cfg.AnonymousUser,
		logger:    logger,
	}, nil
}

// TokenTTL returns the configured token validity window. Handlers
// use it to size the cookie lifetime.
func (g *Gate) TokenTTL() time.Duration {
	return g.ttl
}

// Anonymous returns a fresh copy of the fallback identity.
func (g *Gate) Anonymous() *User {
	return &User{Username: g.anonymous, Anonymous: true}
}

// ResolveOrAnonymous never fails: an absent, malformed, expired, or
// otherwise unverifiable token resolves to the anonymous identity.
// This is the package-level policy applied with the gate as its own
// provider.
func (g *Gate) ResolveOrAnonymous(ctx context.Context, token string) *User {
	return ResolveOrAnonymous(ctx, g, g.Anonymous(), token)
}

// Authenticate evaluates an interactive login against the user's
// credential variants in fixed precedence order: passwordless first
// (grants for any submitted password), then password (bcrypt
// compare), then reserved (never grants). Unknown user and no
// matching credential are the same ErrAuthFailure, so responses
// cannot be used to probe for usernames. The anonymous identity
// never authenticates interactively.
func (g *Gate) Authenticate(ctx context.Context, username, password string) (*User, error) {
	if username == g.anonymous {
		return nil, ErrAuthFailure
	}

	user, err := g.store.GetUser(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrAuthFailure
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	for _, kind := range kindPrecedence {
		for _, cred := range user.Credentials {
			if cred.Kind != kind {
				continue
			}
			if cred.grants(password) {
				granted := *user
				granted.Credentials = nil
				return &granted, nil
			}
		}
	}
	return nil, ErrAuthFailure
}

// EnsureAnonymousUser provisions the fallback identity with zero
// credentials, so it shows up in the account catalog but has no
// variant that could ever grant a login.
func (g *Gate) EnsureAnonymousUser(ctx context.Context) error {
	_, err := g.store.CreateUser(ctx, g.anonymous, nil)
	if err != nil && !errors.Is(err, ErrUserExists) {
		return fmt.Errorf("ensure anonymous user: %w", err)
	}
	return nil
}
