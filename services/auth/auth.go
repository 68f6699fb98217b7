// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package auth issues and validates access tokens and resolves
// requests to a user identity.
//
// The identity model is deliberately small: a token is a signed JWT
// carrying only the username and an expiry, users hold a set of
// credential variants evaluated in fixed precedence order, and every
// read path degrades to a configured anonymous identity instead of
// rejecting the request. Only the interactive login endpoint ever
// reports an authentication error to the caller.
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCredential marks a token that fails to decode, fails
	// signature or expiry checks, or names an unknown subject.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrAuthFailure is the single indistinguishable login failure:
	// unknown user and wrong password both map here so responses
	// never leak which usernames exist.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrUserNotFound is the store-level miss. The Gate translates it
	// before it reaches a caller; the admin CLI uses it directly.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists guards duplicate provisioning.
	ErrUserExists = errors.New("user already exists")
)

// User is an account known to the gateway. Chat ownership is keyed
// by username in the chats service; the account record itself stays
// this small.
type User struct {
	Username    string           `json:"username"`
	CreatedAt   time.Time        `json:"created_at"`
	Credentials []AuthCredential `json:"-"`

	// Anonymous is true only for the fallback identity produced by
	// ResolveOrAnonymous. It is never persisted.
	Anonymous bool `json:"anonymous,omitempty"`
}

// UserStore persists accounts and their credentials.
type UserStore interface {
	// GetUser returns the account with its credentials, or
	// ErrUserNotFound.
	GetUser(ctx context.Context, username string) (*User, error)

	// CreateUser provisions an account with the given credentials in
	// one logical step. ErrUserExists when the username is taken.
	CreateUser(ctx context.Context, username string, creds []AuthCredential) (*User, error)

	// ListUsers returns all accounts ordered by username, without
	// credential secrets attached.
	ListUsers(ctx context.Context) ([]User, error)
}
