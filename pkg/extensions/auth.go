// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Concrete providers should wrap this error with additional context.
//
// Example:
//
//	if ref.Owner != user.Username {
//	    return fmt.Errorf("chat %s: %w", chatID, extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity attached to a request after token resolution.
//
// Kodiak identities are deliberately small: a username and whether the
// identity came from the anonymous fallback rather than a verified token.
// Everything else about a user (credentials, owned chats) lives behind the
// stores and is looked up on demand.
//
// Example:
//
//	info := &AuthInfo{Username: "ahmed"}                  // verified token
//	info = &AuthInfo{Username: "system", Anonymous: true} // fallback
type AuthInfo struct {
	// Username is the unique identifier for the user.
	// This is the only required field and must never be empty.
	Username string

	// Anonymous is true when this identity was produced by the
	// default-identity fallback instead of a verified token. Handlers may
	// use it for logging; it grants no extra rights either way.
	Anonymous bool
}

// AuthProvider validates access tokens and returns the caller's identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// The production implementation lives in services/auth (signed JWT against
// the user store). StaticAuthProvider below exists for tests and for
// deployments that disable authentication entirely.
type AuthProvider interface {
	// Validate checks the token and returns the identity it names.
	//
	// Returns ErrUnauthorized (possibly wrapped) when the token is
	// malformed, expired, carries a bad signature, or names an unknown
	// user. Any other error indicates an infrastructure failure (for
	// example the user store being unreachable).
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// StaticAuthProvider resolves every token, including the empty string, to
// one fixed identity.
//
// It backs two things: handler tests that need a predictable identity, and
// single-user deployments that run with authentication switched off. It is
// NOT the anonymous fallback - the fallback is a policy on the auth gate,
// applied only after a real provider rejects the token.
//
// Thread-safe: no mutable state.
type StaticAuthProvider struct {
	// Identity is returned from every Validate call. If nil, a local
	// identity named "local-user" is used.
	Identity *AuthInfo
}

// Validate always succeeds and ignores the token.
func (p *StaticAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	if p.Identity != nil {
		info := *p.Identity
		return &info, nil
	}
	return &AuthInfo{Username: "local-user"}, nil
}

// RejectingAuthProvider fails every Validate call with ErrUnauthorized.
// Useful in tests that exercise the anonymous fallback path.
type RejectingAuthProvider struct{}

// Validate always returns ErrUnauthorized.
func (p *RejectingAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return nil, ErrUnauthorized
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*StaticAuthProvider)(nil)
	_ AuthProvider = (*RejectingAuthProvider)(nil)
)
