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

	"github.com/AleutianAI/kodiak/pkg/extensions"
)

// Validate implements extensions.AuthProvider over the JWT gate, so
// gateway assembly treats the built-in identity layer and a
// site-provided one interchangeably. Credential failures surface as
// extensions.ErrUnauthorized; only a store outage comes back as
// anything else.
func (g *Gate) Validate(ctx context.Context, token string) (*extensions.AuthInfo, error) {
	user, err := g.ResolveIdentity(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			g.logger.Debug("token did not resolve", "error", err)
			return nil, fmt.Errorf("%w: %v", extensions.ErrUnauthorized, err)
		}
		return nil, err
	}
	return &extensions.AuthInfo{Username: user.Username, Anonymous: user.Anonymous}, nil
}

// ResolveOrAnonymous is the never-fails resolution policy the identity
// middleware runs in front of every endpoint except login: an absent
// token, or one the provider turns down for any reason, degrades to a
// copy of the fallback identity.
func ResolveOrAnonymous(ctx context.Context, provider extensions.AuthProvider, fallback *User, token string) *User {
	if token == "" {
		degraded := *fallback
		return &degraded
	}
	info, err := provider.Validate(ctx, token)
	if err != nil {
		degraded := *fallback
		return &degraded
	}
	return &User{Username: info.Username, Anonymous: info.Anonymous}
}

var _ extensions.AuthProvider = (*Gate)(nil)
