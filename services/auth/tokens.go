package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueToken signs a token whose only payload is the username and an
// absolute expiry. There is no server-side revocation list; a token
// dies by expiry or by the client dropping its cookie.
func (g *Gate) IssueToken(username string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("username is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ResolveIdentity verifies the token and resolves its subject against
// the user store. Decode failures, signature or expiry failures, and
// unknown subjects are all ErrInvalidCredential; only a store outage
// surfaces as anything else.
func (g *Gate) ResolveIdentity(ctx context.Context, token string) (*User, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return g.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidCredential
	}

	user, err := g.store.GetUser(ctx, claims.Subject)
	if errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("%w: unknown subject", ErrInvalidCredential)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	resolved := *user
	resolved.Credentials = nil
	return &resolved, nil
}
