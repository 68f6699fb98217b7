// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// CredentialKind selects how a stored credential is checked.
type CredentialKind int

const (
	// CredentialPasswordless grants access for any submitted
	// password. First in precedence.
	CredentialPasswordless CredentialKind = 0

	// CredentialPassword grants access when the bcrypt hash matches.
	CredentialPassword CredentialKind = 1

	// CredentialReserved is defined for forward compatibility and
	// never grants access.
	CredentialReserved CredentialKind = 2
)

// kindPrecedence is the fixed evaluation order for Authenticate.
var kindPrecedence = []CredentialKind{
	CredentialPasswordless,
	CredentialPassword,
	CredentialReserved,
}

func (k CredentialKind) String() string {
	switch k {
	case CredentialPasswordless:
		return "passwordless"
	case CredentialPassword:
		return "password"
	case CredentialReserved:
		return "reserved"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// AuthCredential is one stored way for a user to authenticate.
// SecretHash is empty except for the password variant.
type AuthCredential struct {
	Kind       CredentialKind `json:"kind"`
	SecretHash string         `json:"secret_hash,omitempty"`
}

// grants reports whether this credential accepts the submitted
// password. Reserved must never grant, silently or otherwise.
func (c AuthCredential) grants(password string) bool {
	switch c.Kind {
	case CredentialPasswordless:
		return true
	case CredentialPassword:
		return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(password)) == nil
	default:
		return false
	}
}

// HashPassword produces the bcrypt hash stored in a password
// credential.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
