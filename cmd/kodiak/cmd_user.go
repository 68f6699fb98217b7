// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/AleutianAI/kodiak/services/auth"
)

func runUserAdd(cmd *cobra.Command, args []string) error {
	username := args[0]

	var creds []auth.AuthCredential
	if passwordless {
		creds = []auth.AuthCredential{{Kind: auth.CredentialPasswordless}}
	} else {
		password, err := promptPassword()
		if err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		creds = []auth.AuthCredential{{Kind: auth.CredentialPassword, SecretHash: hash}}
	}

	stores, err := openStores(cmd.Context())
	if err != nil {
		return err
	}
	defer stores.close()

	if _, err := stores.users.CreateUser(cmd.Context(), username, creds); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created user %q\n", username)
	return nil
}

func runUserList(cmd *cobra.Command, _ []string) error {
	stores, err := openStores(cmd.Context())
	if err != nil {
		return err
	}
	defer stores.close()

	users, err := stores.users.ListUsers(cmd.Context())
	if err != nil {
		return err
	}
	for _, user := range users {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n",
			user.Username, user.CreatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// promptPassword reads the password twice without echo.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Repeat password: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("empty password; use --passwordless for an open account")
	}
	return string(first), nil
}
