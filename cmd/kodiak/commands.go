// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

var (
	dataDir      string
	postgresDSN  string
	passwordless bool

	rootCmd = &cobra.Command{
		Use:   "kodiak",
		Short: "Administer a Kodiak chat gateway deployment",
		Long: `kodiak manages a gateway deployment offline: user accounts and
chat inspection, straight against the backing stores. Stop the gateway
first when administering the embedded Badger database; it takes an
exclusive lock on the data directory.`,
	}

	// --- Users ---
	userCmd = &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	userAddCmd = &cobra.Command{
		Use:   "add [username]",
		Short: "Create a user account, prompting for a password",
		Args:  cobra.ExactArgs(1),
		RunE:  runUserAdd, // Defined in cmd_user.go
	}
	userListCmd = &cobra.Command{
		Use:   "ls",
		Short: "List user accounts and their credential kinds",
		RunE:  runUserList, // Defined in cmd_user.go
	}

	// --- Chats ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Inspect chat state",
	}
	chatListCmd = &cobra.Command{
		Use:   "ls [owner]",
		Short: "List chats, optionally for one owner",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runChatList, // Defined in cmd_chat.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data",
		"embedded Badger data directory (ignored with --postgres)")
	rootCmd.PersistentFlags().StringVar(&postgresDSN, "postgres", "",
		"Postgres DSN; selects the relational stores instead of Badger")

	userAddCmd.Flags().BoolVar(&passwordless, "passwordless", false,
		"create the account without a password (any password logs in)")

	userCmd.AddCommand(userAddCmd, userListCmd)
	chatCmd.AddCommand(chatListCmd)
	rootCmd.AddCommand(userCmd, chatCmd)
}
