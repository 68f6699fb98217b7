// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/services/chats"
)

func runChatList(cmd *cobra.Command, args []string) error {
	stores, err := openStores(cmd.Context())
	if err != nil {
		return err
	}
	defer stores.close()

	var refs []chats.Ref
	if len(args) == 1 {
		refs, err = stores.refs.ListRefs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
	} else {
		// No owner given: walk the account catalog.
		users, err := stores.users.ListUsers(cmd.Context())
		if err != nil {
			return err
		}
		for _, user := range users {
			owned, err := stores.refs.ListRefs(cmd.Context(), user.Username)
			if err != nil {
				return err
			}
			refs = append(refs, owned...)
		}
	}

	for _, ref := range refs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
			ref.ChatID, ref.Owner, ref.Model, ref.CreatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d chat(s)\n", len(refs))
	return nil
}
