// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"

	"github.com/AleutianAI/kodiak/services/auth"
	"github.com/AleutianAI/kodiak/services/chats"
	"github.com/AleutianAI/kodiak/services/storage"
)

// adminStores is the CLI's view of a deployment's persistence.
type adminStores struct {
	users auth.UserStore
	refs  chats.RefStore
	close func()
}

// openStores opens the stores selected by the persistent flags:
// Postgres when --postgres is set, the embedded Badger directory
// otherwise.
func openStores(ctx context.Context) (*adminStores, error) {
	if postgresDSN != "" {
		db, err := storage.OpenPostgres(ctx, storage.DefaultPostgresConfig(postgresDSN))
		if err != nil {
			return nil, err
		}
		if err := storage.RunMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &adminStores{
			users: auth.NewPostgresUserStore(db),
			refs:  chats.NewPostgresRefStore(db),
			close: func() { _ = db.Close() },
		}, nil
	}

	db, err := storage.OpenBadger(storage.DefaultBadgerConfig(dataDir))
	if err != nil {
		return nil, err
	}
	return &adminStores{
		users: auth.NewBadgerUserStore(db),
		refs:  chats.NewBadgerRefStore(db),
		close: func() { _ = db.Close() },
	}, nil
}
