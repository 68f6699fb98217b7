// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage owns the gateway's persistence handles.
//
// Two backends are supported. PostgreSQL holds the relational side
// (users, credentials, chat ownership refs) behind a single shared
// *sql.DB pool opened once at startup. BadgerDB serves the same role
// embedded, for single-node deployments that run without external
// databases. Repositories in services/auth and services/chats build
// on the handles this package vends; none of them open their own
// connections.
package storage

import (
	"context"
	"database/sql"
)

// DBTX is the slice of database/sql the repositories use. Both
// *sql.DB and *sql.Tx satisfy it, so a repository method runs the
// same against the shared pool or inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction. The transaction commits when
// fn returns nil and rolls back when it returns an error or panics;
// panics are rethrown after rollback.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(ctx, tx)
}
