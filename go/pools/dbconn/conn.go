// Copyright 2026 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dbconn defines the raw database session the pool layers build on,
// and its database/sql implementation.
package dbconn

import (
	"context"
	"database/sql"
)

// Stmt is a prepared statement bound to a single session.
// *sql.Stmt satisfies it.
type Stmt interface {
	ExecContext(ctx context.Context, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, args ...any) (*sql.Rows, error)
	Close() error
}

// Conn is a single physical database session. Only the operations the pool
// layers change (prepare, begin/commit/rollback, close) are spelled out; the
// rest of the protocol is reached through ExecContext and QueryContext.
//
// A Conn is used by one borrower at a time, but IsClosed may be called
// concurrently by the pool.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (Stmt, error)

	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Schema returns the session's current schema, "" if never set.
	Schema() string
	SetSchema(ctx context.Context, schema string) error

	// IsClosed reports whether the session was closed or found broken.
	IsClosed() bool
	Close() error
}
