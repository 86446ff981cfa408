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

package dbconn

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/lib/pq"

	"github.com/multigres/managedpool/go/common/mterrors"
)

// SQLConn implements Conn on top of a dedicated *sql.Conn. Transaction
// control is issued as plain statements so that the session, not a
// database/sql Tx, owns the transaction.
type SQLConn struct {
	conn *sql.Conn

	// schema is only touched by the borrower.
	schema string

	closed    atomic.Bool
	broken    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSQLConn wraps conn. The SQLConn owns conn from now on.
func NewSQLConn(conn *sql.Conn) *SQLConn {
	return &SQLConn{conn: conn}
}

func (c *SQLConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	c.check(err)
	return res, err
}

func (c *SQLConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	c.check(err)
	return rows, err
}

func (c *SQLConn) PrepareContext(ctx context.Context, query string) (Stmt, error) {
	stmt, err := c.conn.PrepareContext(ctx, query)
	if err != nil {
		c.check(err)
		return nil, err
	}
	return stmt, nil
}

func (c *SQLConn) Begin(ctx context.Context) error {
	_, err := c.ExecContext(ctx, "BEGIN")
	return err
}

func (c *SQLConn) Commit(ctx context.Context) error {
	_, err := c.ExecContext(ctx, "COMMIT")
	return err
}

func (c *SQLConn) Rollback(ctx context.Context) error {
	_, err := c.ExecContext(ctx, "ROLLBACK")
	return err
}

func (c *SQLConn) Schema() string {
	return c.schema
}

// SetSchema points the session's search_path at schema.
func (c *SQLConn) SetSchema(ctx context.Context, schema string) error {
	if _, err := c.ExecContext(ctx, "SET search_path TO "+pq.QuoteIdentifier(schema)); err != nil {
		return err
	}
	c.schema = schema
	return nil
}

func (c *SQLConn) IsClosed() bool {
	return c.closed.Load() || c.broken.Load()
}

// Close releases the session. With a DBSupplier the driver connection is
// closed rather than kept idle by database/sql.
func (c *SQLConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// check marks the session broken when err shows it can no longer be used.
func (c *SQLConn) check(err error) {
	if err != nil && mterrors.IsConnectionError(err) {
		c.broken.Store(true)
	}
}
