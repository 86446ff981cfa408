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

package stmtcache

import (
	"context"
	"errors"

	"github.com/multigres/managedpool/go/pools/dbconn"
)

// Conn is a dbconn.Conn whose prepared statements come from a Cache. All
// other operations go straight to the wrapped connection.
type Conn struct {
	dbconn.Conn
	cache *Cache
}

var _ dbconn.Conn = (*Conn)(nil)

// NewConn wraps inner with a cache of its own.
func NewConn(inner dbconn.Conn, cfg Config) *Conn {
	return &Conn{Conn: inner, cache: New(inner, cfg)}
}

// PrepareContext looks query up under the session's current schema.
func (c *Conn) PrepareContext(ctx context.Context, query string) (dbconn.Stmt, error) {
	s, err := c.Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Prepare is PrepareContext returning the concrete cached statement.
func (c *Conn) Prepare(ctx context.Context, query string) (*Statement, error) {
	return c.cache.Prepare(ctx, Key{SQL: query, Schema: c.Conn.Schema()})
}

// Cache returns the connection's statement cache.
func (c *Conn) Cache() *Cache {
	return c.cache
}

// Close closes the cached statements, then the connection.
func (c *Conn) Close() error {
	return errors.Join(c.cache.Close(), c.Conn.Close())
}
