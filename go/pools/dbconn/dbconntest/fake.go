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

// Package dbconntest provides in-memory dbconn implementations for tests.
package dbconntest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"

	"github.com/multigres/managedpool/go/pools/dbconn"
)

// Conn is a fake session that records every statement it is asked to run.
type Conn struct {
	id int

	mu          sync.Mutex
	schema      string
	calls       []string
	prepares    int
	closeCount  int
	closed      bool
	broken      bool
	execErrs    map[string]error
	prepareErr  error
	commitErr   error
	rollbackErr error
}

var _ dbconn.Conn = (*Conn)(nil)

// NewConn returns an open fake session.
func NewConn(id int) *Conn {
	return &Conn{id: id, execErrs: make(map[string]error)}
}

// ID returns the id given to NewConn.
func (c *Conn) ID() int { return c.id }

func (c *Conn) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, sql.ErrConnDone
	}
	c.calls = append(c.calls, query)
	if err := c.execErrs[query]; err != nil {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}

func (c *Conn) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("dbconntest: QueryContext is not supported")
}

func (c *Conn) PrepareContext(_ context.Context, query string) (dbconn.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.broken {
		return nil, driver.ErrBadConn
	}
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	c.prepares++
	c.calls = append(c.calls, "PREPARE "+query)
	return &Stmt{Query: query}, nil
}

func (c *Conn) Begin(ctx context.Context) error {
	_, err := c.ExecContext(ctx, "BEGIN")
	return err
}

func (c *Conn) Commit(ctx context.Context) error {
	if err := c.injected(&c.commitErr); err != nil {
		return err
	}
	_, err := c.ExecContext(ctx, "COMMIT")
	return err
}

func (c *Conn) Rollback(ctx context.Context) error {
	if err := c.injected(&c.rollbackErr); err != nil {
		return err
	}
	_, err := c.ExecContext(ctx, "ROLLBACK")
	return err
}

func (c *Conn) Schema() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schema
}

func (c *Conn) SetSchema(ctx context.Context, schema string) error {
	if _, err := c.ExecContext(ctx, "SET search_path TO "+schema); err != nil {
		return err
	}
	c.mu.Lock()
	c.schema = schema
	c.mu.Unlock()
	return nil
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.broken
}

// Close counts every call, even repeated ones.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	c.closed = true
	return nil
}

// Calls returns the statements run so far, in order. Prepares appear as
// "PREPARE <query>".
func (c *Conn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// PrepareCount returns how many statements were prepared on the session.
func (c *Conn) PrepareCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepares
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// FailExec makes ExecContext(query) fail with err.
func (c *Conn) FailExec(query string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execErrs[query] = err
}

// FailPrepare makes every later prepare fail with err.
func (c *Conn) FailPrepare(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepareErr = err
}

// FailCommit makes the next Commit fail with err.
func (c *Conn) FailCommit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitErr = err
}

// FailRollback makes the next Rollback fail with err.
func (c *Conn) FailRollback(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackErr = err
}

// Break simulates the server dropping the session.
func (c *Conn) Break() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
}

func (c *Conn) injected(slot *error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := *slot
	*slot = nil
	return err
}

// Stmt is a fake prepared statement.
type Stmt struct {
	Query string

	mu         sync.Mutex
	execs      int
	closeCount int
}

var _ dbconn.Stmt = (*Stmt)(nil)

func (s *Stmt) ExecContext(context.Context, ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCount > 0 {
		return nil, errors.New("dbconntest: statement is closed")
	}
	s.execs++
	return driver.RowsAffected(1), nil
}

func (s *Stmt) QueryContext(context.Context, ...any) (*sql.Rows, error) {
	return nil, errors.New("dbconntest: QueryContext is not supported")
}

func (s *Stmt) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// Closed reports whether Close was called.
func (s *Stmt) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount > 0
}

// CloseCount returns how many times Close was called.
func (s *Stmt) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Supplier hands out fake sessions numbered from 0.
type Supplier struct {
	mu        sync.Mutex
	conns     []*Conn
	err       error
	returnNil bool
}

var _ dbconn.Supplier = (*Supplier)(nil)

func (s *Supplier) CreateConnection(context.Context) (dbconn.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.returnNil {
		return nil, nil
	}
	c := NewConn(len(s.conns))
	s.conns = append(s.conns, c)
	return c, nil
}

// Fail makes later calls fail with err; nil restores normal behavior.
func (s *Supplier) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// ReturnNil makes later calls return neither a session nor an error.
func (s *Supplier) ReturnNil(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnNil = v
}

// Conns returns the sessions created so far.
func (s *Supplier) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}
