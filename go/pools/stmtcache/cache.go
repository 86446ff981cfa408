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

// Package stmtcache keeps prepared statements alive on a single connection
// so that repeated statements skip the prepare round-trip.
//
// A Cache holds at most MaxIdlePerKey idle handles per key and at most
// MaxTotal handles overall. It never blocks: when full, a miss discards the
// least recently released idle handle, or fails with ErrCacheExhausted if
// every handle is borrowed.
package stmtcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/multigres/managedpool/go/common/mterrors"
	"github.com/multigres/managedpool/go/pools/dbconn"
)

var (
	// ErrCacheExhausted is wrapped in the StatementError returned when every
	// handle is borrowed and the cache is at its maximum.
	ErrCacheExhausted = errors.New("statement cache exhausted")

	// ErrCacheClosed is wrapped in the StatementError returned by Prepare
	// after Close.
	ErrCacheClosed = errors.New("statement cache closed")
)

// Key identifies a cacheable statement. The same text prepared under
// different schemas may resolve to different relations, so the schema is
// part of the identity.
type Key struct {
	SQL    string
	Schema string
}

// Preparer is the connection a Cache prepares statements on.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (dbconn.Stmt, error)
	IsClosed() bool
}

type stmtState int

const (
	stateBorrowed stmtState = iota
	stateIdle
	stateClosed
)

func (s stmtState) String() string {
	switch s {
	case stateBorrowed:
		return "borrowed"
	case stateIdle:
		return "idle"
	default:
		return "closed"
	}
}

// Statement is a cached prepared statement. Close returns it to its cache.
type Statement struct {
	dbconn.Stmt

	key   Key
	cache *Cache

	// Guarded by cache.mu.
	state stmtState
	elem  *list.Element
}

// Key returns the key the statement was prepared under.
func (s *Statement) Key() Key {
	return s.key
}

// Close hands the statement back to its cache, which keeps it idle or
// closes it. Closing a statement twice is a no-op.
func (s *Statement) Close() error {
	return s.cache.Release(s)
}

// Config configures a Cache.
type Config struct {
	// MaxTotal bounds the number of live handles. Zero or less means no bound.
	MaxTotal int
	// MaxIdlePerKey defaults to 1.
	MaxIdlePerKey int
	// Name labels the cache in logs and metrics.
	Name    string
	Metrics *Metrics
	Logger  *slog.Logger
}

// Stats is a snapshot of a cache.
type Stats struct {
	Idle      int   `json:"idle"`
	Borrowed  int   `json:"borrowed"`
	Total     int   `json:"total"`
	MaxTotal  int   `json:"max_total"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Discards  int64 `json:"discards"`
}

// Cache is a keyed cache of prepared statements bound to one connection.
//
// The mutex is never held across a call into the connection; a miss
// reserves its slot, prepares unlocked, and gives the slot back on failure.
type Cache struct {
	conn          Preparer
	name          string
	maxIdlePerKey int
	metrics       *Metrics
	logger        *slog.Logger

	mu       sync.Mutex
	maxTotal int
	idle     map[Key][]*Statement
	// lru orders idle handles by release time, oldest at the front.
	lru      *list.List
	borrowed map[*Statement]struct{}
	// live counts idle and borrowed handles plus prepares in flight.
	live   int
	closed bool

	hits, misses, evictions, discards int64
}

// New creates a cache that prepares statements on conn.
func New(conn Preparer, cfg Config) *Cache {
	if cfg.MaxIdlePerKey <= 0 {
		cfg.MaxIdlePerKey = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		conn:          conn,
		name:          cfg.Name,
		maxIdlePerKey: cfg.MaxIdlePerKey,
		metrics:       cfg.Metrics,
		logger:        logger,
		maxTotal:      cfg.MaxTotal,
		idle:          make(map[Key][]*Statement),
		lru:           list.New(),
		borrowed:      make(map[*Statement]struct{}),
	}
}

// Prepare returns an idle handle for key if there is one, or prepares a new
// one on the connection. All failures are StatementErrors.
func (c *Cache) Prepare(ctx context.Context, key Key) (*Statement, error) {
	if c.conn.IsClosed() {
		return nil, mterrors.NewStatementError("Prepare", "connection is closed", nil)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, mterrors.NewStatementError("Prepare", "", ErrCacheClosed)
	}

	if stmts := c.idle[key]; len(stmts) > 0 {
		s := stmts[len(stmts)-1]
		c.removeIdleLocked(s)
		s.state = stateBorrowed
		c.borrowed[s] = struct{}{}
		c.hits++
		c.mu.Unlock()

		c.metrics.lookup(ctx, c.name, true)
		c.metrics.count(ctx, -1, c.name, stateIdle)
		c.metrics.count(ctx, 1, c.name, stateBorrowed)
		return s, nil
	}

	c.misses++
	var evicted *Statement
	if c.maxTotal > 0 && c.live >= c.maxTotal {
		evicted = c.evictOldestLocked()
		if evicted == nil {
			limit := c.maxTotal
			c.mu.Unlock()
			c.metrics.lookup(ctx, c.name, false)
			return nil, mterrors.NewStatementError("Prepare",
				fmt.Sprintf("all %d statements are in use", limit), ErrCacheExhausted)
		}
	}
	c.live++
	c.mu.Unlock()

	c.metrics.lookup(ctx, c.name, false)
	if evicted != nil {
		c.closeStmt(evicted, "evicted")
		c.metrics.evicted(ctx, c.name)
		c.metrics.count(ctx, -1, c.name, stateIdle)
	}

	stmt, err := c.conn.PrepareContext(ctx, key.SQL)
	if err != nil {
		c.unreserve()
		return nil, mterrors.NewStatementError("Prepare", fmt.Sprintf("failed to prepare %q", key.SQL), err)
	}

	s := &Statement{Stmt: stmt, key: key, cache: c, state: stateBorrowed}
	c.mu.Lock()
	if c.closed {
		c.live--
		c.mu.Unlock()
		_ = stmt.Close()
		return nil, mterrors.NewStatementError("Prepare", "", ErrCacheClosed)
	}
	c.borrowed[s] = struct{}{}
	c.mu.Unlock()

	c.metrics.count(ctx, 1, c.name, stateBorrowed)
	return s, nil
}

// Release returns s to the idle set, or closes it when its key already has
// MaxIdlePerKey idle handles, the cache is over MaxTotal, or the cache is
// closed.
func (c *Cache) Release(s *Statement) error {
	if s == nil || s.cache != c {
		return nil
	}

	c.mu.Lock()
	if s.state != stateBorrowed {
		c.mu.Unlock()
		return nil
	}
	delete(c.borrowed, s)

	overMax := c.maxTotal > 0 && c.live > c.maxTotal
	if c.closed || overMax || len(c.idle[s.key]) >= c.maxIdlePerKey {
		s.state = stateClosed
		c.live--
		c.discards++
		c.mu.Unlock()

		c.metrics.count(context.Background(), -1, c.name, stateBorrowed)
		return s.Stmt.Close()
	}

	s.state = stateIdle
	c.idle[s.key] = append(c.idle[s.key], s)
	s.elem = c.lru.PushBack(s)
	c.mu.Unlock()

	c.metrics.count(context.Background(), -1, c.name, stateBorrowed)
	c.metrics.count(context.Background(), 1, c.name, stateIdle)
	return nil
}

// SetMaxTotal changes the bound on live handles, closing idle handles
// oldest first until the cache fits. Borrowed handles over the new bound are
// closed as they are released.
func (c *Cache) SetMaxTotal(n int) {
	var evicted []*Statement
	c.mu.Lock()
	c.maxTotal = n
	for n > 0 && c.live > n {
		s := c.evictOldestLocked()
		if s == nil {
			break
		}
		evicted = append(evicted, s)
	}
	c.mu.Unlock()

	for _, s := range evicted {
		c.closeStmt(s, "shrunk")
		c.metrics.evicted(context.Background(), c.name)
		c.metrics.count(context.Background(), -1, c.name, stateIdle)
	}
}

// Close closes every idle handle and makes later Prepare calls fail.
// It may race a borrower; handles still borrowed are closed when released.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var idle []*Statement
	for e := c.lru.Front(); e != nil; e = e.Next() {
		s := e.Value.(*Statement)
		s.state = stateClosed
		s.elem = nil
		idle = append(idle, s)
	}
	c.lru.Init()
	clear(c.idle)
	c.live -= len(idle)
	c.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.Stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.metrics.count(context.Background(), -int64(len(idle)), c.name, stateIdle)
	return errors.Join(errs...)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Idle:      c.lru.Len(),
		Borrowed:  len(c.borrowed),
		Total:     c.live,
		MaxTotal:  c.maxTotal,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Discards:  c.discards,
	}
}

// evictOldestLocked detaches the least recently released idle handle and
// returns it for closing outside the lock, or nil if nothing is idle.
func (c *Cache) evictOldestLocked() *Statement {
	front := c.lru.Front()
	if front == nil {
		return nil
	}
	s := front.Value.(*Statement)
	c.removeIdleLocked(s)
	s.state = stateClosed
	c.live--
	c.evictions++
	return s
}

func (c *Cache) removeIdleLocked(s *Statement) {
	stmts := c.idle[s.key]
	for i, other := range stmts {
		if other == s {
			stmts = append(stmts[:i], stmts[i+1:]...)
			break
		}
	}
	if len(stmts) == 0 {
		delete(c.idle, s.key)
	} else {
		c.idle[s.key] = stmts
	}
	if s.elem != nil {
		c.lru.Remove(s.elem)
		s.elem = nil
	}
}

func (c *Cache) unreserve() {
	c.mu.Lock()
	c.live--
	c.mu.Unlock()
}

func (c *Cache) closeStmt(s *Statement, reason string) {
	if err := s.Stmt.Close(); err != nil {
		c.logger.Warn("failed to close cached statement",
			"label", c.name, "reason", reason, "sql", s.key.SQL, "error", err)
		return
	}
	c.logger.Debug("closed cached statement", "label", c.name, "reason", reason, "sql", s.key.SQL)
}
