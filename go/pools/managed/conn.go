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

package managed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/multigres/managedpool/go/common/mterrors"
	"github.com/multigres/managedpool/go/pools/connpool"
	"github.com/multigres/managedpool/go/pools/dbconn"
	"github.com/multigres/managedpool/go/pools/stmtcache"
	"github.com/multigres/managedpool/go/pools/txregistry"
)

// ErrConnReleased is returned by operations on a connection the borrower
// has already closed.
var ErrConnReleased = errors.New("connection already closed")

// Conn is a pooled connection that takes part in ambient transactions.
//
// A Conn is Free until it is used under a context carrying an active
// transaction of its registry. It then issues BEGIN, enlists, and stays
// Enlisted until the transaction completes. While Enlisted, Commit and
// Rollback are refused and Close only marks the connection released; it
// goes back to the pool once the transaction completes.
type Conn struct {
	inner    dbconn.Conn
	cache    *stmtcache.Cache
	registry *txregistry.Registry
	label    string
	logger   *slog.Logger

	// entry and onDestroy are set by the factory before the entry is
	// handed out.
	entry     *connpool.Pooled[*Conn]
	onDestroy func(*Conn)

	mu sync.Mutex
	// tx is the transaction the connection is enlisted in, nil when Free.
	tx *txregistry.TxContext
	// released is set by Close and cleared when the pool lends the
	// connection out again.
	released bool
	// closePending means Close ran while Enlisted and the return to the
	// pool waits for completion.
	closePending bool
	// localTx is set between a successful local Begin and the matching
	// Commit or Rollback.
	localTx bool
}

var (
	_ dbconn.Conn         = (*Conn)(nil)
	_ connpool.Connection = (*Conn)(nil)
	_ txregistry.Resource = (*Conn)(nil)
)

// Label returns the diagnostic label assigned at creation.
func (c *Conn) Label() string { return c.label }

// Cache returns the statement cache, nil if caching is off.
func (c *Conn) Cache() *stmtcache.Cache { return c.cache }

// Transaction returns the transaction the connection is enlisted in, or nil.
func (c *Conn) Transaction() *txregistry.TxContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

// IsEnlisted reports whether the connection is enlisted in an unfinished
// transaction.
func (c *Conn) IsEnlisted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}

// IsReleased reports whether the borrower has closed the connection.
func (c *Conn) IsReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// ExecContext runs a statement, enlisting the connection first if ctx
// carries an active transaction.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := c.updateTransactionStatus(ctx, "Exec"); err != nil {
		return nil, err
	}
	return c.inner.ExecContext(ctx, query, args...)
}

// QueryContext runs a query, enlisting the connection first if ctx carries
// an active transaction.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := c.updateTransactionStatus(ctx, "Query"); err != nil {
		return nil, err
	}
	return c.inner.QueryContext(ctx, query, args...)
}

// PrepareContext prepares through the statement cache when there is one.
func (c *Conn) PrepareContext(ctx context.Context, query string) (dbconn.Stmt, error) {
	if err := c.updateTransactionStatus(ctx, "Prepare"); err != nil {
		return nil, err
	}
	return c.inner.PrepareContext(ctx, query)
}

// Begin starts a local transaction. It is refused while Enlisted.
func (c *Conn) Begin(ctx context.Context) error {
	if err := c.checkLocal(ctx, "Begin"); err != nil {
		return err
	}
	if err := c.inner.Begin(ctx); err != nil {
		return err
	}
	c.setLocalTx(true)
	return nil
}

// Commit commits a local transaction. It is refused while Enlisted.
func (c *Conn) Commit(ctx context.Context) error {
	if err := c.checkLocal(ctx, "Commit"); err != nil {
		return err
	}
	// A failed COMMIT still ends the transaction on the server.
	defer c.setLocalTx(false)
	return c.inner.Commit(ctx)
}

// Rollback rolls back a local transaction. It is refused while Enlisted.
func (c *Conn) Rollback(ctx context.Context) error {
	if err := c.checkLocal(ctx, "Rollback"); err != nil {
		return err
	}
	defer c.setLocalTx(false)
	return c.inner.Rollback(ctx)
}

// Schema returns the session's current schema.
func (c *Conn) Schema() string {
	return c.inner.Schema()
}

// SetSchema changes the session's schema, enlisting the connection first
// if ctx carries an active transaction.
func (c *Conn) SetSchema(ctx context.Context, schema string) error {
	if err := c.updateTransactionStatus(ctx, "SetSchema"); err != nil {
		return err
	}
	return c.inner.SetSchema(ctx, schema)
}

// IsClosed reports whether the physical session is closed or broken. It
// does not reflect Close, which only gives the connection back.
func (c *Conn) IsClosed() bool {
	return c.inner.IsClosed()
}

// Close gives the connection back. While Enlisted it is returned to the
// pool only when the transaction completes. A local transaction left open
// is rolled back first; if that fails the connection is discarded.
// Closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	if c.tx != nil {
		c.closePending = true
		tx := c.tx
		c.mu.Unlock()
		c.logger.Debug("close deferred until transaction completes",
			"label", c.label,
			"tx_id", tx.ID())
		return nil
	}
	localTx := c.localTx
	c.localTx = false
	c.mu.Unlock()

	if localTx {
		if err := c.inner.Rollback(context.Background()); err != nil {
			c.logger.Warn("failed to roll back open transaction on close",
				"label", c.label,
				"error", err)
			c.discard()
			return nil
		}
		c.logger.Debug("rolled back open transaction on close", "label", c.label)
	}
	c.returnToPool()
	return nil
}

// CompleteTransaction finishes the connection's share of the transaction
// it is enlisted in. Only the registry calls it.
func (c *Conn) CompleteTransaction(ctx context.Context, commit bool) error {
	if commit {
		return c.inner.Commit(ctx)
	}
	return c.inner.Rollback(ctx)
}

// Activate implements connpool.Connection.
func (c *Conn) Activate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = false
	c.closePending = false
	c.localTx = false
}

// Destroy implements connpool.Connection: it delists the connection from
// any transaction and closes the session, statement cache first.
func (c *Conn) Destroy() error {
	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	c.closePending = false
	c.localTx = false
	c.mu.Unlock()

	if tx != nil {
		tx.Delist(c)
	}
	if c.onDestroy != nil {
		c.onDestroy(c)
	}
	return c.inner.Close()
}

// updateTransactionStatus brings the connection's state in line with the
// transaction carried by ctx, enlisting it if needed.
func (c *Conn) updateTransactionStatus(ctx context.Context, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return mterrors.NewIllegalStateError(op, ErrConnReleased.Error())
	}

	if c.tx != nil {
		if txregistry.FromContext(ctx) != c.tx {
			return mterrors.NewIllegalStateError(op,
				fmt.Sprintf("connection is enlisted in transaction %s and cannot be used outside it", c.tx.ID()))
		}
		if !c.tx.IsActive() {
			return mterrors.NewIllegalStateError(op,
				fmt.Sprintf("transaction %s is completing", c.tx.ID()))
		}
		return nil
	}

	if c.registry == nil {
		return nil
	}
	tx := c.registry.Lookup(ctx, c)
	if tx == nil {
		return nil
	}
	if c.localTx {
		return mterrors.NewIllegalStateError(op,
			fmt.Sprintf("connection has a local transaction open and cannot enlist in transaction %s", tx.ID()))
	}

	if err := c.inner.Begin(ctx); err != nil {
		return fmt.Errorf("failed to enlist in transaction %s: %w", tx.ID(), err)
	}
	if err := tx.Enlist(c, c.transactionComplete); err != nil {
		if rbErr := c.inner.Rollback(ctx); rbErr != nil {
			c.logger.WarnContext(ctx, "failed to roll back after enlistment failure",
				"label", c.label,
				"tx_id", tx.ID(),
				"error", rbErr)
		}
		return err
	}
	c.tx = tx

	c.logger.DebugContext(ctx, "connection enlisted",
		"label", c.label,
		"tx_id", tx.ID())
	return nil
}

// checkLocal refuses local transaction control while Enlisted, including
// when using ctx is what enlists the connection.
func (c *Conn) checkLocal(ctx context.Context, op string) error {
	if c.IsEnlisted() {
		return mterrors.NewIllegalStateError(op, "must go through the transaction coordinator")
	}
	if err := c.updateTransactionStatus(ctx, op); err != nil {
		return err
	}
	if c.IsEnlisted() {
		return mterrors.NewIllegalStateError(op, "must go through the transaction coordinator")
	}
	return nil
}

// transactionComplete runs after the registry has completed the connection.
func (c *Conn) transactionComplete(ctx context.Context, state txregistry.State) {
	c.mu.Lock()
	var txID string
	if c.tx != nil {
		txID = c.tx.ID().String()
	}
	c.tx = nil
	c.localTx = false
	release := c.closePending
	c.closePending = false
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "transaction completed",
		"label", c.label,
		"tx_id", txID,
		"state", state.String(),
		"deferred_close", release)

	if release {
		c.returnToPool()
	}
}

func (c *Conn) setLocalTx(open bool) {
	c.mu.Lock()
	c.localTx = open
	c.mu.Unlock()
}

func (c *Conn) returnToPool() {
	if c.entry != nil {
		c.entry.Recycle()
	}
}

// discard drops the connection from its pool instead of returning it.
func (c *Conn) discard() {
	if c.entry != nil {
		c.entry.Taint()
		return
	}
	_ = c.Destroy()
}
