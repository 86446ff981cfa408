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

// Package txregistry tracks ambient transactions and the connections
// enlisted in them.
//
// A transaction is begun on a Registry and travels in a context.Context.
// Connections used under that context enlist themselves; when the
// transaction is committed, rolled back, or expires, every enlisted
// resource is completed and its completion callback is run.
package txregistry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/multigres/managedpool/go/common/mterrors"
	"github.com/multigres/managedpool/go/tools/timer"
)

// ErrRegistryClosed is returned by Begin after Close.
var ErrRegistryClosed = errors.New("transaction registry is closed")

// Resource is something that takes part in a transaction, typically a
// connection that has issued BEGIN.
type Resource interface {
	// CompleteTransaction commits (commit=true) or rolls back the
	// resource's share of the transaction.
	CompleteTransaction(ctx context.Context, commit bool) error
}

// Config holds configuration for a Registry.
type Config struct {
	// Timeout bounds how long a transaction may stay active before it is
	// rolled back. Zero means no timeout.
	Timeout time.Duration

	// Logger for registry operations.
	Logger *slog.Logger
}

// Registry is the set of active transactions. It is safe for concurrent
// use.
type Registry struct {
	config *Config
	logger *slog.Logger

	// mu protects active, enlisted and closed.
	mu       sync.Mutex
	active   map[uuid.UUID]*TxContext
	enlisted map[Resource]*TxContext
	closed   bool

	// now is replaced in tests.
	now func() time.Time

	// reaper expires timed out transactions; nil without a Timeout.
	reaper *timer.Periodic

	begunCount      atomic.Int64
	commitCount     atomic.Int64
	rollbackCount   atomic.Int64
	timeoutCount    atomic.Int64
	enlistmentCount atomic.Int64
}

// NewRegistry creates a registry. With a Timeout it starts a background
// goroutine that rolls back expired transactions until Close.
func NewRegistry(ctx context.Context, config *Config) *Registry {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		config:   config,
		logger:   logger,
		active:   make(map[uuid.UUID]*TxContext),
		enlisted: make(map[Resource]*TxContext),
		now:      time.Now,
	}

	if config.Timeout > 0 {
		// Scan ten times per timeout period.
		interval := max(config.Timeout/10, time.Millisecond)
		r.reaper = timer.NewPeriodic(interval, func(ctx context.Context) {
			r.ExpireTimedOut(ctx)
		})
		r.reaper.Start(ctx)
	}
	return r
}

type txKey struct{}

// FromContext returns the transaction carried by ctx, if any, whatever its
// state.
func FromContext(ctx context.Context) *TxContext {
	tx, _ := ctx.Value(txKey{}).(*TxContext)
	return tx
}

// Begin starts a transaction and returns a context carrying it. Beginning
// under a context that already carries an active transaction of this
// registry is an IllegalStateError.
func (r *Registry) Begin(ctx context.Context) (context.Context, *TxContext, error) {
	if cur := r.Active(ctx); cur != nil {
		return ctx, nil, mterrors.NewIllegalStateError("Begin",
			fmt.Sprintf("transaction %s is already active", cur.ID()))
	}

	now := r.now()
	tx := &TxContext{
		id:       uuid.New(),
		registry: r,
		begunAt:  now,
		state:    StateActive,
	}
	if r.config.Timeout > 0 {
		tx.deadline = now.Add(r.config.Timeout)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ctx, nil, ErrRegistryClosed
	}
	r.active[tx.id] = tx
	r.mu.Unlock()

	r.begunCount.Add(1)
	r.logger.DebugContext(ctx, "transaction begun", "tx_id", tx.id)
	return context.WithValue(ctx, txKey{}, tx), tx, nil
}

// Active returns the transaction carried by ctx if it belongs to this
// registry and is still active.
func (r *Registry) Active(ctx context.Context) *TxContext {
	tx := FromContext(ctx)
	if tx == nil || tx.registry != r || !tx.IsActive() {
		return nil
	}
	return tx
}

// Lookup returns the active transaction res takes part in: the one it is
// already enlisted in, or else the one carried by ctx. It returns nil when
// res should run outside any transaction.
func (r *Registry) Lookup(ctx context.Context, res Resource) *TxContext {
	r.mu.Lock()
	tx := r.enlisted[res]
	r.mu.Unlock()
	if tx != nil && tx.IsActive() {
		return tx
	}
	return r.Active(ctx)
}

// Get returns an active transaction by ID.
func (r *Registry) Get(id uuid.UUID) (*TxContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.active[id]
	return tx, ok
}

// ExpireTimedOut rolls back every transaction past its deadline and
// returns how many were expired.
func (r *Registry) ExpireTimedOut(ctx context.Context) int {
	now := r.now()

	var expired []*TxContext
	r.mu.Lock()
	for _, tx := range r.active {
		if !tx.deadline.IsZero() && now.After(tx.deadline) {
			expired = append(expired, tx)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, tx := range expired {
		err := tx.complete(ctx, false, StateTimedOut)
		if mterrors.IsIllegalStateError(err) {
			// Completed concurrently.
			continue
		}
		n++
		if err != nil {
			r.logger.WarnContext(ctx, "failed to roll back timed out transaction",
				"tx_id", tx.id,
				"error", err)
		} else {
			r.logger.InfoContext(ctx, "transaction timed out", "tx_id", tx.id)
		}
	}
	return n
}

// Close stops the reaper and rolls back every active transaction.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	txs := make([]*TxContext, 0, len(r.active))
	for _, tx := range r.active {
		txs = append(txs, tx)
	}
	r.mu.Unlock()

	if r.reaper != nil {
		r.reaper.Stop()
	}

	for _, tx := range txs {
		if err := tx.complete(context.Background(), false, StateRolledBack); err != nil && !mterrors.IsIllegalStateError(err) {
			r.logger.Warn("failed to roll back transaction on close",
				"tx_id", tx.id,
				"error", err)
		}
	}
	r.logger.Info("transaction registry closed", "rolled_back", len(txs))
}

// Stats returns current registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	active := len(r.active)
	enlisted := len(r.enlisted)
	r.mu.Unlock()

	return Stats{
		Active:          active,
		Enlisted:        enlisted,
		BegunCount:      r.begunCount.Load(),
		CommitCount:     r.commitCount.Load(),
		RollbackCount:   r.rollbackCount.Load(),
		TimeoutCount:    r.timeoutCount.Load(),
		EnlistmentCount: r.enlistmentCount.Load(),
	}
}

// Stats contains registry statistics.
type Stats struct {
	// Active is the number of transactions not yet completed.
	Active int

	// Enlisted is the number of resources currently enlisted.
	Enlisted int

	// BegunCount is the total number of transactions begun.
	BegunCount int64

	// CommitCount is the total number of committed transactions.
	CommitCount int64

	// RollbackCount is the total number of explicitly rolled back
	// transactions.
	RollbackCount int64

	// TimeoutCount is the total number of transactions rolled back by the
	// timeout.
	TimeoutCount int64

	// EnlistmentCount is the total number of enlistments.
	EnlistmentCount int64
}

func (r *Registry) enlist(tx *TxContext, res Resource) {
	r.mu.Lock()
	r.enlisted[res] = tx
	r.mu.Unlock()
	r.enlistmentCount.Add(1)
}

func (r *Registry) delist(tx *TxContext, res Resource) {
	r.mu.Lock()
	if r.enlisted[res] == tx {
		delete(r.enlisted, res)
	}
	r.mu.Unlock()
}

// finish removes tx and its enlistments once it has completed.
func (r *Registry) finish(tx *TxContext, resources []Resource, state State) {
	r.mu.Lock()
	delete(r.active, tx.id)
	for _, res := range resources {
		if r.enlisted[res] == tx {
			delete(r.enlisted, res)
		}
	}
	r.mu.Unlock()

	switch state {
	case StateCommitted:
		r.commitCount.Add(1)
	case StateRolledBack:
		r.rollbackCount.Add(1)
	case StateTimedOut:
		r.timeoutCount.Add(1)
	}
}
