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

package txregistry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multigres/managedpool/go/common/mterrors"
)

// State is the lifecycle state of a transaction.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CompletionFunc is called once when a transaction a resource is enlisted
// in completes.
type CompletionFunc func(ctx context.Context, state State)

type enlistment struct {
	res        Resource
	onComplete CompletionFunc
}

// TxContext is one ambient transaction.
type TxContext struct {
	id       uuid.UUID
	registry *Registry
	begunAt  time.Time
	deadline time.Time

	mu    sync.Mutex
	state State
	// completing is set once Commit, Rollback or expiry has started.
	completing  bool
	enlistments []enlistment
}

func (tx *TxContext) ID() uuid.UUID { return tx.id }

// Deadline returns when the transaction times out, zero if never.
func (tx *TxContext) Deadline() time.Time { return tx.deadline }

func (tx *TxContext) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// IsActive reports whether the transaction has not started completing.
func (tx *TxContext) IsActive() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == StateActive && !tx.completing
}

// Enlist registers res with the transaction. onComplete, if non-nil, runs
// after res has been completed. Enlisting the same resource twice is a
// no-op. Resources must be comparable.
func (tx *TxContext) Enlist(res Resource, onComplete CompletionFunc) error {
	tx.mu.Lock()
	if tx.state != StateActive || tx.completing {
		state := tx.state
		tx.mu.Unlock()
		return mterrors.NewIllegalStateError("Enlist",
			fmt.Sprintf("transaction %s is not active (%s)", tx.id, state))
	}
	if slices.ContainsFunc(tx.enlistments, func(e enlistment) bool { return e.res == res }) {
		tx.mu.Unlock()
		return nil
	}
	tx.enlistments = append(tx.enlistments, enlistment{res: res, onComplete: onComplete})
	tx.mu.Unlock()

	tx.registry.enlist(tx, res)
	return nil
}

// Delist removes res without completing it. It reports whether res was
// enlisted.
func (tx *TxContext) Delist(res Resource) bool {
	tx.mu.Lock()
	if tx.completing {
		tx.mu.Unlock()
		return false
	}
	i := slices.IndexFunc(tx.enlistments, func(e enlistment) bool { return e.res == res })
	if i < 0 {
		tx.mu.Unlock()
		return false
	}
	tx.enlistments = slices.Delete(tx.enlistments, i, i+1)
	tx.mu.Unlock()

	tx.registry.delist(tx, res)
	return true
}

// IsEnlisted reports whether res is enlisted in the transaction.
func (tx *TxContext) IsEnlisted(res Resource) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return slices.ContainsFunc(tx.enlistments, func(e enlistment) bool { return e.res == res })
}

// Commit commits every enlisted resource in enlistment order. If one fails
// to commit, the rest are rolled back and the transaction ends rolled back.
func (tx *TxContext) Commit(ctx context.Context) error {
	return tx.complete(ctx, true, StateCommitted)
}

// Rollback rolls back every enlisted resource.
func (tx *TxContext) Rollback(ctx context.Context) error {
	return tx.complete(ctx, false, StateRolledBack)
}

func (tx *TxContext) complete(ctx context.Context, commit bool, outcome State) error {
	tx.mu.Lock()
	if tx.state != StateActive || tx.completing {
		state := tx.state
		tx.mu.Unlock()
		return mterrors.NewIllegalStateError("complete",
			fmt.Sprintf("transaction %s already completing or completed (%s)", tx.id, state))
	}
	tx.completing = true
	enlistments := tx.enlistments
	tx.mu.Unlock()

	final := outcome
	var errs []error
	for _, e := range enlistments {
		doCommit := commit && final == StateCommitted
		if err := e.res.CompleteTransaction(ctx, doCommit); err != nil {
			errs = append(errs, err)
			if doCommit {
				final = StateRolledBack
			}
		}
	}

	tx.mu.Lock()
	tx.state = final
	tx.mu.Unlock()

	resources := make([]Resource, len(enlistments))
	for i, e := range enlistments {
		resources[i] = e.res
	}
	tx.registry.finish(tx, resources, final)

	for _, e := range enlistments {
		if e.onComplete != nil {
			e.onComplete(ctx, final)
		}
	}

	tx.registry.logger.DebugContext(ctx, "transaction completed",
		"tx_id", tx.id,
		"state", final.String(),
		"resources", len(enlistments))

	if len(errs) > 0 {
		return fmt.Errorf("failed to complete transaction %s (%s): %w", tx.id, final, errors.Join(errs...))
	}
	return nil
}
