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

package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/multigres/managedpool/go/pools/connstack"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrPoolExhausted is returned when the pool has reached capacity.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrCreateRateLimited is returned when the pool would have to create a
	// connection faster than its configured rate.
	ErrCreateRateLimited = errors.New("connection creation rate exceeded")
)

// Config holds configuration for the connection pool.
type Config struct {
	// Name identifies the pool in logs.
	Name string

	// Capacity is the maximum number of connections in the pool.
	// If 0, defaults to 100.
	Capacity int

	// MaxIdle is the maximum number of idle connections to keep.
	// If 0, defaults to Capacity.
	MaxIdle int

	// IdleTimeout is how long a connection can be idle before being closed.
	// If 0, connections are never closed due to idle time.
	IdleTimeout time.Duration

	// MaxLifetime is the maximum lifetime of a connection.
	// If 0, connections are never closed due to age.
	MaxLifetime time.Duration

	// CreateRate limits new connections per second. If 0, creation is not
	// rate limited.
	CreateRate float64

	// CreateBurst is the number of connections that may be created at once
	// before CreateRate applies. Defaults to 1.
	CreateBurst int

	// Logger for pool operations.
	Logger *slog.Logger
}

// Pool lends out entries built by a Factory. Get never waits: when no idle
// entry is available and the pool is full it fails with ErrPoolExhausted.
type Pool[C Connection] struct {
	factory Factory[C]
	logger  *slog.Logger
	name    string

	// Configuration
	capacity    int
	maxIdle     int
	idleTimeout time.Duration
	maxLifetime time.Duration
	limiter     *rate.Limiter

	// mu orders returns against Close so nothing is pushed after the drain.
	mu     sync.Mutex
	idle   connstack.Stack[*Pooled[C]]
	closed atomic.Bool

	// idleCount tracks the stack size, which the stack itself cannot report.
	idleCount atomic.Int64

	// Atomic counters
	active   atomic.Int64 // Total connections, including ones being created
	borrowed atomic.Int64 // Connections currently lent out

	createCount  atomic.Int64
	createFailed atomic.Int64
	destroyCount atomic.Int64
}

// NewPool creates a new connection pool with the given factory and configuration.
func NewPool[C Connection](factory Factory[C], cfg Config) *Pool[C] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.Capacity {
		cfg.MaxIdle = cfg.Capacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool[C]{
		factory:     factory,
		logger:      logger,
		name:        cfg.Name,
		capacity:    cfg.Capacity,
		maxIdle:     cfg.MaxIdle,
		idleTimeout: cfg.IdleTimeout,
		maxLifetime: cfg.MaxLifetime,
	}
	if cfg.CreateRate > 0 {
		burst := max(cfg.CreateBurst, 1)
		p.limiter = rate.NewLimiter(rate.Limit(cfg.CreateRate), burst)
	}
	return p
}

// Get lends out the most recently returned idle entry, or creates a new
// one if the pool is under capacity.
func (p *Pool[C]) Get(ctx context.Context) (*Pooled[C], error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	for {
		pooled, ok := p.idle.Pop()
		if !ok {
			break
		}
		p.idleCount.Add(-1)
		if reason := p.expired(pooled); reason != "" {
			p.destroy(pooled, reason)
			continue
		}
		pooled.Conn().Activate()
		pooled.UpdateLastUsed()
		pooled.borrowed.Store(true)
		p.borrowed.Add(1)
		return pooled, nil
	}

	if !p.reserve() {
		return nil, ErrPoolExhausted
	}
	if p.limiter != nil && !p.limiter.Allow() {
		p.active.Add(-1)
		return nil, ErrCreateRateLimited
	}

	pooled, err := p.factory.CreateEntry(ctx)
	if err != nil {
		p.active.Add(-1)
		p.createFailed.Add(1)
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	p.createCount.Add(1)

	pooled.pool = p
	pooled.borrowed.Store(true)
	p.borrowed.Add(1)

	if p.closed.Load() {
		pooled.Taint()
		return nil, ErrPoolClosed
	}

	p.logger.DebugContext(ctx, "pool connection created",
		"pool", p.name,
		"conn_id", pooled.ID(),
		"label", pooled.Name())
	return pooled, nil
}

// reserve claims a slot for a new connection.
func (p *Pool[C]) reserve() bool {
	for {
		n := p.active.Load()
		if n >= int64(p.capacity) {
			return false
		}
		if p.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// put returns a borrowed entry to the idle stack or destroys it.
func (p *Pool[C]) put(pooled *Pooled[C]) {
	p.borrowed.Add(-1)

	reason := p.expired(pooled)
	p.mu.Lock()
	if reason == "" {
		switch {
		case p.closed.Load():
			reason = "pool closed"
		case p.idleCount.Load() >= int64(p.maxIdle):
			reason = "too many idle"
		default:
			pooled.UpdateLastUsed()
			p.pushIdle(pooled)
		}
	}
	p.mu.Unlock()

	if reason != "" {
		p.destroy(pooled, reason)
	}
}

// expired returns why pooled may not be reused, or "".
func (p *Pool[C]) expired(pooled *Pooled[C]) string {
	switch {
	case pooled.Conn().IsClosed():
		return "closed"
	case p.maxLifetime > 0 && pooled.Age() > p.maxLifetime:
		return "max lifetime"
	case p.idleTimeout > 0 && pooled.IdleTime() > p.idleTimeout:
		return "idle timeout"
	default:
		return ""
	}
}

// destroy closes a connection and decrements the active counter.
func (p *Pool[C]) destroy(pooled *Pooled[C], reason string) {
	if err := pooled.Conn().Destroy(); err != nil {
		p.logger.Warn("failed to close pool connection",
			"pool", p.name,
			"conn_id", pooled.ID(),
			"reason", reason,
			"error", err)
	}
	p.active.Add(-1)
	p.destroyCount.Add(1)
	p.logger.Debug("pool connection closed",
		"pool", p.name,
		"conn_id", pooled.ID(),
		"reason", reason)
}

// pushIdle puts an entry on the idle stack. Callers hold p.mu.
func (p *Pool[C]) pushIdle(pooled *Pooled[C]) {
	p.idleCount.Add(1)
	p.idle.Push(pooled)
}

// popAllIdle empties the idle stack and returns the entries top first.
func (p *Pool[C]) popAllIdle() []*Pooled[C] {
	idle := p.idle.Drain()
	p.idleCount.Add(-int64(len(idle)))
	return idle
}

// ReapIdle closes idle connections past their idle timeout or lifetime and
// returns how many were closed. Survivors go back in their original order.
func (p *Pool[C]) ReapIdle() int {
	p.mu.Lock()
	idle := p.popAllIdle()
	var keep, reap []*Pooled[C]
	for _, pooled := range idle {
		if p.closed.Load() || p.expired(pooled) != "" {
			reap = append(reap, pooled)
		} else {
			keep = append(keep, pooled)
		}
	}
	for i := len(keep) - 1; i >= 0; i-- {
		p.pushIdle(keep[i])
	}
	p.mu.Unlock()

	for _, pooled := range reap {
		p.destroy(pooled, "reaped")
	}
	return len(reap)
}

// Close closes all idle connections. Borrowed connections are closed as
// they are returned.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	idle := p.popAllIdle()
	p.mu.Unlock()

	for _, pooled := range idle {
		p.destroy(pooled, "pool closed")
	}
	p.logger.Info("pool closed", "pool", p.name, "closed_idle", len(idle))
	return nil
}

// Stats returns pool statistics.
func (p *Pool[C]) Stats() PoolStats {
	active := p.active.Load()
	borrowed := p.borrowed.Load()
	return PoolStats{
		Capacity:     int64(p.capacity),
		Active:       active,
		Borrowed:     borrowed,
		Idle:         p.idleCount.Load(),
		CreateCount:  p.createCount.Load(),
		CreateFailed: p.createFailed.Load(),
		DestroyCount: p.destroyCount.Load(),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Capacity     int64 // Maximum connections
	Active       int64 // Total connections
	Borrowed     int64 // Connections lent out
	Idle         int64 // Connections available in pool
	CreateCount  int64 // Connections created
	CreateFailed int64 // Failed creation attempts
	DestroyCount int64 // Connections closed
}
