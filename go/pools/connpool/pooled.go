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
	"sync/atomic"
	"time"
)

// Pooled wraps a connection with metadata for pool management.
type Pooled[C Connection] struct {
	// conn is the underlying connection.
	conn C

	// next links the entry into the pool's idle stack.
	next atomic.Pointer[*Pooled[C]]

	// id and name are assigned by the factory for diagnostics.
	id   int64
	name string

	// createdAt is the time when this connection was created.
	createdAt time.Time

	// lastUsedAt is a Unix timestamp in nanoseconds, updated when the entry
	// is lent out or returned.
	lastUsedAt atomic.Int64

	// pool is set once when the pool first lends the entry out.
	pool *Pool[C]

	// borrowed guards against returning the same loan twice.
	borrowed atomic.Bool
}

// NewPooled creates a new Pooled wrapper around a connection.
func NewPooled[C Connection](conn C, id int64, name string) *Pooled[C] {
	now := time.Now()
	p := &Pooled[C]{
		conn:      conn,
		id:        id,
		name:      name,
		createdAt: now,
	}
	p.lastUsedAt.Store(now.UnixNano())
	return p
}

// NextPtr implements connstack.Node.
func (p *Pooled[C]) NextPtr() *atomic.Pointer[*Pooled[C]] {
	return &p.next
}

// Conn returns the underlying connection.
func (p *Pooled[C]) Conn() C {
	return p.conn
}

// ID returns the factory-assigned sequence number.
func (p *Pooled[C]) ID() int64 {
	return p.id
}

// Name returns the factory-assigned diagnostic label.
func (p *Pooled[C]) Name() string {
	return p.name
}

// CreatedAt returns the time when this connection was created.
func (p *Pooled[C]) CreatedAt() time.Time {
	return p.createdAt
}

// LastUsedAt returns the time when this connection was last used.
func (p *Pooled[C]) LastUsedAt() time.Time {
	return time.Unix(0, p.lastUsedAt.Load())
}

// UpdateLastUsed updates the last used timestamp to now.
func (p *Pooled[C]) UpdateLastUsed() {
	p.lastUsedAt.Store(time.Now().UnixNano())
}

// IsBorrowed reports whether the entry is currently lent out.
func (p *Pooled[C]) IsBorrowed() bool {
	return p.borrowed.Load()
}

// Age returns the duration since this connection was created.
func (p *Pooled[C]) Age() time.Duration {
	return time.Since(p.createdAt)
}

// IdleTime returns the duration since this connection was last used.
func (p *Pooled[C]) IdleTime() time.Duration {
	return time.Since(p.LastUsedAt())
}

// Recycle returns the entry to its pool. Only the first Recycle or Taint
// of a loan has any effect. An entry that was never lent out by a pool is
// left alone.
func (p *Pooled[C]) Recycle() {
	if p.pool == nil || !p.borrowed.CompareAndSwap(true, false) {
		return
	}
	p.pool.put(p)
}

// Taint removes the entry from its pool and destroys the connection.
func (p *Pooled[C]) Taint() {
	if p.pool == nil {
		_ = p.conn.Destroy()
		return
	}
	if !p.borrowed.CompareAndSwap(true, false) {
		return
	}
	p.pool.borrowed.Add(-1)
	p.pool.destroy(p, "tainted")
}
