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
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockConnection is a mock implementation of Connection for testing.
type mockConnection struct {
	closed      atomic.Bool
	activations atomic.Int32
	destroys    atomic.Int32
}

func (m *mockConnection) IsClosed() bool { return m.closed.Load() }

func (m *mockConnection) Activate() { m.activations.Add(1) }

func (m *mockConnection) Destroy() error {
	m.destroys.Add(1)
	m.closed.Store(true)
	return nil
}

// mockFactory builds mock connections and can be told to fail.
type mockFactory struct {
	mu    sync.Mutex
	seq   int64
	err   error
	conns []*mockConnection
}

func (f *mockFactory) CreateEntry(context.Context) (*Pooled[*mockConnection], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &mockConnection{}
	f.conns = append(f.conns, c)
	id := f.seq
	f.seq++
	return NewPooled(c, id, "test"), nil
}

func (f *mockFactory) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestPool(t *testing.T, cfg Config) (*Pool[*mockConnection], *mockFactory) {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := &mockFactory{}
	pool := NewPool[*mockConnection](factory, cfg)
	t.Cleanup(func() { _ = pool.Close() })
	return pool, factory
}

func TestPoolBasicGetRecycle(t *testing.T) {
	pool, _ := newTestPool(t, Config{Capacity: 10})
	ctx := context.Background()

	conn1, err := pool.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn1)
	assert.True(t, conn1.IsBorrowed())
	assert.Equal(t, int64(0), conn1.ID())

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(1), stats.Borrowed)
	assert.Equal(t, int64(0), stats.Idle)

	conn1.Recycle()

	stats = pool.Stats()
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(0), stats.Borrowed)
	assert.Equal(t, int64(1), stats.Idle)

	// Get again - should reuse the same connection
	conn2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, conn1, conn2)
	assert.Equal(t, int32(1), conn2.Conn().activations.Load())
	assert.Equal(t, int64(1), pool.Stats().CreateCount)
}

func TestPoolRecycleTwiceIsNoop(t *testing.T) {
	pool, _ := newTestPool(t, Config{Capacity: 10})

	conn, err := pool.Get(context.Background())
	require.NoError(t, err)
	conn.Recycle()
	conn.Recycle()
	conn.Taint()

	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Borrowed)
	assert.Equal(t, int64(1), stats.Idle)
	assert.Equal(t, int32(0), conn.Conn().destroys.Load())
}

func TestPoolCapacity(t *testing.T) {
	pool, _ := newTestPool(t, Config{Capacity: 2})
	ctx := context.Background()

	conn1, err := pool.Get(ctx)
	require.NoError(t, err)
	_, err = pool.Get(ctx)
	require.NoError(t, err)

	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	conn1.Recycle()
	conn3, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, conn1, conn3)
}

func TestPoolTaint(t *testing.T) {
	pool, _ := newTestPool(t, Config{Capacity: 1})
	ctx := context.Background()

	conn, err := pool.Get(ctx)
	require.NoError(t, err)
	conn.Taint()

	assert.Equal(t, int32(1), conn.Conn().destroys.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.DestroyCount)

	// The slot is free again.
	conn2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, conn, conn2)
}

func TestPoolMaxIdle(t *testing.T) {
	pool, _ := newTestPool(t, Config{Capacity: 3, MaxIdle: 1})
	ctx := context.Background()

	conn1, err := pool.Get(ctx)
	require.NoError(t, err)
	conn2, err := pool.Get(ctx)
	require.NoError(t, err)

	conn1.Recycle()
	conn2.Recycle()

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Idle)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int32(1), conn2.Conn().destroys.Load())
}

func TestPoolDiscardsClosedConnections(t *testing.T) {
	pool, _ := newTestPool(t, Config{Capacity: 2})
	ctx := context.Background()

	conn1, err := pool.Get(ctx)
	require.NoError(t, err)
	conn1.Recycle()
	conn1.Conn().closed.Store(true)

	conn2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, conn1, conn2)
	assert.Equal(t, int64(1), pool.Stats().Active)
}

func TestPoolMaxLifetime(t *testing.T) {
	pool, _ := newTestPool(t, Config{Capacity: 2, MaxLifetime: 10 * time.Millisecond})
	ctx := context.Background()

	conn1, err := pool.Get(ctx)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	conn1.Recycle()

	assert.Equal(t, int32(1), conn1.Conn().destroys.Load(), "expired on return")
	assert.Equal(t, int64(0), pool.Stats().Active)
}

func TestPoolReapIdle(t *testing.T) {
	pool, _ := newTestPool(t, Config{Capacity: 3, IdleTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	conn1, err := pool.Get(ctx)
	require.NoError(t, err)
	conn2, err := pool.Get(ctx)
	require.NoError(t, err)
	conn1.Recycle()
	conn2.Recycle()
	require.Equal(t, int64(2), pool.Stats().Idle)

	assert.Equal(t, 0, pool.ReapIdle())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, pool.ReapIdle())

	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Idle)
	assert.Equal(t, int64(0), stats.Active)
}

func TestPoolReapIdleKeepsSurvivorOrder(t *testing.T) {
	pool, _ := newTestPool(t, Config{Capacity: 3})
	ctx := context.Background()

	var conns []*Pooled[*mockConnection]
	for range 3 {
		c, err := pool.Get(ctx)
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		c.Recycle()
	}
	conns[1].Conn().closed.Store(true)

	assert.Equal(t, 1, pool.ReapIdle())
	assert.Equal(t, int64(2), pool.Stats().Idle)

	first, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, conns[2], first, "most recently returned entry is still on top")
	second, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, conns[0], second)
	first.Recycle()
	second.Recycle()
}

func TestPoolFactoryError(t *testing.T) {
	pool, factory := newTestPool(t, Config{Capacity: 1})
	factory.fail(errors.New("connection refused"))

	_, err := pool.Get(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create connection")
	assert.Contains(t, err.Error(), "connection refused")

	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.CreateFailed)

	factory.fail(nil)
	_, err = pool.Get(context.Background())
	require.NoError(t, err)
}

func TestPoolCreateRateLimit(t *testing.T) {
	pool, _ := newTestPool(t, Config{Capacity: 10, CreateRate: 0.001, CreateBurst: 1})
	ctx := context.Background()

	_, err := pool.Get(ctx)
	require.NoError(t, err)

	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, ErrCreateRateLimited)
	assert.Equal(t, int64(1), pool.Stats().Active)
}

func TestPoolClose(t *testing.T) {
	pool, _ := newTestPool(t, Config{Capacity: 3})
	ctx := context.Background()

	idle, err := pool.Get(ctx)
	require.NoError(t, err)
	borrowed, err := pool.Get(ctx)
	require.NoError(t, err)
	idle.Recycle()

	require.NoError(t, pool.Close())
	assert.ErrorIs(t, pool.Close(), ErrPoolClosed)
	assert.Equal(t, int32(1), idle.Conn().destroys.Load())
	assert.Equal(t, int32(0), borrowed.Conn().destroys.Load())

	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	borrowed.Recycle()
	assert.Equal(t, int32(1), borrowed.Conn().destroys.Load())
	assert.Equal(t, int64(0), pool.Stats().Active)
}

func TestPoolConcurrentGetRecycle(t *testing.T) {
	const capacity = 4
	pool, _ := newTestPool(t, Config{Capacity: capacity})

	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			for range 100 {
				conn, err := pool.Get(context.Background())
				if errors.Is(err, ErrPoolExhausted) {
					continue
				}
				if err != nil {
					return err
				}
				if n := pool.Stats().Active; n > capacity {
					return errors.New("pool grew past capacity")
				}
				conn.Recycle()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Borrowed)
	assert.LessOrEqual(t, stats.Active, int64(capacity))
	assert.Equal(t, stats.Active, stats.Idle)
}

func TestPooledWithoutPool(t *testing.T) {
	c := &mockConnection{}
	p := NewPooled(c, 7, "orphan")

	p.Recycle()
	assert.Equal(t, int32(0), c.destroys.Load())
	assert.False(t, p.IsBorrowed())
	assert.Equal(t, "orphan", p.Name())
	assert.Equal(t, int64(7), p.ID())

	p.Taint()
	assert.Equal(t, int32(1), c.destroys.Load())
}
