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

// Package managed builds pooled connections that take part in ambient
// transactions.
//
// A Factory turns a raw session into a pool entry: it obtains the session
// from a Supplier, initializes it, optionally layers a statement cache on
// top, and wraps the result in a transaction-aware Conn bound to a shared
// txregistry.Registry.
package managed

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/multigres/managedpool/go/common/mterrors"
	"github.com/multigres/managedpool/go/pools/connpool"
	"github.com/multigres/managedpool/go/pools/dbconn"
	"github.com/multigres/managedpool/go/pools/stmtcache"
	"github.com/multigres/managedpool/go/pools/txregistry"
)

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	// CacheStatements gives every connection its own statement cache.
	CacheStatements bool

	// MaxOpenStatements bounds each cache. Zero or less means no bound.
	MaxOpenStatements int

	// NameBase prefixes connection labels. When empty, connections are
	// labelled "connection=<n>" and cache metrics are not recorded.
	NameBase string

	// Metrics records statement cache activity; nil disables it.
	Metrics *stmtcache.Metrics

	// Logger for factory and connection operations.
	Logger *slog.Logger
}

// Factory creates managed connection entries. It is safe for concurrent
// use; creation is not serialized.
type Factory struct {
	supplier    dbconn.Supplier
	initializer dbconn.Initializer
	registry    *txregistry.Registry
	config      FactoryConfig
	logger      *slog.Logger

	// seq numbers successful creations from zero.
	seq atomic.Int64

	maxOpenStatements atomic.Int64

	// mu protects live.
	mu   sync.Mutex
	live map[*Conn]struct{}
}

var _ connpool.Factory[*Conn] = (*Factory)(nil)

// NewFactory creates a factory. initializer may be nil.
func NewFactory(supplier dbconn.Supplier, initializer dbconn.Initializer, registry *txregistry.Registry, config FactoryConfig) (*Factory, error) {
	if supplier == nil {
		return nil, mterrors.NewConfigurationError("NewFactory", "no connection supplier", nil)
	}
	if registry == nil {
		return nil, mterrors.NewConfigurationError("NewFactory", "no transaction registry", nil)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &Factory{
		supplier:    supplier,
		initializer: initializer,
		registry:    registry,
		config:      config,
		logger:      logger,
		live:        make(map[*Conn]struct{}),
	}
	f.maxOpenStatements.Store(int64(config.MaxOpenStatements))
	return f, nil
}

// CreateEntry builds one pool entry. A supplier returning no connection is
// a ConfigurationError; a failed initialization is a CreationError and
// closes the raw connection first. Only successful calls consume a
// sequence number.
func (f *Factory) CreateEntry(ctx context.Context) (*connpool.Pooled[*Conn], error) {
	raw, err := f.supplier.CreateConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain raw connection: %w", err)
	}
	if isNil(raw) {
		return nil, mterrors.NewConfigurationError("CreateEntry", "connection supplier returned no connection", nil)
	}

	if f.initializer != nil {
		if err := f.initializer.ApplyInit(ctx, raw); err != nil {
			if closeErr := raw.Close(); closeErr != nil {
				f.logger.WarnContext(ctx, "failed to close connection after initialization failure",
					"error", closeErr)
			}
			return nil, mterrors.NewCreationError("CreateEntry", "failed to initialize connection", err)
		}
	}

	// Nothing below can fail.
	n := f.seq.Add(1) - 1
	label := f.label(n)

	conn := &Conn{
		inner:     raw,
		registry:  f.registry,
		label:     label,
		logger:    f.logger,
		onDestroy: f.forget,
	}
	if f.config.CacheStatements {
		cfg := stmtcache.Config{
			MaxTotal:      int(f.maxOpenStatements.Load()),
			MaxIdlePerKey: 1,
			Name:          label,
			Logger:        f.logger,
		}
		if f.config.NameBase != "" {
			cfg.Metrics = f.config.Metrics
		}
		cached := stmtcache.NewConn(raw, cfg)
		conn.inner = cached
		conn.cache = cached.Cache()
	}

	entry := connpool.NewPooled(conn, n, label)
	conn.entry = entry

	f.mu.Lock()
	f.live[conn] = struct{}{}
	f.mu.Unlock()

	f.logger.DebugContext(ctx, "managed connection created",
		"conn_id", n,
		"label", label,
		"cache_statements", f.config.CacheStatements)
	return entry, nil
}

// Created returns how many entries have been created.
func (f *Factory) Created() int64 {
	return f.seq.Load()
}

// Live returns how many created connections have not been destroyed.
func (f *Factory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// SetMaxOpenStatements changes the statement bound for new connections and
// applies it to the caches of live ones.
func (f *Factory) SetMaxOpenStatements(n int) {
	f.maxOpenStatements.Store(int64(n))

	f.mu.Lock()
	caches := make([]*stmtcache.Cache, 0, len(f.live))
	for c := range f.live {
		if c.cache != nil {
			caches = append(caches, c.cache)
		}
	}
	f.mu.Unlock()

	for _, cache := range caches {
		cache.SetMaxTotal(n)
	}
	f.logger.Info("statement cache bound changed", "max_open_statements", n, "caches", len(caches))
}

// CacheStats sums the statement cache statistics of live connections.
func (f *Factory) CacheStats() stmtcache.Stats {
	f.mu.Lock()
	caches := make([]*stmtcache.Cache, 0, len(f.live))
	for c := range f.live {
		if c.cache != nil {
			caches = append(caches, c.cache)
		}
	}
	f.mu.Unlock()

	total := stmtcache.Stats{MaxTotal: int(f.maxOpenStatements.Load())}
	for _, cache := range caches {
		s := cache.Stats()
		total.Idle += s.Idle
		total.Borrowed += s.Borrowed
		total.Total += s.Total
		total.Hits += s.Hits
		total.Misses += s.Misses
		total.Evictions += s.Evictions
		total.Discards += s.Discards
	}
	return total
}

func (f *Factory) label(n int64) string {
	if f.config.NameBase == "" {
		return fmt.Sprintf("connection=%d", n)
	}
	return fmt.Sprintf("%s,connection=%d", f.config.NameBase, n)
}

func (f *Factory) forget(c *Conn) {
	f.mu.Lock()
	delete(f.live, c)
	f.mu.Unlock()
}

// isNil catches typed nil pointers as well as a nil interface.
func isNil(c dbconn.Conn) bool {
	if c == nil {
		return true
	}
	v := reflect.ValueOf(c)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
