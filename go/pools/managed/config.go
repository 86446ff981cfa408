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
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/multigres/managedpool/go/pools/connpool"
	"github.com/multigres/managedpool/go/pools/dbconn"
	"github.com/multigres/managedpool/go/pools/stmtcache"
	"github.com/multigres/managedpool/go/pools/txregistry"
	"github.com/multigres/managedpool/go/viperutil"
)

// Config holds viper-backed configuration for a managed pool: the data
// source, the factory, the transaction registry and the pool container.
// Create with NewConfig(), register flags with RegisterFlags(), then build
// the pieces once flags and config files are loaded.
type Config struct {
	// --- Data source ---
	driver viperutil.Value[string]
	dsn    viperutil.Value[string]

	// --- Factory ---
	cacheStatements   viperutil.Value[bool]
	maxOpenStatements viperutil.Value[int]
	nameBase          viperutil.Value[string]

	// Session defaults applied to every new connection
	initSQL          viperutil.Value[[]string]
	defaultSchema    viperutil.Value[string]
	defaultIsolation viperutil.Value[dbconn.IsolationLevel]
	defaultReadOnly  viperutil.Value[bool]

	// --- Transaction registry ---
	txTimeout viperutil.Value[time.Duration]

	// --- Pool container ---
	poolCapacity    viperutil.Value[int]
	poolMaxIdle     viperutil.Value[int]
	poolIdleTimeout viperutil.Value[time.Duration]
	poolMaxLifetime viperutil.Value[time.Duration]
	poolCreateRate  viperutil.Value[float64]
	poolCreateBurst viperutil.Value[int]
}

// NewConfig creates a new Config with all settings registered to reg.
func NewConfig(reg *viperutil.Registry) *Config {
	var (
		poolCapacity    = 20
		poolMaxIdle     = 5
		poolIdleTimeout = 5 * time.Minute
		poolMaxLifetime = 1 * time.Hour
	)

	return &Config{
		driver: viperutil.Configure(reg, "db.driver", viperutil.Options[string]{
			Default:  dbconn.DriverPQ,
			FlagName: "db-driver",
			EnvVars:  []string{"MP_DB_DRIVER"},
		}),
		dsn: viperutil.Configure(reg, "db.dsn", viperutil.Options[string]{
			Default:  "",
			FlagName: "db-dsn",
			EnvVars:  []string{"MP_DB_DSN", "DATABASE_URL"},
		}),

		cacheStatements: viperutil.Configure(reg, "managed.cache-statements", viperutil.Options[bool]{
			Default:  false,
			FlagName: "cache-statements",
		}),
		maxOpenStatements: viperutil.Configure(reg, "managed.max-open-statements", viperutil.Options[int]{
			Default:  0,
			FlagName: "max-open-statements",
			Dynamic:  true,
		}),
		nameBase: viperutil.Configure(reg, "managed.name-base", viperutil.Options[string]{
			Default:  "",
			FlagName: "name-base",
		}),

		initSQL: viperutil.Configure(reg, "managed.init-sql", viperutil.Options[[]string]{
			FlagName: "init-sql",
		}),
		defaultSchema: viperutil.Configure(reg, "managed.default-schema", viperutil.Options[string]{
			FlagName: "default-schema",
		}),
		defaultIsolation: viperutil.Configure(reg, "managed.default-isolation", viperutil.Options[dbconn.IsolationLevel]{
			Default:  dbconn.IsolationDefault,
			FlagName: "default-isolation",
		}),
		defaultReadOnly: viperutil.Configure(reg, "managed.default-read-only", viperutil.Options[bool]{
			FlagName: "default-read-only",
		}),

		txTimeout: viperutil.Configure(reg, "managed.tx-timeout", viperutil.Options[time.Duration]{
			FlagName: "tx-timeout",
		}),

		poolCapacity: viperutil.Configure(reg, "pool.capacity", viperutil.Options[int]{
			Default:  poolCapacity,
			FlagName: "pool-capacity",
		}),
		poolMaxIdle: viperutil.Configure(reg, "pool.max-idle", viperutil.Options[int]{
			Default:  poolMaxIdle,
			FlagName: "pool-max-idle",
		}),
		poolIdleTimeout: viperutil.Configure(reg, "pool.idle-timeout", viperutil.Options[time.Duration]{
			Default:  poolIdleTimeout,
			FlagName: "pool-idle-timeout",
		}),
		poolMaxLifetime: viperutil.Configure(reg, "pool.max-lifetime", viperutil.Options[time.Duration]{
			Default:  poolMaxLifetime,
			FlagName: "pool-max-lifetime",
		}),
		poolCreateRate: viperutil.Configure(reg, "pool.create-rate", viperutil.Options[float64]{
			FlagName: "pool-create-rate",
		}),
		poolCreateBurst: viperutil.Configure(reg, "pool.create-burst", viperutil.Options[int]{
			Default:  1,
			FlagName: "pool-create-burst",
		}),
	}
}

// RegisterFlags registers all managed pool flags with the given FlagSet.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	// Data source flags
	fs.String("db-driver", c.driver.Default(), "database/sql driver: postgres (lib/pq) or pgx")
	fs.String("db-dsn", c.dsn.Default(), "Data source name (can also be set via MP_DB_DSN or DATABASE_URL)")

	// Factory flags
	fs.Bool("cache-statements", c.cacheStatements.Default(), "Give every connection its own prepared statement cache")
	fs.Int("max-open-statements", c.maxOpenStatements.Default(), "Maximum cached statements per connection (0 = unlimited, reloadable)")
	fs.String("name-base", c.nameBase.Default(), "Prefix for connection labels in logs and metrics; empty disables cache metrics")
	fs.StringSlice("init-sql", c.initSQL.Default(), "Statements run on every new connection, in order")
	fs.String("default-schema", c.defaultSchema.Default(), "search_path set on every new connection")
	isolation := c.defaultIsolation.Default()
	fs.Var(&isolation, "default-isolation", "Session isolation level (default, read-uncommitted, read-committed, repeatable-read, serializable)")
	fs.Bool("default-read-only", c.defaultReadOnly.Default(), "Make every new connection read-only by default")

	// Registry flags
	fs.Duration("tx-timeout", c.txTimeout.Default(), "Roll back transactions still active after this long (0 = never)")

	// Pool flags
	fs.Int("pool-capacity", c.poolCapacity.Default(), "Maximum number of pooled connections")
	fs.Int("pool-max-idle", c.poolMaxIdle.Default(), "Maximum number of idle connections to keep")
	fs.Duration("pool-idle-timeout", c.poolIdleTimeout.Default(), "How long a connection can remain idle before being closed")
	fs.Duration("pool-max-lifetime", c.poolMaxLifetime.Default(), "Maximum lifetime of a connection before recycling")
	fs.Float64("pool-create-rate", c.poolCreateRate.Default(), "Maximum new connections per second (0 = unlimited)")
	fs.Int("pool-create-burst", c.poolCreateBurst.Default(), "Connections that may be created at once before the rate applies")

	viperutil.BindFlags(fs,
		c.driver,
		c.dsn,
		c.cacheStatements,
		c.maxOpenStatements,
		c.nameBase,
		c.initSQL,
		c.defaultSchema,
		c.defaultIsolation,
		c.defaultReadOnly,
		c.txTimeout,
		c.poolCapacity,
		c.poolMaxIdle,
		c.poolIdleTimeout,
		c.poolMaxLifetime,
		c.poolCreateRate,
		c.poolCreateBurst,
	)
}

// Driver returns the database/sql driver name.
func (c *Config) Driver() string { return c.driver.Get() }

// DSN returns the data source name.
func (c *Config) DSN() string { return c.dsn.Get() }

// MaxOpenStatements returns the current per-connection statement bound.
func (c *Config) MaxOpenStatements() int { return c.maxOpenStatements.Get() }

// FactoryConfig returns the factory settings.
func (c *Config) FactoryConfig(logger *slog.Logger, metrics *stmtcache.Metrics) FactoryConfig {
	return FactoryConfig{
		CacheStatements:   c.cacheStatements.Get(),
		MaxOpenStatements: c.maxOpenStatements.Get(),
		NameBase:          c.nameBase.Get(),
		Metrics:           metrics,
		Logger:            logger,
	}
}

// InitConfig returns the session defaults applied to new connections.
func (c *Config) InitConfig() dbconn.InitConfig {
	return dbconn.InitConfig{
		Schema:     c.defaultSchema.Get(),
		Isolation:  c.defaultIsolation.Get(),
		ReadOnly:   c.defaultReadOnly.Get(),
		Statements: c.initSQL.Get(),
	}
}

// RegistryConfig returns the transaction registry settings.
func (c *Config) RegistryConfig(logger *slog.Logger) *txregistry.Config {
	return &txregistry.Config{
		Timeout: c.txTimeout.Get(),
		Logger:  logger,
	}
}

// PoolConfig returns the pool container settings.
func (c *Config) PoolConfig(name string, logger *slog.Logger) connpool.Config {
	return connpool.Config{
		Name:        name,
		Capacity:    c.poolCapacity.Get(),
		MaxIdle:     c.poolMaxIdle.Get(),
		IdleTimeout: c.poolIdleTimeout.Get(),
		MaxLifetime: c.poolMaxLifetime.Get(),
		CreateRate:  c.poolCreateRate.Get(),
		CreateBurst: c.poolCreateBurst.Get(),
		Logger:      logger,
	}
}

// WatchMaxOpenStatements applies reloads of managed.max-open-statements to
// f. The returned function stops watching and waits for the watcher to exit.
func (c *Config) WatchMaxOpenStatements(reg *viperutil.Registry, f *Factory) context.CancelFunc {
	reloaded := make(chan struct{}, 1)
	reg.Notify(reloaded)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	current := c.maxOpenStatements.Get()
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloaded:
				if n := c.maxOpenStatements.Get(); n != current {
					current = n
					f.SetMaxOpenStatements(n)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
