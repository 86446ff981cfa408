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

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/multigres/managedpool/go/pools/connpool"
	"github.com/multigres/managedpool/go/pools/dbconn"
	"github.com/multigres/managedpool/go/pools/managed"
	"github.com/multigres/managedpool/go/pools/stmtcache"
	"github.com/multigres/managedpool/go/pools/txregistry"
	"github.com/multigres/managedpool/go/servenv"
	"github.com/multigres/managedpool/go/viperutil"
)

const defaultPoolName = "managedpool"

// ManagedPoolCommand holds the configuration shared by managedpool commands.
type ManagedPoolCommand struct {
	reg *viperutil.Registry
	vc  *viperutil.ViperConfig
	lg  *servenv.Logger
	cfg *managed.Config

	logger     *slog.Logger
	stopConfig context.CancelFunc
}

// GetRootCommand creates the root command with all subcommands.
func GetRootCommand() (*cobra.Command, *ManagedPoolCommand) {
	reg := viperutil.NewRegistry()
	mc := &ManagedPoolCommand{
		reg: reg,
		vc:  viperutil.NewViperConfig(reg),
		lg:  servenv.NewLogger(reg),
		cfg: managed.NewConfig(reg),
	}

	root := &cobra.Command{
		Use:   "managedpool",
		Short: "Transaction-aware PostgreSQL connection pool",
		Long: `managedpool builds pooled PostgreSQL connections that take part in
ambient transactions, with an optional prepared statement cache per
connection.

Settings come from flags, MP_* environment variables and an optional
managedpool.yaml config file, in that order of precedence.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			stop, err := mc.vc.LoadConfig(mc.reg)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			mc.stopConfig = stop

			logger, err := mc.lg.SetupLogging()
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			mc.logger = logger
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if mc.stopConfig != nil {
				mc.stopConfig()
			}
			return mc.lg.Close()
		},
	}

	mc.vc.RegisterFlags(root.PersistentFlags())
	mc.lg.RegisterFlags(root.PersistentFlags())
	mc.cfg.RegisterFlags(root.PersistentFlags())

	AddProbeCommand(root, mc)
	AddConfigCommand(root, mc)

	return root, mc
}

// stack is a pool wired from the loaded configuration.
type stack struct {
	supplier  *dbconn.DBSupplier
	registry  *txregistry.Registry
	factory   *managed.Factory
	pool      *connpool.Pool[*managed.Conn]
	stopWatch context.CancelFunc
}

func (mc *ManagedPoolCommand) openStack(ctx context.Context) (*stack, error) {
	if mc.cfg.DSN() == "" {
		return nil, errors.New("--db-dsn flag is required")
	}
	logger := mc.logger
	if logger == nil {
		logger = slog.Default()
	}

	initializer, err := dbconn.NewSQLInitializer(mc.cfg.InitConfig())
	if err != nil {
		return nil, err
	}
	supplier, err := dbconn.OpenSupplier(mc.cfg.Driver(), mc.cfg.DSN())
	if err != nil {
		return nil, err
	}

	metrics, err := stmtcache.NewMetrics(nil)
	if err != nil {
		logger.WarnContext(ctx, "some statement cache metrics are disabled", "error", err)
	}

	registry := txregistry.NewRegistry(ctx, mc.cfg.RegistryConfig(logger))
	factoryConfig := mc.cfg.FactoryConfig(logger, metrics)
	factory, err := managed.NewFactory(supplier, initializer, registry, factoryConfig)
	if err != nil {
		registry.Close()
		return nil, errors.Join(err, supplier.Close())
	}

	name := factoryConfig.NameBase
	if name == "" {
		name = defaultPoolName
	}
	return &stack{
		supplier:  supplier,
		registry:  registry,
		factory:   factory,
		pool:      connpool.NewPool[*managed.Conn](factory, mc.cfg.PoolConfig(name, logger)),
		stopWatch: mc.cfg.WatchMaxOpenStatements(mc.reg, factory),
	}, nil
}

// Close rolls back open transactions and closes every connection.
func (s *stack) Close() error {
	s.stopWatch()
	s.registry.Close()
	poolErr := s.pool.Close()
	return errors.Join(poolErr, s.supplier.Close())
}
