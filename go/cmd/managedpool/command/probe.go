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
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/multigres/managedpool/go/pools/connpool"
	"github.com/multigres/managedpool/go/pools/stmtcache"
	"github.com/multigres/managedpool/go/pools/txregistry"
)

type probeOptions struct {
	connections int
	rounds      int
	query       string
	timeout     time.Duration
}

// probeReport is printed as YAML when the probe finishes.
type probeReport struct {
	ConnectionsCreated int64              `yaml:"connections_created"`
	Pool               connpool.PoolStats `yaml:"pool"`
	Transactions       txregistry.Stats   `yaml:"transactions"`
	Statements         stmtcache.Stats    `yaml:"statements"`
}

// AddProbeCommand adds the probe subcommand to root.
func AddProbeCommand(root *cobra.Command, mc *ManagedPoolCommand) {
	opts := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Open a pool and exercise it against the database",
		Long: `Open a pool from the current configuration, borrow connections
concurrently, prepare and run a statement on each, then run one coordinated
transaction spanning two connections. Pool, transaction and statement cache
statistics are printed as YAML.

Examples:
  # Probe a local database with four concurrent connections
  managedpool probe --db-dsn postgres://localhost/postgres

  # Exercise the statement cache
  managedpool probe --db-dsn postgres://localhost/postgres --cache-statements --rounds 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mc.runProbe(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.connections, "connections", 4, "Connections to borrow concurrently")
	cmd.Flags().IntVar(&opts.rounds, "rounds", 2, "Times each connection prepares and runs the query")
	cmd.Flags().StringVar(&opts.query, "query", "SELECT 1", "Statement to prepare and run")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall probe timeout")

	root.AddCommand(cmd)
}

func (mc *ManagedPoolCommand) runProbe(cmd *cobra.Command, opts *probeOptions) (err error) {
	if opts.connections < 1 {
		return errors.New("--connections must be at least 1")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	s, err := mc.openStack(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()

	if err := probeStatements(ctx, s, opts); err != nil {
		return err
	}
	if err := probeTransaction(ctx, s, opts.query); err != nil {
		return err
	}

	out, err := yaml.Marshal(probeReport{
		ConnectionsCreated: s.factory.Created(),
		Pool:               s.pool.Stats(),
		Transactions:       s.registry.Stats(),
		Statements:         s.factory.CacheStats(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// probeStatements borrows opts.connections connections at once and runs
// the query on each through a prepared statement.
func probeStatements(ctx context.Context, s *stack, opts *probeOptions) error {
	g, gctx := errgroup.WithContext(ctx)
	for range opts.connections {
		g.Go(func() error {
			entry, err := s.pool.Get(gctx)
			if err != nil {
				return err
			}
			conn := entry.Conn()
			defer conn.Close()

			for range opts.rounds {
				stmt, err := conn.PrepareContext(gctx, opts.query)
				if err != nil {
					return fmt.Errorf("%s: %w", conn.Label(), err)
				}
				_, execErr := stmt.ExecContext(gctx)
				if err := errors.Join(execErr, stmt.Close()); err != nil {
					return fmt.Errorf("%s: failed to run %q: %w", conn.Label(), opts.query, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// probeTransaction runs query on two connections inside one transaction.
// Both connections are closed before the commit, so they only go back to
// the pool once it completes.
func probeTransaction(ctx context.Context, s *stack, query string) error {
	txCtx, tx, err := s.registry.Begin(ctx)
	if err != nil {
		return err
	}

	for range 2 {
		entry, err := s.pool.Get(txCtx)
		if err != nil {
			return errors.Join(err, tx.Rollback(txCtx))
		}
		conn := entry.Conn()
		_, err = conn.ExecContext(txCtx, query)
		conn.Close()
		if err != nil {
			return errors.Join(fmt.Errorf("%s: %w", conn.Label(), err), tx.Rollback(txCtx))
		}
	}
	return tx.Commit(txCtx)
}
