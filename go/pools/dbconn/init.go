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

package dbconn

import (
	"context"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/multigres/managedpool/go/common/mterrors"
)

// Initializer prepares a freshly created session before it is pooled.
type Initializer interface {
	ApplyInit(ctx context.Context, conn Conn) error
}

// InitializerFunc adapts a function to the Initializer interface.
type InitializerFunc func(ctx context.Context, conn Conn) error

func (f InitializerFunc) ApplyInit(ctx context.Context, conn Conn) error {
	return f(ctx, conn)
}

// IsolationLevel is a session default transaction isolation level.
type IsolationLevel int

const (
	// IsolationDefault leaves the server default in place.
	IsolationDefault IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

var isolationNames = map[IsolationLevel]string{
	IsolationDefault:         "default",
	IsolationReadUncommitted: "read-uncommitted",
	IsolationReadCommitted:   "read-committed",
	IsolationRepeatableRead:  "repeatable-read",
	IsolationSerializable:    "serializable",
}

func (l IsolationLevel) String() string {
	if name, ok := isolationNames[l]; ok {
		return name
	}
	return fmt.Sprintf("IsolationLevel(%d)", int(l))
}

// Set implements pflag.Value.
func (l *IsolationLevel) Set(s string) error {
	for level, name := range isolationNames {
		if strings.EqualFold(s, name) {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("unknown isolation level %q", s)
}

// Type implements pflag.Value.
func (l *IsolationLevel) Type() string { return "isolation" }

// UnmarshalText lets config files name the level.
func (l *IsolationLevel) UnmarshalText(text []byte) error {
	return l.Set(string(text))
}

func (l IsolationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l IsolationLevel) sql() string {
	return strings.ToUpper(strings.ReplaceAll(l.String(), "-", " "))
}

// InitConfig describes the session setup applied to every new connection.
type InitConfig struct {
	// Schema, if set, becomes the session search_path.
	Schema    string
	Isolation IsolationLevel
	ReadOnly  bool
	// Statements run in order after the defaults above.
	Statements []string
}

// SQLInitializer applies an InitConfig with plain SQL.
type SQLInitializer struct {
	schema string
	stmts  []string
}

// NewSQLInitializer checks every setup statement up front: each must parse
// and hold exactly one statement. A bad statement is a ConfigurationError,
// so it is reported once at startup rather than on every connection.
func NewSQLInitializer(cfg InitConfig) (*SQLInitializer, error) {
	var stmts []string
	if cfg.Isolation != IsolationDefault {
		if _, ok := isolationNames[cfg.Isolation]; !ok {
			return nil, mterrors.NewConfigurationError("NewSQLInitializer", "invalid isolation level "+cfg.Isolation.String(), nil)
		}
		stmts = append(stmts, "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL "+cfg.Isolation.sql())
	}
	if cfg.ReadOnly {
		stmts = append(stmts, "SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY")
	}
	for _, s := range cfg.Statements {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if err := validateStatement(s); err != nil {
			return nil, mterrors.NewConfigurationError("NewSQLInitializer", fmt.Sprintf("invalid init statement %q", s), err)
		}
		stmts = append(stmts, s)
	}
	return &SQLInitializer{schema: cfg.Schema, stmts: stmts}, nil
}

func validateStatement(s string) error {
	tree, err := pg_query.Parse(s)
	if err != nil {
		return err
	}
	if n := len(tree.GetStmts()); n != 1 {
		return fmt.Errorf("expected exactly one statement, found %d", n)
	}
	return nil
}

// Statements returns the SQL run by ApplyInit after the schema is set.
func (i *SQLInitializer) Statements() []string {
	return append([]string(nil), i.stmts...)
}

// ApplyInit sets the schema, then runs each statement in order, stopping at
// the first failure.
func (i *SQLInitializer) ApplyInit(ctx context.Context, conn Conn) error {
	if i.schema != "" {
		if err := conn.SetSchema(ctx, i.schema); err != nil {
			return fmt.Errorf("failed to set schema %q: %w", i.schema, err)
		}
	}
	for _, s := range i.stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to apply init statement %q: %w", s, err)
		}
	}
	return nil
}
