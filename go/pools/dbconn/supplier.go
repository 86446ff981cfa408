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
	"database/sql"
	"errors"
	"fmt"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"
)

// Supported database/sql driver names.
const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// Supplier produces new physical sessions on demand.
//
// A Supplier that returns (nil, nil) is treated by callers as misconfigured.
type Supplier interface {
	CreateConnection(ctx context.Context) (Conn, error)
}

// SupplierFunc adapts a function to the Supplier interface.
type SupplierFunc func(ctx context.Context) (Conn, error)

func (f SupplierFunc) CreateConnection(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// DBSupplier hands out dedicated sessions from a *sql.DB.
//
// database/sql keeps no idle connections of its own, so closing a session
// closes the driver connection and pooling is left to the caller.
type DBSupplier struct {
	db *sql.DB
}

// NewDBSupplier takes ownership of db.
func NewDBSupplier(db *sql.DB) *DBSupplier {
	db.SetMaxIdleConns(0)
	return &DBSupplier{db: db}
}

// OpenSupplier opens a DBSupplier for driverName ("postgres" or "pgx") and dsn.
// The DSN is not dialed until the first CreateConnection.
func OpenSupplier(driverName, dsn string) (*DBSupplier, error) {
	switch driverName {
	case DriverPQ, DriverPGX:
	default:
		return nil, fmt.Errorf("unsupported driver %q (want %q or %q)", driverName, DriverPQ, DriverPGX)
	}
	if dsn == "" {
		return nil, errors.New("empty data source name")
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s data source: %w", driverName, err)
	}
	return NewDBSupplier(db), nil
}

// CreateConnection dials a new session.
func (s *DBSupplier) CreateConnection(ctx context.Context) (Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return NewSQLConn(conn), nil
}

// Close closes the underlying *sql.DB.
func (s *DBSupplier) Close() error {
	return s.db.Close()
}
