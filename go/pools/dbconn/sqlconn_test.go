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
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockConn(t *testing.T) (*SQLConn, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	conn, err := mockDB.Conn(context.Background())
	require.NoError(t, err)
	return NewSQLConn(conn), mock
}

func TestSQLConnTransactionControl(t *testing.T) {
	conn, mock := newMockConn(t)
	ctx := context.Background()

	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("BEGIN").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, conn.Begin(ctx))
	require.NoError(t, conn.Commit(ctx))
	require.NoError(t, conn.Begin(ctx))
	require.NoError(t, conn.Rollback(ctx))

	assert.False(t, conn.IsClosed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnPrepare(t *testing.T) {
	conn, mock := newMockConn(t)
	ctx := context.Background()

	mock.ExpectPrepare(regexp.QuoteMeta("SELECT $1::int")).
		ExpectExec().WithArgs(7).WillReturnResult(sqlmock.NewResult(0, 1))

	stmt, err := conn.PrepareContext(ctx, "SELECT $1::int")
	require.NoError(t, err)
	res, err := stmt.ExecContext(ctx, 7)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, stmt.Close())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnPrepareFailureReturnsNilStmt(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectPrepare("SELEC").WillReturnError(&pq.Error{Severity: "ERROR", Code: "42601", Message: "syntax error"})

	stmt, err := conn.PrepareContext(context.Background(), "SELEC 1")
	require.Error(t, err)
	assert.Nil(t, stmt)
	assert.False(t, conn.IsClosed(), "a syntax error leaves the session usable")
}

func TestSQLConnMarksBrokenOnConnectionError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		broken bool
	}{
		{"admin shutdown", &pq.Error{Severity: "FATAL", Code: "57P01", Message: "terminating connection"}, true},
		{"connection failure", &pq.Error{Severity: "ERROR", Code: "08006", Message: "connection failure"}, true},
		{"division by zero", &pq.Error{Severity: "ERROR", Code: "22012", Message: "division by zero"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, mock := newMockConn(t)
			mock.ExpectExec("SELECT 1").WillReturnError(tt.err)

			_, err := conn.ExecContext(context.Background(), "SELECT 1")
			require.Error(t, err)
			assert.Equal(t, tt.broken, conn.IsClosed())
		})
	}
}

func TestSQLConnSetSchema(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectExec(regexp.QuoteMeta(`SET search_path TO "Tenant_1"`)).WillReturnResult(sqlmock.NewResult(0, 0))

	assert.Equal(t, "", conn.Schema())
	require.NoError(t, conn.SetSchema(context.Background(), "Tenant_1"))
	assert.Equal(t, "Tenant_1", conn.Schema())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnCloseIsIdempotent(t *testing.T) {
	conn, _ := newMockConn(t)

	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.NoError(t, conn.Close())
}

func TestDBSupplier(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	supplier := NewDBSupplier(mockDB)
	defer supplier.Close()

	conn, err := supplier.CreateConnection(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)

	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))
	_, err = conn.ExecContext(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenSupplier(t *testing.T) {
	tests := []struct {
		name          string
		driver        string
		dsn           string
		errorContains string
	}{
		{name: "lib/pq", driver: DriverPQ, dsn: "postgres://localhost/app?sslmode=disable"},
		{name: "pgx", driver: DriverPGX, dsn: "postgres://localhost/app"},
		{name: "unknown driver", driver: "mysql", dsn: "x", errorContains: "unsupported driver"},
		{name: "empty dsn", driver: DriverPQ, errorContains: "empty data source name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := OpenSupplier(tt.driver, tt.dsn)
			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}
}

func TestSupplierFunc(t *testing.T) {
	var s Supplier = SupplierFunc(func(context.Context) (Conn, error) { return nil, nil })
	conn, err := s.CreateConnection(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, conn)
}
