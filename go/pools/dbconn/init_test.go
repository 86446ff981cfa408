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
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/managedpool/go/common/mterrors"
)

func TestNewSQLInitializerComposesDefaults(t *testing.T) {
	initializer, err := NewSQLInitializer(InitConfig{
		Schema:     "app",
		Isolation:  IsolationRepeatableRead,
		ReadOnly:   true,
		Statements: []string{"SET statement_timeout = 5000", "  ", "SET application_name = 'managedpool'"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL REPEATABLE READ",
		"SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY",
		"SET statement_timeout = 5000",
		"SET application_name = 'managedpool'",
	}, initializer.Statements())
}

func TestNewSQLInitializerRejectsBadStatements(t *testing.T) {
	tests := []struct {
		name string
		stmt string
	}{
		{"syntax error", "SELEC 1"},
		{"two statements", "SET a.b = 1; SET a.c = 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSQLInitializer(InitConfig{Statements: []string{tt.stmt}})
			require.Error(t, err)
			assert.True(t, mterrors.IsConfigurationError(err))
			assert.Contains(t, err.Error(), tt.stmt)
		})
	}
}

func TestSQLInitializerApplyInit(t *testing.T) {
	tests := []struct {
		name          string
		setupMock     func(mock sqlmock.Sqlmock)
		errorContains string
	}{
		{
			name: "all statements succeed",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`SET search_path TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec("SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL SERIALIZABLE").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec("SET lock_timeout = 100").WillReturnResult(sqlmock.NewResult(0, 0))
			},
		},
		{
			name: "schema fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`SET search_path TO "app"`).WillReturnError(errors.New("permission denied"))
			},
			errorContains: `failed to set schema "app"`,
		},
		{
			name: "statement fails and stops the rest",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`SET search_path TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec("SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL SERIALIZABLE").
					WillReturnError(errors.New("not allowed"))
			},
			errorContains: "failed to apply init statement",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
			require.NoError(t, err)
			defer mockDB.Close()
			sqlConn, err := mockDB.Conn(context.Background())
			require.NoError(t, err)
			conn := NewSQLConn(sqlConn)

			tt.setupMock(mock)

			initializer, err := NewSQLInitializer(InitConfig{
				Schema:     "app",
				Isolation:  IsolationSerializable,
				Statements: []string{"SET lock_timeout = 100"},
			})
			require.NoError(t, err)

			err = initializer.ApplyInit(context.Background(), conn)
			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "app", conn.Schema())
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestIsolationLevelFlag(t *testing.T) {
	var level IsolationLevel
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Var(&level, "isolation", "")

	require.NoError(t, fs.Parse([]string{"--isolation=Read-Committed"}))
	assert.Equal(t, IsolationReadCommitted, level)
	assert.Equal(t, "read-committed", level.String())

	require.NoError(t, level.UnmarshalText([]byte("serializable")))
	assert.Equal(t, IsolationSerializable, level)
	text, err := level.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "serializable", string(text))

	assert.Error(t, level.Set("snapshot"))
	assert.Equal(t, "IsolationLevel(42)", IsolationLevel(42).String())
}
