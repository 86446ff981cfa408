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

package stmtcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/managedpool/go/pools/dbconn/dbconntest"
)

func TestConnRoutesPrepareThroughCache(t *testing.T) {
	raw := dbconntest.NewConn(0)
	conn := NewConn(raw, Config{MaxTotal: 10, Name: "pool,connection=0"})
	ctx := context.Background()

	s1, err := conn.PrepareContext(ctx, "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, s1.Close())
	s2, err := conn.PrepareContext(ctx, "SELECT 1")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, raw.PrepareCount())

	res, err := s2.ExecContext(ctx)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConnKeysOnSchema(t *testing.T) {
	raw := dbconntest.NewConn(0)
	conn := NewConn(raw, Config{MaxTotal: 10})
	ctx := context.Background()

	require.NoError(t, conn.SetSchema(ctx, "tenant_a"))
	a, err := conn.Prepare(ctx, "SELECT * FROM accounts")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.NoError(t, conn.SetSchema(ctx, "tenant_b"))
	b, err := conn.Prepare(ctx, "SELECT * FROM accounts")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, Key{SQL: "SELECT * FROM accounts", Schema: "tenant_b"}, b.Key())
	assert.Equal(t, 2, raw.PrepareCount())
}

func TestConnForwardsEverythingElse(t *testing.T) {
	raw := dbconntest.NewConn(0)
	conn := NewConn(raw, Config{})
	ctx := context.Background()

	require.NoError(t, conn.Begin(ctx))
	_, err := conn.ExecContext(ctx, "UPDATE t SET x = 1")
	require.NoError(t, err)
	require.NoError(t, conn.Commit(ctx))

	assert.Equal(t, []string{"BEGIN", "UPDATE t SET x = 1", "COMMIT"}, raw.Calls())
}

func TestConnCloseClosesCacheThenConnection(t *testing.T) {
	raw := dbconntest.NewConn(0)
	conn := NewConn(raw, Config{MaxTotal: 10})
	ctx := context.Background()

	s, err := conn.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, conn.Close())
	assert.True(t, fakeStmt(t, s).Closed())
	assert.Equal(t, 1, raw.CloseCount())
	assert.True(t, conn.IsClosed())

	_, err = conn.PrepareContext(ctx, "SELECT 1")
	assert.Error(t, err)
}
