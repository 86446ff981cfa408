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

package viperutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig tests that LoadConfig behaves in the way expected when the config file doesn't exist.
func TestLoadConfig(t *testing.T) {
	t.Run("Ignore file not found error", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set("notfound.yaml")
		vc.configFileNotFoundHandling.Set(IgnoreConfigFileNotFound)
		_, err := vc.LoadConfig(reg)
		require.NoError(t, err)
	})

	t.Run("Ignore file not found error from config name", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set("")
		vc.configName.Set("notfound")
		vc.configFileNotFoundHandling.Set(IgnoreConfigFileNotFound)
		_, err := vc.LoadConfig(reg)
		require.NoError(t, err)
	})

	t.Run("Warn file not found error", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set("notfound.yaml")
		vc.configFileNotFoundHandling.Set(WarnOnConfigFileNotFound)
		_, err := vc.LoadConfig(reg)
		require.NoError(t, err)
	})

	t.Run("Error file not found error", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set("notfound.yaml")
		vc.configFileNotFoundHandling.Set(ErrorOnConfigFileNotFound)
		_, err := vc.LoadConfig(reg)
		require.Error(t, err)
	})

	t.Run("Error file not found error from config name", func(t *testing.T) {
		reg := NewRegistry()
		vc := NewViperConfig(reg)
		vc.configFile.Set("")
		vc.configName.Set("notfound")
		vc.configFileNotFoundHandling.Set(ErrorOnConfigFileNotFound)
		_, err := vc.LoadConfig(reg)
		require.Error(t, err)
	})
}

func TestLoadConfigFromMemFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/managedpool/managedpool.yaml", []byte(`
pool:
  capacity: 42
managed:
  max-open-statements: 7
  init-sql:
    - SET statement_timeout = 1000
    - SET lock_timeout = 500
`), 0o644))

	reg := NewRegistry()
	reg.SetFs(fs)
	capacity := Configure(reg, "pool.capacity", Options[int]{Default: 10})
	maxStmts := Configure(reg, "managed.max-open-statements", Options[int]{Default: 0, Dynamic: true})
	initSQL := Configure(reg, "managed.init-sql", Options[[]string]{})
	missing := Configure(reg, "pool.idle-timeout", Options[time.Duration]{Default: 5 * time.Minute})

	vc := NewViperConfig(reg)
	vc.configFile.Set("/etc/managedpool/managedpool.yaml")
	cancel, err := vc.LoadConfig(reg)
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, 42, capacity.Get())
	assert.Equal(t, 7, maxStmts.Get())
	assert.Equal(t, []string{"SET statement_timeout = 1000", "SET lock_timeout = 500"}, initSQL.Get())
	assert.Equal(t, 5*time.Minute, missing.Get())

	combined := reg.Combined()
	assert.Equal(t, 42, combined.GetInt("pool.capacity"))
}

func TestBindFlagsAndEnv(t *testing.T) {
	t.Setenv("MP_TEST_DSN", "postgres://from-env")

	reg := NewRegistry()
	capacity := Configure(reg, "pool.capacity", Options[int]{Default: 10, FlagName: "pool-capacity"})
	timeout := Configure(reg, "pool.idle-timeout", Options[time.Duration]{Default: time.Minute, FlagName: "pool-idle-timeout"})
	dsn := Configure(reg, "db.dsn", Options[string]{EnvVars: []string{"MP_TEST_DSN"}, FlagName: "db-dsn"})

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("pool-capacity", capacity.Default(), "")
	fs.Duration("pool-idle-timeout", timeout.Default(), "")
	fs.String("db-dsn", dsn.Default(), "")
	BindFlags(fs, capacity, timeout, dsn)

	// Unchanged flags fall through to defaults and env vars.
	assert.Equal(t, 10, capacity.Get())
	assert.Equal(t, "postgres://from-env", dsn.Get())

	require.NoError(t, fs.Parse([]string{"--pool-capacity=7", "--pool-idle-timeout=30s"}))
	assert.Equal(t, 7, capacity.Get())
	assert.Equal(t, 30*time.Second, timeout.Get())
}

func TestDecodeTextUnmarshaler(t *testing.T) {
	reg := NewRegistry()
	handling := Configure(reg, "config.notfound.handling", Options[ConfigFileNotFoundHandling]{
		Default: WarnOnConfigFileNotFound,
	})
	assert.Equal(t, WarnOnConfigFileNotFound, handling.Get())

	reg.static.Set("config.notfound.handling", "error")
	assert.Equal(t, ErrorOnConfigFileNotFound, handling.Get())

	reg.static.Set("config.notfound.handling", 0)
	assert.Equal(t, IgnoreConfigFileNotFound, handling.Get())
}

func TestDynamicReload(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "managedpool.yaml")
	require.NoError(t, os.WriteFile(file, []byte("managed:\n  max-open-statements: 5\n"), 0o644))

	reg := NewRegistry()
	maxStmts := Configure(reg, "managed.max-open-statements", Options[int]{Dynamic: true})
	reloaded := make(chan struct{}, 1)
	reg.Notify(reloaded)

	vc := NewViperConfig(reg)
	vc.configFile.Set(file)
	cancel, err := vc.LoadConfig(reg)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, 5, maxStmts.Get())

	require.NoError(t, os.WriteFile(file, []byte("managed:\n  max-open-statements: 9\n"), 0o644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
	require.Eventually(t, func() bool {
		return maxStmts.Get() == 9
	}, 5*time.Second, 10*time.Millisecond)
}
