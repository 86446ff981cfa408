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

// Package viperutil wraps viper with isolated registries and typed,
// flag-bindable config values.
package viperutil

import (
	"sync"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Registry holds the static and dynamic viper instances for configuration.
// Each command builds its own registry rather than sharing a global one.
//
// Static values never change after LoadConfig is called. Dynamic values are
// re-read whenever the loaded config file changes on disk.
type Registry struct {
	static *viper.Viper

	// mu guards dynamic, which is re-read by the config watcher.
	mu      sync.RWMutex
	dynamic *viper.Viper

	// unwatched is set when config files come from a non-OS filesystem,
	// which fsnotify cannot observe.
	unwatched bool

	subsMu sync.Mutex
	subs   []chan<- struct{}
}

// NewRegistry creates a new isolated configuration registry.
//
// Example usage:
//
//	reg := viperutil.NewRegistry()
//	capacity := viperutil.Configure(reg, "pool.capacity", viperutil.Options[int]{
//	    Default:  10,
//	    FlagName: "pool-capacity",
//	})
func NewRegistry() *Registry {
	return &Registry{
		static:  viper.New(),
		dynamic: viper.New(),
	}
}

// SetFs makes both registries read config files from fs instead of the OS
// filesystem.
func (reg *Registry) SetFs(fs afero.Fs) {
	reg.static.SetFs(fs)
	reg.mu.Lock()
	reg.dynamic.SetFs(fs)
	_, isOS := fs.(*afero.OsFs)
	reg.unwatched = !isOS
	reg.mu.Unlock()
}

// Combined returns a viper instance combining the static and dynamic
// registries, for dumping the effective configuration.
func (reg *Registry) Combined() *viper.Viper {
	v := viper.New()
	_ = v.MergeConfigMap(reg.static.AllSettings())

	reg.mu.RLock()
	_ = v.MergeConfigMap(reg.dynamic.AllSettings())
	reg.mu.RUnlock()

	v.SetConfigFile(reg.static.ConfigFileUsed())
	return v
}

// Notify subscribes ch to config reloads. Sends are non-blocking, like
// signal.Notify.
func (reg *Registry) Notify(ch chan<- struct{}) {
	reg.subsMu.Lock()
	defer reg.subsMu.Unlock()
	reg.subs = append(reg.subs, ch)
}

func (reg *Registry) notify() {
	reg.subsMu.Lock()
	defer reg.subsMu.Unlock()
	for _, ch := range reg.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
