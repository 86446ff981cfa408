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
	"fmt"
	"log/slog"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options configures a single config value.
type Options[T any] struct {
	// Default is returned when no flag, env var or config key is set.
	Default T

	// FlagName is the pflag bound to this value by BindFlags. Empty means the
	// value has no flag.
	FlagName string

	// EnvVars are environment variables consulted, in order, before the
	// config file.
	EnvVars []string

	// Dynamic values are re-read when the watched config file changes.
	Dynamic bool

	// GetFunc overrides how the value is read from viper. The default picks a
	// typed viper getter, falling back to a mapstructure decode.
	GetFunc func(v *viper.Viper) func(key string) T
}

// Value is a typed handle on a registered config key.
type Value[T any] interface {
	Registerable
	Default() T
	Get() T
	Set(v T)
}

// Registerable is anything BindFlags can attach to a flag.
type Registerable interface {
	Key() string
	FlagName() string
	bind(f *pflag.Flag) error
}

type value[T any] struct {
	key  string
	opts Options[T]
	reg  *Registry
	get  func(v *viper.Viper) func(key string) T
}

// Configure registers key on reg and returns a typed handle to it.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	val := &value[T]{
		key:  key,
		opts: opts,
		reg:  reg,
		get:  opts.GetFunc,
	}
	if val.get == nil {
		val.get = defaultGetFunc[T]()
	}

	val.withViper(true, func(v *viper.Viper) {
		v.SetDefault(key, opts.Default)
		if len(opts.EnvVars) > 0 {
			if err := v.BindEnv(append([]string{key}, opts.EnvVars...)...); err != nil {
				slog.Warn("failed to bind env vars", "key", key, "error", err)
			}
		}
	})
	return val
}

func (val *value[T]) Key() string      { return val.key }
func (val *value[T]) FlagName() string { return val.opts.FlagName }
func (val *value[T]) Default() T       { return val.opts.Default }

func (val *value[T]) Get() (out T) {
	val.withViper(false, func(v *viper.Viper) {
		out = val.get(v)(val.key)
	})
	return out
}

func (val *value[T]) Set(x T) {
	val.withViper(true, func(v *viper.Viper) {
		v.Set(val.key, x)
	})
}

func (val *value[T]) bind(f *pflag.Flag) (err error) {
	val.withViper(true, func(v *viper.Viper) {
		err = v.BindPFlag(val.key, f)
	})
	return err
}

// withViper runs fn against the viper instance backing this value, holding
// the dynamic lock when needed.
func (val *value[T]) withViper(write bool, fn func(v *viper.Viper)) {
	if !val.opts.Dynamic {
		fn(val.reg.static)
		return
	}
	if write {
		val.reg.mu.Lock()
		defer val.reg.mu.Unlock()
	} else {
		val.reg.mu.RLock()
		defer val.reg.mu.RUnlock()
	}
	fn(val.reg.dynamic)
}

// BindFlags binds each value to the flag of the same FlagName in fs. Flags
// must already be defined on fs.
func BindFlags(fs *pflag.FlagSet, values ...Registerable) {
	for _, val := range values {
		name := val.FlagName()
		if name == "" {
			continue
		}
		f := fs.Lookup(name)
		if f == nil {
			slog.Warn("flag not defined, skipping bind", "flag", name, "key", val.Key())
			continue
		}
		if err := val.bind(f); err != nil {
			slog.Warn("failed to bind flag", "flag", name, "key", val.Key(), "error", err)
		}
	}
}

func defaultGetFunc[T any]() func(v *viper.Viper) func(key string) T {
	var zero T
	switch any(zero).(type) {
	case string:
		return typed[T](func(v *viper.Viper, key string) any { return v.GetString(key) })
	case bool:
		return typed[T](func(v *viper.Viper, key string) any { return v.GetBool(key) })
	case int:
		return typed[T](func(v *viper.Viper, key string) any { return v.GetInt(key) })
	case int64:
		return typed[T](func(v *viper.Viper, key string) any { return v.GetInt64(key) })
	case float64:
		return typed[T](func(v *viper.Viper, key string) any { return v.GetFloat64(key) })
	case time.Duration:
		return typed[T](func(v *viper.Viper, key string) any { return v.GetDuration(key) })
	case []string:
		return typed[T](func(v *viper.Viper, key string) any { return v.GetStringSlice(key) })
	default:
		return func(v *viper.Viper) func(key string) T {
			return func(key string) T {
				out, err := decode[T](v.Get(key))
				if err != nil {
					slog.Warn(fmt.Sprintf("failed to decode %s: %s; using zero value", key, err.Error()))
				}
				return out
			}
		}
	}
}

func typed[T any](get func(v *viper.Viper, key string) any) func(v *viper.Viper) func(key string) T {
	return func(v *viper.Viper) func(key string) T {
		return func(key string) T {
			return get(v, key).(T)
		}
	}
}

// decode converts a raw viper value into T. Strings are decoded through
// encoding.TextUnmarshaler when T implements it, so enum types can be set from
// flags, env vars or config files alike.
func decode[T any](raw any) (out T, err error) {
	if raw == nil {
		return out, nil
	}
	if v, ok := raw.(T); ok {
		return v, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(mapstructure.TextUnmarshallerHookFunc(), mapstructure.StringToTimeDurationHookFunc()),
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	err = dec.Decode(raw)
	return out, err
}
