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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperConfig holds the flags that control how config files are found.
type ViperConfig struct {
	configPaths                Value[[]string]
	configType                 Value[string]
	configName                 Value[string]
	configFile                 Value[string]
	configFileNotFoundHandling Value[ConfigFileNotFoundHandling]
}

// NewViperConfig registers the config-loading keys on reg.
func NewViperConfig(reg *Registry) *ViperConfig {
	defaultPath := "."
	if cur, err := os.Getwd(); err == nil {
		defaultPath = cur
	}

	return &ViperConfig{
		configPaths: Configure(reg, "config.paths", Options[[]string]{
			Default:  []string{defaultPath},
			EnvVars:  []string{"MP_CONFIG_PATH"},
			FlagName: "config-path",
		}),
		configType: Configure(reg, "config.type", Options[string]{
			EnvVars:  []string{"MP_CONFIG_TYPE"},
			FlagName: "config-type",
		}),
		configName: Configure(reg, "config.name", Options[string]{
			Default:  "managedpool",
			EnvVars:  []string{"MP_CONFIG_NAME"},
			FlagName: "config-name",
		}),
		configFile: Configure(reg, "config.file", Options[string]{
			EnvVars:  []string{"MP_CONFIG_FILE"},
			FlagName: "config-file",
		}),
		configFileNotFoundHandling: Configure(reg, "config.notfound.handling", Options[ConfigFileNotFoundHandling]{
			Default:  WarnOnConfigFileNotFound,
			FlagName: "config-file-not-found-handling",
		}),
	}
}

// RegisterFlags installs the flags that control config-file loading.
func (vc *ViperConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("config-path", vc.configPaths.Default(), "Paths to search for config files in.")
	fs.String("config-type", vc.configType.Default(), "Config file type (omit to infer config type from file extension).")
	fs.String("config-name", vc.configName.Default(), "Name of the config file (without extension) to search for.")
	fs.String("config-file", vc.configFile.Default(), "Full path of the config file (with extension) to use. If set, --config-path, --config-type, and --config-name are ignored.")

	h := vc.configFileNotFoundHandling.Default()
	fs.Var(&h, "config-file-not-found-handling", fmt.Sprintf("Behavior when a config file is not found. (Options: %s)", strings.Join(handlingNames, ", ")))

	BindFlags(fs, vc.configPaths, vc.configType, vc.configName, vc.configFile, vc.configFileNotFoundHandling)
}

// LoadConfig finds and loads a config file into both registries.
//
// --config-file, if set, is used to the exclusion of the other flags.
// Otherwise viper searches --config-path for --config-name. When no file is
// found, --config-file-not-found-handling decides whether that is an error.
//
// When a file is loaded, it is watched and dynamic values are re-read on
// change. The returned cancel function stops the watcher.
func (vc *ViperConfig) LoadConfig(reg *Registry) (context.CancelFunc, error) {
	var err error
	switch file := vc.configFile.Get(); file {
	case "":
		name := vc.configName.Get()
		if name == "" {
			return func() {}, nil
		}
		reg.static.SetConfigName(name)
		for _, path := range vc.configPaths.Get() {
			reg.static.AddConfigPath(path)
		}
		if cfgType := vc.configType.Get(); cfgType != "" {
			reg.static.SetConfigType(cfgType)
		}
		err = reg.static.ReadInConfig()
	default:
		reg.static.SetConfigFile(file)
		err = reg.static.ReadInConfig()
	}

	if err != nil {
		if !isConfigFileNotFoundError(err) {
			return nil, err
		}
		switch vc.configFileNotFoundHandling.Get() {
		case IgnoreConfigFileNotFound:
			return func() {}, nil
		case WarnOnConfigFileNotFound:
			slog.Warn("config file not found, using flags, env vars and defaults", "error", err)
			return func() {}, nil
		default:
			slog.Error("failed to read in config", "file", reg.static.ConfigFileUsed(), "error", err)
			return nil, err
		}
	}

	used := reg.static.ConfigFileUsed()
	reg.mu.Lock()
	reg.dynamic.SetConfigFile(used)
	if cfgType := vc.configType.Get(); cfgType != "" {
		reg.dynamic.SetConfigType(cfgType)
	}
	err = reg.dynamic.ReadInConfig()
	reg.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to load dynamic config: %w", err)
	}

	if reg.unwatched {
		return func() {}, nil
	}
	return reg.watch(used)
}

// watch re-reads the dynamic registry whenever file is written or replaced.
// The parent directory is watched so that editors replacing the file by
// rename are handled.
func (reg *Registry) watch(file string) (context.CancelFunc, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(file) || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				reg.mu.Lock()
				err := reg.dynamic.ReadInConfig()
				reg.mu.Unlock()
				if err != nil {
					slog.Warn("failed to reload config", "file", file, "error", err)
					continue
				}
				slog.Info("config reloaded", "file", file)
				reg.notify()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// isConfigFileNotFoundError checks if the error is caused because the file wasn't found.
func isConfigFileNotFoundError(err error) bool {
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// ConfigFileNotFoundHandling controls how LoadConfig treats a missing config
// file.
type ConfigFileNotFoundHandling int

const (
	// IgnoreConfigFileNotFound silently proceeds without a config file.
	IgnoreConfigFileNotFound ConfigFileNotFoundHandling = iota
	// WarnOnConfigFileNotFound logs a warning and proceeds with defaults,
	// environment variables and flags.
	WarnOnConfigFileNotFound
	// ErrorOnConfigFileNotFound makes LoadConfig return the error.
	ErrorOnConfigFileNotFound
)

var (
	handlingNames         []string
	handlingNamesToValues = map[string]int{
		"ignore": int(IgnoreConfigFileNotFound),
		"warn":   int(WarnOnConfigFileNotFound),
		"error":  int(ErrorOnConfigFileNotFound),
	}
	handlingValuesToNames map[int]string
)

func init() {
	handlingNames = make([]string, 0, len(handlingNamesToValues))
	handlingValuesToNames = make(map[int]string, len(handlingNamesToValues))

	for name, val := range handlingNamesToValues {
		handlingValuesToNames[val] = name
		handlingNames = append(handlingNames, name)
	}

	sort.Strings(handlingNames)
}

func (h *ConfigFileNotFoundHandling) Set(arg string) error {
	larg := strings.ToLower(arg)
	if v, ok := handlingNamesToValues[larg]; ok {
		*h = ConfigFileNotFoundHandling(v)
		return nil
	}

	return fmt.Errorf("unknown handling name %s", arg)
}

// UnmarshalText lets config files and env vars use the handling names.
func (h *ConfigFileNotFoundHandling) UnmarshalText(text []byte) error {
	return h.Set(string(text))
}

func (h *ConfigFileNotFoundHandling) String() string {
	if name, ok := handlingValuesToNames[int(*h)]; ok {
		return name
	}

	return "<UNKNOWN>"
}

func (h *ConfigFileNotFoundHandling) Type() string { return "ConfigFileNotFoundHandling" }
