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
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// AddConfigCommand adds the config subcommand to root.
func AddConfigCommand(root *cobra.Command, mc *ManagedPoolCommand) {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration managedpool would run with after merging
flags, environment variables, the config file and defaults. The password in
a URL-style --db-dsn is redacted unless --show-secrets is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := mc.reg.Combined().AllSettings()
			if !showSecrets {
				redactDSN(settings)
			}
			out, err := yaml.Marshal(settings)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print the data source name unredacted")

	root.AddCommand(cmd)
}

func redactDSN(settings map[string]any) {
	db, ok := settings["db"].(map[string]any)
	if !ok {
		return
	}
	dsn, ok := db["dsn"].(string)
	if !ok || dsn == "" {
		return
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		db["dsn"] = u.Redacted()
		return
	}
	// key=value form
	db["dsn"] = "<redacted>"
}
