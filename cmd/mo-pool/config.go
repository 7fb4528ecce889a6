// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/matrixorigin/mopool/pkg/config"
)

// loadParameters reads the optional config file and fills defaults.
func loadParameters(configFile string) (*config.PoolParameters, error) {
	pp := &config.PoolParameters{}
	if configFile != "" {
		if err := config.LoadConfigFromFile(configFile, pp); err != nil {
			return nil, err
		}
	}
	pp.SetDefaultValues()
	return pp, nil
}

func configCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Load the configuration file, fill the defaults, validate it and print the result as toml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pp, err := loadParameters(configFile)
			if err != nil {
				return err
			}
			if err := pp.Validate(); err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(pp)
		},
	}
	cmd.Flags().StringVarP(&configFile, "cfg", "c", "", "toml configuration file")
	return cmd
}
