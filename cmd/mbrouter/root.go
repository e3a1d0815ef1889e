// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	noColor bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mbrouter",
	Short: "Modbus TCP router server and probe",
	Long: `mbrouter serves Modbus TCP requests by routing every addressed coil or
register to a backing store, and probes Modbus TCP servers.

Examples:
  # Serve the points in points.toml on port 502
  mbrouter serve --points points.toml

  # Serve with a configuration file
  mbrouter serve --config /etc/mbrouter/mbrouter.yaml

  # Read 10 coils from unit 1
  mbrouter probe read-coils -H 127.0.0.1 -a 0 -c 10

  # Send a raw PDU
  mbrouter probe raw -H 127.0.0.1 --pdu "03 00 00 00 02"`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/mbrouter/mbrouter.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)
}
