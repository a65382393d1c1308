// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package cli wires spf13/cobra commands onto the business logic in
// internal/pkg/*. It performs no validation or domain logic of its own:
// every command parses its flags, builds the corresponding internal/pkg
// request type, and delegates.
package cli

import (
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eth-cscs/sarus/internal/pkg/config"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

var (
	debug          bool
	verbose        bool
	quiet          bool
	siteConfigPath string
	cliConfigPath  string
)

// Execute runs the sarus root command.
func Execute() error {
	return rootCmd().Execute()
}

// defaultCLIConfigPath returns the invoking user's own CLI config profile
// path, $HOME/.sarus/cli.toml, falling back to an empty (non-existent)
// path if $HOME can't be determined.
func defaultCLIConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sarus", "cli.toml")
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sarus",
		Short:         "Sarus: an OCI-compatible container engine for HPC clusters",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cliCfg, err := config.LoadCLIConfig(cliConfigPath)
			if err != nil {
				sylog.Warningf("ignoring CLI configuration %s: %v", cliConfigPath, err)
			}
			applyVerbosity(cliCfg.Verbosity)
			if cliCfg.Color {
				color.NoColor = false
			}
			switch {
			case debug:
				sylog.SetLevel(int(sylog.DebugLevel), false)
			case verbose:
				sylog.SetLevel(int(sylog.VerboseLevel), false)
			case quiet:
				sylog.SetLevel(int(sylog.WarnLevel), false)
			}
		},
	}

	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "print debugging information (highest verbosity)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print additional information")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only print errors and warnings")
	root.PersistentFlags().StringVar(&siteConfigPath, "config", "/opt/sarus/etc/sarus.json", "path to the administrator configuration file")
	root.PersistentFlags().StringVar(&cliConfigPath, "cli-config", defaultCLIConfigPath(), "path to the invoking user's own CLI configuration profile")

	root.AddCommand(runCmd())
	root.AddCommand(pullCmd())
	root.AddCommand(imagesCmd())
	root.AddCommand(rmiCmd())
	root.AddCommand(sshKeygenCmd())
	root.AddCommand(hooksCmd())

	return root
}

// applyVerbosity sets the logging level from a CLI config profile's
// verbosity setting. An explicit --debug/--verbose/--quiet flag, applied
// afterwards by the caller, always overrides it.
func applyVerbosity(verbosity string) {
	switch verbosity {
	case "debug":
		sylog.SetLevel(int(sylog.DebugLevel), false)
	case "verbose":
		sylog.SetLevel(int(sylog.VerboseLevel), false)
	case "quiet":
		sylog.SetLevel(int(sylog.WarnLevel), false)
	}
}
