// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"os"

	"github.com/spf13/cobra"

	"github.com/eth-cscs/sarus/internal/pkg/config"
	"github.com/eth-cscs/sarus/internal/pkg/oci/hookconfig"
)

func hooksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hooks",
		Short: "List the OCI hooks configured on this site",
		RunE: func(cmd *cobra.Command, args []string) error {
			siteCfg, err := config.LoadSiteConfig(siteConfigPath)
			if err != nil {
				return err
			}
			discovered, err := hookconfig.Discover(siteCfg.HooksDir)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tPATH\tSTAGES")
			for _, h := range discovered {
				stages := make([]string, 0, len(h.Stages))
				for _, s := range h.Stages {
					stages = append(stages, string(s))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", h.JSONFile, h.Path, strings.Join(stages, ","))
			}
			return w.Flush()
		},
	}
}
