// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eth-cscs/sarus/internal/pkg/config"
	"github.com/eth-cscs/sarus/internal/pkg/imagestore"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

func openStore() (*imagestore.Store, error) {
	siteCfg, err := config.LoadSiteConfig(siteConfigPath)
	if err != nil {
		return nil, err
	}
	repoDir := siteCfg.LocalRepositoryBaseDir
	if siteCfg.UsesCentralizedRepository() {
		repoDir = siteCfg.CentralizedRepositoryDir
	}
	return &imagestore.Store{
		RepositoryDir: repoDir,
		LockTimeout:   siteCfg.RepositoryMetadataLockTimings.Timeout(),
		LockWarning:   siteCfg.RepositoryMetadataLockTimings.Warning(),
	}, nil
}

func imagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List the images available in the repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			images, err := store.ListImages()
			if err != nil {
				return err
			}

			header := color.New(color.Bold).Sprint("SERVER\tNAMESPACE\tIMAGE\tTAG\tDIGEST")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, header)
			for _, img := range images {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", img.Server, img.Namespace, img.Image, img.Tag, img.Digest)
			}
			return w.Flush()
		},
	}
}

func rmiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rmi <image>",
		Short: "Remove an image from the repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseImageReferenceArg(args[0])
			if err != nil {
				return err
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			if err := store.RemoveImage(ref); err != nil {
				return err
			}
			sylog.Infof("removed image %s", ref.String())
			return nil
		},
	}
}
