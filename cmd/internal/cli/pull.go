// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package cli

import (
	"github.com/spf13/cobra"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/pkg/image"
)

// ImagePuller fetches an image from a remote registry and converts it into
// a squashfs-backed SarusImage, storing it wherever the caller's image
// store expects it. Pulling images (registry transport, OCI image
// unpacking via skopeo/umoci, squashfs conversion via mksquashfs) is an
// explicit non-goal of this module: concrete implementations shell out to
// those external tools and are wired in at deployment time, not here.
type ImagePuller interface {
	Pull(ref image.Reference) (image.SarusImage, error)
}

// defaultPuller is left nil: running `sarus pull` without wiring a real
// ImagePuller fails clearly rather than silently doing nothing.
var defaultPuller ImagePuller

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <image>",
		Short: "Pull an image from a registry into the local repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseImageReferenceArg(args[0])
			if err != nil {
				return err
			}
			if defaultPuller == nil {
				return errs.New(errs.InvariantViolation, "no image puller is configured for this build of sarus")
			}
			img, err := defaultPuller.Pull(ref)
			if err != nil {
				return err
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			return store.AddImage(img)
		},
	}
}
