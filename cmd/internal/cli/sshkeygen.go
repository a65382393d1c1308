// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package cli

import (
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/ssh"
)

func sshKeygenCmd() *cobra.Command {
	var overwrite bool
	var hookBaseDir string
	var dropbearkeyPath string

	cmd := &cobra.Command{
		Use:   "ssh-keygen",
		Short: "Generate the SSH hook's per-user keyset",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user.Current()
			if err != nil {
				return errs.Wrap(errs.IoFailure, err, "failed to determine the invoking user")
			}
			keysDir := ssh.KeysDir(hookBaseDir, u.Username)
			return ssh.Keygen(dropbearkeyPath, keysDir, overwrite)
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite an existing keyset")
	cmd.Flags().StringVar(&hookBaseDir, "hook-base-dir", os.Getenv("HOOK_BASE_DIR"), "base directory for per-user hook state")
	cmd.Flags().StringVar(&dropbearkeyPath, "dropbearkey-path", "dropbearkey", "path to the dropbearkey binary")
	return cmd
}
