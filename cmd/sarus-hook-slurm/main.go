// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Command sarus-hook-slurm implements the Slurm multi-node rendezvous
// barrier. It is declared twice in the site's hook configuration: once at
// the createRuntime stage with the "arrival" argument, and once at the
// poststop stage with the "departure" argument.
package main

import (
	"fmt"
	"os"
	"os/user"

	"github.com/eth-cscs/sarus/internal/pkg/hooks/common"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/slurm"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

func main() {
	if len(os.Args) < 2 {
		fail(fmt.Errorf("usage: %s <arrival|departure>", os.Args[0]))
	}
	mode := os.Args[1]

	state, err := common.ParseStateFromStdin()
	if err != nil {
		fail(err)
	}
	bundleCfg, err := common.ReadBundleConfig(state.Bundle)
	if err != nil {
		fail(err)
	}
	env := common.EnvMap(bundleCfg.Env)

	job, enabled := slurm.JobInfoFromEnv(env)
	if !enabled {
		sylog.Debugf("slurm hook: not running under srun, skipping")
		return
	}

	u, err := user.Current()
	if err != nil {
		fail(err)
	}
	hookBaseDir := os.Getenv("HOOK_BASE_DIR")
	syncDir := slurm.SyncDir(hookBaseDir, u.Username, job)

	switch mode {
	case "arrival":
		err = slurm.Arrive(syncDir, job, slurm.DefaultTimeout)
	case "departure":
		err = slurm.Depart(syncDir, job, slurm.DefaultTimeout)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	sylog.Errorf("slurm hook: %v", err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
