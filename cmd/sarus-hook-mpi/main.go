// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Command sarus-hook-mpi is the createContainer-stage OCI hook that
// injects the host's MPI libraries (and their dependency libraries) into
// the container, bind-mounting each host library and re-pointing its
// container symlink chain at the injected file.
package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/common"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/mpi"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

func main() {
	state, err := common.ParseStateFromStdin()
	if err != nil {
		fail(err)
	}
	bundleCfg, err := common.ReadBundleConfig(state.Bundle)
	if err != nil {
		fail(err)
	}
	env := common.EnvMap(bundleCfg.Env)

	mpiLibs := splitColonList(env["MPI_LIBS"])
	depLibs := splitColonList(env["MPI_DEPENDENCY_LIBS"])
	if len(mpiLibs) == 0 {
		sylog.Debugf("mpi hook: MPI_LIBS is empty, nothing to do")
		return
	}

	bindMounts, err := mpi.InjectLibraries(mpiLibs, depLibs, bundleCfg.RootfsDir)
	if err != nil {
		fail(err)
	}

	for _, bm := range bindMounts {
		if err := applyBindMount(bundleCfg.RootfsDir, bm); err != nil {
			fail(err)
		}
	}
}

func applyBindMount(rootfsDir string, bm mpi.BindMount) error {
	containerPath := rootfsDir + bm.ContainerPath
	if _, err := os.OpenFile(containerPath, os.O_CREATE, 0o644); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create mount destination %s", containerPath))
	}
	if err := unix.Mount(bm.HostPath, containerPath, "", unix.MS_BIND, ""); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to bind mount %s to %s", bm.HostPath, containerPath))
	}

	for _, symlink := range bm.ContainerSymlinks {
		target := rootfsDir + symlink
		if target == containerPath {
			continue
		}
		_ = os.Remove(target)
		if err := os.Symlink(bm.ContainerPath, target); err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to symlink %s to %s", target, bm.ContainerPath))
		}
	}
	return nil
}

func splitColonList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ":")
}

func fail(err error) {
	sylog.Errorf("mpi hook: %v", err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
