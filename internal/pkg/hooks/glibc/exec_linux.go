// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package glibc

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// chrootSysProcAttr builds the process attributes needed to run a command
// chrooted into the container's rootfs as the container's own user, so
// that a probe like `ldd --version` reflects exactly what the container's
// own processes would see.
func chrootSysProcAttr(rootfsDir string, uid, gid uint32) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Chroot:     rootfsDir,
		Credential: &syscall.Credential{Uid: uid, Gid: gid},
	}
}

// bindMountLibrary bind-mounts a single host library file over (or into) a
// container destination path.
func bindMountLibrary(hostPath, containerPath string) error {
	if err := unix.Mount(hostPath, containerPath, "", unix.MS_BIND, ""); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to bind mount %s to %s", hostPath, containerPath))
	}
	return nil
}
