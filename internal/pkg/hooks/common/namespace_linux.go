// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package common

import (
	"fmt"
	"runtime"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/pkg/util/namespaces"
)

// EnterMountNamespace joins the mount namespace of pid (the container
// process), so that a hook resolving a destination path against the
// container's rootfs sees exactly the mount table the container process
// itself sees, rather than whatever happens to be visible from the hook's
// own (host) mount namespace. It locks the calling goroutine to its OS
// thread first, since a namespace change via setns(2) only affects the
// calling thread; callers are hook binaries that enter the namespace once
// near startup and exit shortly after, so the namespace is never restored.
func EnterMountNamespace(pid int) error {
	runtime.LockOSThread()
	if err := namespaces.Enter(pid, "mnt"); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to join mount namespace of pid %d", pid))
	}
	return nil
}
