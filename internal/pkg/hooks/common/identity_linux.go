// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package common

import (
	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/util/priv"
)

// DropToUser permanently switches the calling hook process to the
// container's configured uid/gid, clearing any residual root privileges
// before the hook touches files inside the rootfs on the user's behalf
// (e.g. writing ~/.ssh, executing ldd inside a chroot).
func DropToUser(uid, gid uint32, supplementaryGids []int) error {
	if err := priv.DropPrivileges(int(uid), int(gid), supplementaryGids); err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to drop privileges to container user identity")
	}
	return nil
}
