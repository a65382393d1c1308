// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Command sarus-hook-amdgpu is the createContainer-stage OCI hook that
// whitelists /dev/kfd and the DRI nodes selected by ROCR_VISIBLE_DEVICES in
// the container's devices cgroup. It does not bind-mount the device nodes
// into the container's rootfs.
package main

import (
	"fmt"
	"os"

	"github.com/eth-cscs/sarus/internal/pkg/hooks/amdgpu"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

func main() {
	if err := amdgpu.Activate(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	sylog.Errorf("amdgpu hook: %v", err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
