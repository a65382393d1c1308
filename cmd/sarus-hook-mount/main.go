// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Command sarus-hook-mount is the createContainer-stage OCI hook that
// performs the site- and user-requested bind mounts and device mounts
// against an already-created container, substituting the
// <FI_PROVIDER_PATH> placeholder along the way. Its --mount/--device
// arguments are supplied by the hook's own JSON configuration (hookConfig
// "args" array), not by the user directly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	hookmount "github.com/eth-cscs/sarus/internal/pkg/hooks/mount"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

func main() {
	var mounts []string
	var devices []string
	var ldconfigPath string

	flags := pflag.NewFlagSet("sarus-hook-mount", pflag.ContinueOnError)
	flags.StringArrayVar(&mounts, "mount", nil, "bind mount request")
	flags.StringArrayVar(&devices, "device", nil, "device mount request")
	flags.StringVar(&ldconfigPath, "ldconfig-path", "ldconfig", "path to ldconfig, run against the rootfs after mounting")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fail(err)
	}

	var requests []hookmount.Request
	for _, m := range mounts {
		requests = append(requests, hookmount.Request{Value: m})
	}
	for _, d := range devices {
		requests = append(requests, hookmount.Request{IsDevice: true, Value: d})
	}

	if err := hookmount.Activate(requests, nil, ldconfigPath); err != nil {
		fail(err)
	}
}

func fail(err error) {
	sylog.Errorf("mount hook: %v", err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
