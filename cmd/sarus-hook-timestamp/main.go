// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Command sarus-hook-timestamp is the OCI hook binary that appends a
// timestamp line to a log file on behalf of the container. It is invoked by
// the OCI runtime with the lifecycle stage as its first argument and the
// container state as JSON on stdin.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/eth-cscs/sarus/internal/pkg/hooks/common"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/timestamp"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

func main() {
	stage := "unknown"
	if len(os.Args) > 1 {
		stage = os.Args[1]
	}

	state, err := common.ParseStateFromStdin()
	if err != nil {
		fail(err)
	}
	bundleCfg, err := common.ReadBundleConfig(state.Bundle)
	if err != nil {
		fail(err)
	}
	env := common.EnvMap(bundleCfg.Env)

	logfile, enabled := timestamp.IsEnabled(env)
	if !enabled {
		return
	}

	message := env["TIMESTAMP_HOOK_MESSAGE"]
	if err := timestamp.Record(logfile, stage, message, int(bundleCfg.UID), int(bundleCfg.GID), time.Now().UnixNano()); err != nil {
		fail(err)
	}
}

func fail(err error) {
	sylog.Errorf("timestamp hook: %v", err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
