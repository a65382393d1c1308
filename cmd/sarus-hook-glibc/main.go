// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Command sarus-hook-glibc is the createContainer-stage OCI hook that
// replaces an outdated container glibc with the host's, configured
// entirely through environment variables forwarded by the OCI runtime.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/eth-cscs/sarus/internal/pkg/hooks/common"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/glibc"
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

	if err := common.EnterMountNamespace(state.Pid); err != nil {
		fail(err)
	}

	var glibcLibs []string
	if v := env["GLIBC_LIBS"]; v != "" {
		glibcLibs = strings.Split(v, ":")
	}

	cfg := glibc.Config{
		LddPath:      orDefault(env["LDD_PATH"], "ldd"),
		LdconfigPath: orDefault(env["LDCONFIG_PATH"], "ldconfig"),
		ReadelfPath:  orDefault(env["READELF_PATH"], "readelf"),
		GlibcLibs:    glibcLibs,
	}

	if err := glibc.InjectIfNecessary(cfg, bundleCfg.RootfsDir, bundleCfg.UID, bundleCfg.GID); err != nil {
		fail(err)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func fail(err error) {
	sylog.Errorf("glibc hook: %v", err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
