// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package bin resolves the external tools Sarus shells out to (runc,
// mksquashfs, skopeo, umoci, ldconfig, readelf, ldd, ...), preferring the
// administrator-configured path from sarus.json and falling back to a PATH
// search.
package bin

import (
	"fmt"
	"os/exec"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// Find resolves name to an absolute, executable path: configuredPath if
// set, otherwise the first match of name on PATH.
func Find(name, configuredPath string) (string, error) {
	if configuredPath != "" {
		path, err := exec.LookPath(configuredPath)
		if err != nil {
			return "", errs.Wrap(errs.NotFound, err, fmt.Sprintf("configured path for %s (%s) is not executable", name, configuredPath))
		}
		return path, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", errs.Wrap(errs.NotFound, err, fmt.Sprintf("%s not found on PATH and no path configured", name))
	}
	return path, nil
}
