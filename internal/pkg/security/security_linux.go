// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package security implements the runtime security checks that validate the
// administrator-controlled files and directories (sarus.json, the runc and
// mksquashfs binaries, the OCI hook programs) have not been tampered with
// by an unprivileged user before the setuid starter trusts and executes
// them. Checks can be disabled site-wide via sarus.json's securityChecks
// flag, in which case every call degrades to a logged no-op.
package security

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/blang/semver/v4"
	"golang.org/x/sys/unix"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

// MinimumRuncVersion is the oldest runc release Sarus's OCI bundle (its
// hook wiring and mount/device handling in particular) is tested against.
const MinimumRuncVersion = "1.0.0"

// CheckRuncVersion verifies that runcPath reports at least minVersion,
// parsing the first line of `runc --version` (e.g. "runc version 1.1.7").
func (c Checker) CheckRuncVersion(runcPath, minVersion string) error {
	if !c.Enabled {
		sylog.Infof("Skipping runc version check (security checks disabled by administrator)")
		return nil
	}

	out, err := exec.Command(runcPath, "--version").Output()
	if err != nil {
		return errs.Wrap(errs.ExternalToolFailure, err, fmt.Sprintf("failed to query %s version", runcPath))
	}
	line := strings.Split(string(out), "\n")[0]
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return errs.New(errs.ExternalToolFailure, fmt.Sprintf("could not parse runc version from %q", line))
	}
	have, err := semver.ParseTolerant(fields[2])
	if err != nil {
		return errs.Wrap(errs.ExternalToolFailure, err, fmt.Sprintf("could not parse runc version %q", fields[2]))
	}
	want, err := semver.ParseTolerant(minVersion)
	if err != nil {
		return errs.Wrap(errs.InvariantViolation, err, fmt.Sprintf("invalid minimum runc version %q", minVersion))
	}
	if have.LT(want) {
		return errs.New(errs.PolicyViolation, fmt.Sprintf("runc %s is older than the required minimum %s", have, want))
	}
	return nil
}

// Checker runs the untamperable-path family of checks. Enabled mirrors
// sarus.json's securityChecks flag: when false every method is a no-op that
// only logs that the check was skipped.
type Checker struct {
	Enabled bool
}

// CheckThatPathIsUntamperable walks from path up through every parent
// directory to the filesystem root, verifying each component is root-owned
// and not group- or world-writable, then performs the same two checks on
// path itself. If path is a directory, its immediate contents are also
// checked (non-recursively at that level; subdirectories are not descended
// into, matching the reference Sarus runtime which only protects the
// hook/binary files directly, not arbitrary directory trees below them).
func (c Checker) CheckThatPathIsUntamperable(path string) error {
	if !c.Enabled {
		sylog.Infof("Skipping security check on %s (security checks disabled by administrator)", path)
		return nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to resolve absolute path of %s", path))
	}

	dir := filepath.Dir(abs)
	for {
		if err := checkOwnedByRoot(dir); err != nil {
			return err
		}
		if err := checkNotGroupOrWorldWritable(dir); err != nil {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if err := checkOwnedByRoot(abs); err != nil {
		return err
	}
	if err := checkNotGroupOrWorldWritable(abs); err != nil {
		return err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to stat %s", abs))
	}
	if info.IsDir() {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to list directory %s", abs))
		}
		for _, e := range entries {
			child := filepath.Join(abs, e.Name())
			if err := checkOwnedByRoot(child); err != nil {
				return err
			}
			if err := checkNotGroupOrWorldWritable(child); err != nil {
				return err
			}
		}
	}

	return nil
}

// CheckThatBinariesInSarusJSONAreUntamperable checks the administrator
// binaries sarus.json references (mksquashfs, runc, ...), skipping any
// blank paths.
func (c Checker) CheckThatBinariesInSarusJSONAreUntamperable(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := c.CheckThatPathIsUntamperable(p); err != nil {
			return err
		}
	}
	return nil
}

// CheckThatOCIHooksAreUntamperable checks the path of every hook program
// declared across the given hook stages.
func (c Checker) CheckThatOCIHooksAreUntamperable(hookPaths []string) error {
	for _, p := range hookPaths {
		if err := c.CheckThatPathIsUntamperable(p); err != nil {
			return err
		}
	}
	return nil
}

func checkOwnedByRoot(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to stat %s", path))
	}
	sys, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return errs.New(errs.InvariantViolation, fmt.Sprintf("unable to read ownership of %s", path))
	}
	if sys.Uid != 0 || sys.Gid != 0 {
		return errs.New(errs.PolicyViolation, fmt.Sprintf("path %s is not owned by root:root (found uid=%d gid=%d)", path, sys.Uid, sys.Gid))
	}
	return nil
}

func checkNotGroupOrWorldWritable(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to stat %s", path))
	}
	perm := info.Mode().Perm()
	const groupWrite = 1 << 4
	const otherWrite = 1 << 1
	if fs.FileMode(perm)&groupWrite != 0 || fs.FileMode(perm)&otherWrite != 0 {
		return errs.New(errs.PolicyViolation, fmt.Sprintf("path %s is group- or world-writable (mode %o)", path, perm))
	}
	return nil
}
