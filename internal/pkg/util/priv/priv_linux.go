// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package priv provides helpers for the privilege transitions the sarus
// starter and its OCI hooks perform while running setuid-root: escalating
// to root for namespace/cgroup/mount operations, then permanently dropping
// to the requesting user's identity before the container's own process
// image is exec'd.
package priv

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// Escalate sets the effective uid of the calling thread to root, with the
// real and saved uids set to the invoking uid. The calling goroutine's OS thread is locked so that the privilege
// change is not silently lost to a different thread by the Go scheduler.
func Escalate() error {
	runtime.LockOSThread()
	uid := os.Getuid()
	return unix.Setresuid(uid, 0, uid)
}

// Drop drops the calling thread's effective privileges back to the real
// (unprivileged) uid, keeping root available in the saved uid so a later
// Escalate can restore it. Pairs with Escalate via defer.
func Drop() error {
	defer runtime.UnlockOSThread()
	uid := os.Getuid()
	return unix.Setresuid(uid, uid, 0)
}

// DropPrivileges permanently switches the calling process to the given uid,
// gid and supplementary group set. Unlike Drop/Escalate, this clears the
// saved-uid so the privilege change cannot be reverted, matching the
// behaviour OCI hooks and the starter need before exec'ing user-controlled
// binaries (dropbear, ldd, the container's entrypoint).
func DropPrivileges(uid, gid int, supplementaryGids []int) error {
	if err := unix.Setgroups(supplementaryGids); err != nil {
		return fmt.Errorf("failed to set supplementary groups: %w", err)
	}
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("failed to set gid %d: %w", gid, err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("failed to set uid %d: %w", uid, err)
	}
	return nil
}

// SetNoNewPrivs sets PR_SET_NO_NEW_PRIVS on the calling thread, preventing
// the process (and any descendants) from gaining privileges via execve of a
// setuid/setgid binary or a binary with file capabilities.
func SetNoNewPrivs() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}

// SetParentDeathSignal arranges for the calling thread to receive sig when
// its parent process dies, so an orphaned hook or starter child does not
// outlive the runtime that spawned it.
func SetParentDeathSignal(sig unix.Signal) error {
	return unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(sig), 0, 0, 0)
}
