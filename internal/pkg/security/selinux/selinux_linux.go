// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package selinux wraps the host SELinux queries Sarus needs before handing
// a process/mount label through to the container's OCI spec: there is no
// point asking runc to apply a label on a host where SELinux isn't enabled.
package selinux

import "github.com/opencontainers/selinux/go-selinux"

// Enabled reports whether SELinux is enabled on this host.
func Enabled() bool {
	return selinux.GetEnabled()
}
