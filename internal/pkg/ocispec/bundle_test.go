// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package ocispec

import (
	"testing"

	"github.com/eth-cscs/sarus/internal/pkg/config"
	"github.com/eth-cscs/sarus/internal/pkg/mount"
)

func TestBuildRequiresRootfs(t *testing.T) {
	if _, err := (Builder{}).Build(); err == nil {
		t.Fatal("expected error when RootfsDir is unset")
	}
}

func TestBuildLeadingDenyDeviceRule(t *testing.T) {
	dm, err := mount.NewDeviceMount("/dev/null:/dev/fakenull:rw", nil)
	if err != nil {
		t.Skipf("device fixture unavailable in this environment: %v", err)
	}

	b := Builder{
		RootfsDir: t.TempDir(),
		User:      config.UserIdentity{UID: 1000, GID: 1000},
		Devices:   []mount.DeviceMount{dm},
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Validate(spec); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
