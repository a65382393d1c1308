// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package bin

import (
	"os/exec"
	"testing"
)

func TestFindPrefersConfiguredPath(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skipf("'true' not found on PATH: %v", err)
	}

	path, err := Find("true", truePath)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if path != truePath {
		t.Errorf("got %q, expected %q", path, truePath)
	}
}

func TestFindRejectsBadConfiguredPath(t *testing.T) {
	if _, err := Find("true", "/nonexistent/true"); err == nil {
		t.Error("expected an error for a nonexistent configured path")
	}
}

func TestFindFallsBackToPath(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skipf("'true' not found on PATH: %v", err)
	}

	path, err := Find("true", "")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if path != truePath {
		t.Errorf("got %q, expected %q", path, truePath)
	}
}
