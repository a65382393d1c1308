// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package common

import "testing"

func TestParsePid(t *testing.T) {
	pid, err := ParsePid("1234")
	if err != nil {
		t.Fatal(err)
	}
	if pid != 1234 {
		t.Errorf("ParsePid = %d, want 1234", pid)
	}
}

func TestParsePidInvalid(t *testing.T) {
	if _, err := ParsePid("not-a-pid"); err == nil {
		t.Fatal("expected error for non-numeric pid")
	}
}

func TestEnvMap(t *testing.T) {
	m := EnvMap([]string{"FOO=bar", "BAZ=qux=quux", "EMPTY="})
	if m["FOO"] != "bar" {
		t.Errorf("FOO = %q, want bar", m["FOO"])
	}
	if m["BAZ"] != "qux=quux" {
		t.Errorf("BAZ = %q, want qux=quux", m["BAZ"])
	}
	if v, ok := m["EMPTY"]; !ok || v != "" {
		t.Errorf("EMPTY = %q, %v, want empty string present", v, ok)
	}
}
