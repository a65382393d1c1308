// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package glibc

import "testing"

func TestParseLibcVersionFromLddOutput(t *testing.T) {
	out := "ldd (GNU libc) 2.31\nCopyright (C) 2020 Free Software Foundation, Inc.\n"
	v, err := parseLibcVersionFromLddOutput(out)
	if err != nil {
		t.Fatalf("parseLibcVersionFromLddOutput: %v", err)
	}
	if v != ([2]int{2, 31}) {
		t.Errorf("got %v, want [2 31]", v)
	}
}

func TestCompareVersion(t *testing.T) {
	cases := []struct {
		a, b [2]int
		want int
	}{
		{[2]int{2, 17}, [2]int{2, 31}, -1},
		{[2]int{2, 31}, [2]int{2, 31}, 0},
		{[2]int{2, 35}, [2]int{2, 31}, 1},
		{[2]int{3, 0}, [2]int{2, 31}, 1},
	}
	for _, c := range cases {
		if got := compareVersion(c.a, c.b); got != c.want {
			t.Errorf("compareVersion(%v, %v) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestFindLibc(t *testing.T) {
	libs := []string{"/lib64/libm.so.6", "/lib64/libc.so.6", "/lib64/libpthread.so.0"}
	if got := findLibc(libs); got != "/lib64/libc.so.6" {
		t.Errorf("got %s, want /lib64/libc.so.6", got)
	}
	if got := findLibc(nil); got != "" {
		t.Errorf("got %s, want empty string", got)
	}
}

func TestFindMatchingContainerLib(t *testing.T) {
	libs := []string{"/lib64/libc.so.6", "/lib64/libm.so.6"}
	if got := findMatchingContainerLib(libs, "libc.so.6"); got != "/lib64/libc.so.6" {
		t.Errorf("got %s, want /lib64/libc.so.6", got)
	}
	if got := findMatchingContainerLib(libs, "libdl.so.2"); got != "" {
		t.Errorf("expected empty match, got %s", got)
	}
}
