// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package env

import (
	"sort"
	"testing"

	"github.com/eth-cscs/sarus/internal/pkg/config"
)

func TestApplyRulesDefaultsHomeAndPath(t *testing.T) {
	got := ApplyRules(nil, config.EnvironmentRules{}, "/home/tester")
	want := []string{"HOME=/home/tester", "PATH=" + DefaultPath}
	assertEnvEqual(t, got, want)
}

func TestApplyRulesKeepsAllowlistedHostVars(t *testing.T) {
	host := []string{
		"TERM=xterm-256color",
		"HTTP_PROXY=http://proxy:8080",
		"SOME_RANDOM_VAR=should-not-survive",
	}
	got := ApplyRules(host, config.EnvironmentRules{}, "/home/tester")
	want := []string{
		"HOME=/home/tester",
		"HTTP_PROXY=http://proxy:8080",
		"PATH=" + DefaultPath,
		"TERM=xterm-256color",
	}
	assertEnvEqual(t, got, want)
}

func TestApplyRulesSetPrependAppendUnset(t *testing.T) {
	host := []string{"TERM=xterm-256color"}
	rules := config.EnvironmentRules{
		Set:     map[string]string{"FOO": "bar"},
		Prepend: map[string]string{"PATH": "/opt/app/bin:"},
		Append:  map[string]string{"FOO": ":baz"},
		Unset:   []string{"TERM"},
	}
	got := ApplyRules(host, rules, "/home/tester")
	want := []string{
		"FOO=bar:baz",
		"HOME=/home/tester",
		"PATH=/opt/app/bin:" + DefaultPath,
	}
	assertEnvEqual(t, got, want)
}

func TestApplyRulesHomeAndPathAreNotHostControlled(t *testing.T) {
	host := []string{"HOME=/should/be/overridden", "PATH=/should/also/be/overridden"}
	got := ApplyRules(host, config.EnvironmentRules{}, "/home/tester")
	want := []string{"HOME=/home/tester", "PATH=" + DefaultPath}
	assertEnvEqual(t, got, want)
}

func assertEnvEqual(t *testing.T, got, want []string) {
	t.Helper()
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("got %v, expected %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("got %v, expected %v", got, want)
			return
		}
	}
}
