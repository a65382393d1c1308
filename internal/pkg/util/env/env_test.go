// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package env

import (
	"os"
	"testing"
)

func TestSetFromList(t *testing.T) {
	tt := []struct {
		name    string
		environ []string
		wantErr bool
	}{
		{
			name: "all ok",
			environ: []string{
				"HOME=/home/tester",
				"PS1=test",
				"TERM=xterm-256color",
				"PATH=/usr/games:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
				"LANG=C",
				"PWD=/tmp",
				"LC_ALL=C",
			},
			wantErr: false,
		},
		{
			name: "bad envs",
			environ: []string{
				"HOME=/home/tester",
				"TEST",
			},
			wantErr: true,
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			err := SetFromList(tc.environ)
			if tc.wantErr && err == nil {
				t.Fatalf("Expected error, but got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestSetFromListActuallySetsEnviron(t *testing.T) {
	const key, value = "SARUS_ENV_TEST_VAR", "some-value"
	defer os.Unsetenv(key)

	if err := SetFromList([]string{key + "=" + value}); err != nil {
		t.Fatalf("SetFromList: %v", err)
	}
	if got := os.Getenv(key); got != value {
		t.Errorf("got %q, expected %q", got, value)
	}
}
