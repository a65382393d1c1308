// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package mount

import "testing"

func TestParseAccessCanonicalOrder(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"wmr", "rwm"},
		{"r", "r"},
		{"wr", "rw"},
		{"mr", "rm"},
		{"wm", "wm"},
		{"mw", "wm"},
		{"rwm", "rwm"},
	}
	for _, tt := range tests {
		a, err := ParseAccess(tt.in)
		if err != nil {
			t.Errorf("ParseAccess(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got := a.String(); got != tt.want {
			t.Errorf("ParseAccess(%q).String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseAccessInvalid(t *testing.T) {
	invalid := []string{"", "rwma", "a", "rr", "RWM", "rrw"}
	for _, s := range invalid {
		if _, err := ParseAccess(s); err == nil {
			t.Errorf("ParseAccess(%q) should have failed", s)
		}
	}
}
