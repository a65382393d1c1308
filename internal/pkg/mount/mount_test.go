// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package mount

import "testing"

func TestParseRequest(t *testing.T) {
	fields, err := ParseRequest("type=bind,src=/a,dst=/b,readonly")
	if err != nil {
		t.Fatal(err)
	}
	if fields["type"] != "bind" || fields["src"] != "/a" || fields["dst"] != "/b" {
		t.Errorf("unexpected fields: %+v", fields)
	}
	if _, ok := fields["readonly"]; !ok {
		t.Error("expected readonly key to be present")
	}
}

func TestNewSiteMountParserValid(t *testing.T) {
	m, err := NewSiteMountParser(map[string]string{"type": "bind", "source": "/a", "destination": "/b", "readonly": ""})
	if err != nil {
		t.Fatal(err)
	}
	if m.Flags&FlagReadOnly == 0 {
		t.Error("expected FlagReadOnly to be set")
	}
	if m.Flags&FlagRecursive == 0 || m.Flags&FlagPrivate == 0 {
		t.Error("expected MS_REC|MS_PRIVATE to always be set")
	}
}

func TestNewSiteMountParserRejectsNonBind(t *testing.T) {
	if _, err := NewSiteMountParser(map[string]string{"type": "overlay", "src": "/a", "dst": "/b"}); err == nil {
		t.Fatal("expected error for non-bind mount type")
	}
}

func TestNewSiteMountParserRejectsRelativePaths(t *testing.T) {
	if _, err := NewSiteMountParser(map[string]string{"type": "bind", "src": "a", "dst": "/b"}); err == nil {
		t.Fatal("expected error for relative source")
	}
}

func TestNewUserMountParserRejectsDisallowedPrefix(t *testing.T) {
	policy := &UserPolicy{DisallowedPrefixes: []string{"/etc"}}
	_, err := NewUserMountParser(map[string]string{"type": "bind", "src": "/a", "dst": "/etc/passwd"}, policy)
	if err == nil {
		t.Fatal("expected error for destination under disallowed prefix")
	}
}

func TestNewUserMountParserRequiresPolicy(t *testing.T) {
	if _, err := NewUserMountParser(map[string]string{"type": "bind", "src": "/a", "dst": "/b"}, nil); err == nil {
		t.Fatal("expected error when policy is nil")
	}
}

func TestNewSiteMountParserSkipsPolicy(t *testing.T) {
	if _, err := NewSiteMountParser(map[string]string{"type": "bind", "src": "/a", "dst": "/etc/passwd"}); err != nil {
		t.Fatalf("site-band mount should not be subject to policy checks: %v", err)
	}
}

func TestTokenizeDeviceRequest(t *testing.T) {
	tests := []struct {
		in                                      string
		wantSource, wantDestination, wantAccess string
	}{
		{"/dev/nvidia0", "/dev/nvidia0", "/dev/nvidia0", "rwm"},
		{"/dev/nvidia0:/dev/nvidia0", "/dev/nvidia0", "/dev/nvidia0", "rwm"},
		{"/dev/nvidia0:rw", "/dev/nvidia0", "/dev/nvidia0", "rw"},
		{"/dev/nvidia0:/dev/nvidia1:rw", "/dev/nvidia0", "/dev/nvidia1", "rw"},
	}
	for _, tt := range tests {
		source, dest, access, err := tokenizeDeviceRequest(tt.in)
		if err != nil {
			t.Errorf("tokenizeDeviceRequest(%q): unexpected error %v", tt.in, err)
			continue
		}
		if source != tt.wantSource || dest != tt.wantDestination || access != tt.wantAccess {
			t.Errorf("tokenizeDeviceRequest(%q) = (%q,%q,%q), want (%q,%q,%q)",
				tt.in, source, dest, access, tt.wantSource, tt.wantDestination, tt.wantAccess)
		}
	}
}
