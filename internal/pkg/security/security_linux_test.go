// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckThatPathIsUntamperableDisabled(t *testing.T) {
	c := Checker{Enabled: false}
	if err := c.CheckThatPathIsUntamperable("/does/not/exist"); err != nil {
		t.Fatalf("disabled checker should never fail: %v", err)
	}
}

func TestCheckNotGroupOrWorldWritableRejectsWorldWritable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world-writable")
	if err := os.WriteFile(path, []byte("x"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}
	if err := checkNotGroupOrWorldWritable(path); err == nil {
		t.Fatal("expected error for world-writable file")
	}
}

func TestCheckNotGroupOrWorldWritableAcceptsOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "owner-only")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := checkNotGroupOrWorldWritable(path); err != nil {
		t.Fatalf("unexpected error for owner-only file: %v", err)
	}
}

func TestCheckRuncVersionDisabled(t *testing.T) {
	c := Checker{Enabled: false}
	if err := c.CheckRuncVersion("/does/not/exist", MinimumRuncVersion); err != nil {
		t.Fatalf("disabled checker should never fail: %v", err)
	}
}

func TestCheckRuncVersionRejectsUnknownBinary(t *testing.T) {
	c := Checker{Enabled: true}
	if err := c.CheckRuncVersion("/does/not/exist", MinimumRuncVersion); err == nil {
		t.Fatal("expected error for a nonexistent runc binary")
	}
}
