// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package runtime

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	isDir, err := isDirectory(dir)
	if err != nil || !isDir {
		t.Errorf("expected %s to be a directory, got isDir=%v err=%v", dir, isDir, err)
	}
	isDir, err = isDirectory(file)
	if err != nil || isDir {
		t.Errorf("expected %s not to be a directory, got isDir=%v err=%v", file, isDir, err)
	}
}

func TestCopyFileOwned(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := copyFileOwned(src, dst, os.Getuid(), os.Getgid()); err != nil {
		t.Fatalf("copyFileOwned: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "hello" {
		t.Errorf("unexpected copied content %q, err=%v", data, err)
	}
}

func TestAssemblerBuildRequiresRootfsFromHooks(t *testing.T) {
	a := Assembler{}
	if _, err := a.Hooks.Build(); err == nil {
		t.Fatal("expected error building config with no rootfs configured")
	}
}
