// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package mpi

import (
	"os"
	"path/filepath"
	"testing"
)

func writeContainerLib(t *testing.T, rootfsDir, path string) {
	t.Helper()
	full := filepath.Join(rootfsDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("lib"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestInjectLibraryReplacesEqualVersion(t *testing.T) {
	rootfs := t.TempDir()
	writeContainerLib(t, rootfs, "/lib/libmpi.so.12.5.5")

	bm, err := InjectLibrary("/hostlib/libmpi.so.12.5.5", DefaultLibraryDirs, rootfs)
	if err != nil {
		t.Fatalf("InjectLibrary: %v", err)
	}
	if bm.ContainerPath != "/lib/libmpi.so.12.5.5" {
		t.Errorf("expected the equal-version container library to be replaced, got %s", bm.ContainerPath)
	}
}

func TestInjectLibraryReplacesCompatibleOlderVersion(t *testing.T) {
	rootfs := t.TempDir()
	writeContainerLib(t, rootfs, "/lib/libmpi.so.12.1")

	bm, err := InjectLibrary("/hostlib/libmpi.so.12.3", DefaultLibraryDirs, rootfs)
	if err != nil {
		t.Fatalf("InjectLibrary: %v", err)
	}
	if bm.ContainerPath != "/lib/libmpi.so.12.1" {
		t.Errorf("expected the compatible older container library to be replaced, got %s", bm.ContainerPath)
	}
}

func TestInjectLibraryFailsOnIncompatibleOlderVersion(t *testing.T) {
	rootfs := t.TempDir()
	writeContainerLib(t, rootfs, "/lib/libmpi.so.11.1")

	if _, err := InjectLibrary("/hostlib/libmpi.so.12.3", DefaultLibraryDirs, rootfs); err == nil {
		t.Fatal("expected failure injecting over an ABI-incompatible older container library")
	}
}

func TestInjectLibraryWarnsOnNewerOnlyVersions(t *testing.T) {
	rootfs := t.TempDir()
	writeContainerLib(t, rootfs, "/lib64/libdep.so.4.3")
	writeContainerLib(t, rootfs, "/lib64/libdep.so.4.5")

	bm, err := InjectLibrary("/hostlib/libdep.so.4.2", DefaultLibraryDirs, rootfs)
	if err != nil {
		t.Fatalf("InjectLibrary: %v", err)
	}
	if bm.ContainerPath == "/lib64/libdep.so.4.3" || bm.ContainerPath == "/lib64/libdep.so.4.5" {
		t.Errorf("newer-only container libraries must not be replaced, got %s", bm.ContainerPath)
	}
}

func TestSoNameChainPaths(t *testing.T) {
	host, err := parseLibVersion("/hostlib/libmpi.so.12.5.5")
	if err != nil {
		t.Fatal(err)
	}
	paths := soNameChainPaths(host, []string{"/lib"})
	want := map[string]bool{
		"/lib/libmpi.so":        true,
		"/lib/libmpi.so.12":     true,
		"/lib/libmpi.so.12.5":   true,
		"/lib/libmpi.so.12.5.5": true,
	}
	if len(paths) != len(want) {
		t.Fatalf("got %v, want keys of %v", paths, want)
	}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("unexpected symlink path %s", p)
		}
	}
}
