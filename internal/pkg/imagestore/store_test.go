// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package imagestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/eth-cscs/sarus/pkg/image"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	return Store{RepositoryDir: dir}
}

func mustRef(t *testing.T, s string) image.Reference {
	t.Helper()
	ref, err := image.ParseReference(s)
	if err != nil {
		t.Fatalf("ParseReference(%q): %v", s, err)
	}
	return ref.Normalize()
}

func TestAddAndFindImage(t *testing.T) {
	s := newTestStore(t)
	ref := mustRef(t, "ubuntu:20.04")

	backing := filepath.Join(s.RepositoryDir, "images", "ubuntu-20.04.squashfs")
	if err := os.MkdirAll(filepath.Dir(backing), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(backing, []byte("fake squashfs"), 0o644); err != nil {
		t.Fatal(err)
	}

	img := image.SarusImage{Reference: ref, ID: "abc123", ImageFile: backing}
	if err := s.AddImage(img); err != nil {
		t.Fatalf("AddImage: %v", err)
	}

	found, err := s.FindImage(ref)
	if err != nil {
		t.Fatalf("FindImage: %v", err)
	}
	if found.ID != "abc123" {
		t.Errorf("FindImage returned ID %q, want %q", found.ID, "abc123")
	}
}

func TestFindImageNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindImage(mustRef(t, "missing:latest"))
	if err == nil {
		t.Fatal("expected error for missing image")
	}
}

func TestAddImageReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	ref := mustRef(t, "ubuntu:20.04")

	backing := filepath.Join(s.RepositoryDir, "images", "ubuntu-20.04.squashfs")
	if err := os.MkdirAll(filepath.Dir(backing), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(backing, []byte("fake squashfs"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.AddImage(image.SarusImage{Reference: ref, ID: "first", ImageFile: backing}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddImage(image.SarusImage{Reference: ref, ID: "second", ImageFile: backing}); err != nil {
		t.Fatal(err)
	}

	images, err := s.ListImages()
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 1 {
		t.Fatalf("expected 1 image after replace, got %d", len(images))
	}
	if images[0].ID != "second" {
		t.Errorf("expected replaced entry to have ID %q, got %q", "second", images[0].ID)
	}
}

func TestRemoveImage(t *testing.T) {
	s := newTestStore(t)
	ref := mustRef(t, "ubuntu:20.04")

	backing := filepath.Join(s.RepositoryDir, "images", "ubuntu.squashfs")
	if err := os.MkdirAll(filepath.Dir(backing), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(backing, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.AddImage(image.SarusImage{Reference: ref, ImageFile: backing}); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveImage(ref); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	if _, err := s.FindImage(ref); err == nil {
		t.Fatal("expected image to be gone after RemoveImage")
	}
	if _, err := os.Stat(backing); !os.IsNotExist(err) {
		t.Errorf("expected backing file to be removed, stat err = %v", err)
	}
}

func TestPruneDangling(t *testing.T) {
	s := newTestStore(t)
	ref := mustRef(t, "ubuntu:20.04")

	if err := s.AddImage(image.SarusImage{Reference: ref, ImageFile: filepath.Join(s.RepositoryDir, "images", "missing.squashfs")}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.PruneDangling()
	if err != nil {
		t.Fatalf("PruneDangling: %v", err)
	}
	if removed != 1 {
		t.Errorf("PruneDangling removed %d entries, want 1", removed)
	}

	images, err := s.ListImages()
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 0 {
		t.Errorf("expected empty catalog after prune, got %d entries", len(images))
	}
}
