// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package image

import "testing"

func TestParseReference(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Reference
	}{
		{"image only", "ubuntu", Reference{Image: "ubuntu"}},
		{"image and tag", "ubuntu:20.04", Reference{Image: "ubuntu", Tag: "20.04"}},
		{"namespace and image", "library/ubuntu", Reference{RepositoryNamespace: "library", Image: "ubuntu"}},
		{
			"full reference",
			"index.docker.io/library/ubuntu:20.04",
			Reference{Server: "index.docker.io", RepositoryNamespace: "library", Image: "ubuntu", Tag: "20.04"},
		},
		{
			"server with port",
			"registry.example.com:5000/foo/bar:latest",
			Reference{Server: "registry.example.com:5000", RepositoryNamespace: "foo", Image: "bar", Tag: "latest"},
		},
		{
			"digest",
			"ubuntu@sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			Reference{Image: "ubuntu", Digest: "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReference(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseReference(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseReferenceEmpty(t *testing.T) {
	if _, err := ParseReference(""); err == nil {
		t.Fatal("expected error for empty reference")
	}
}

func TestNormalize(t *testing.T) {
	ref, err := ParseReference("ubuntu")
	if err != nil {
		t.Fatal(err)
	}
	norm := ref.Normalize()
	if norm.Server != DefaultServer || norm.RepositoryNamespace != DefaultRepositoryNamespace || norm.Tag != DefaultTag {
		t.Errorf("Normalize() = %+v, want defaults filled in", norm)
	}
}

func TestParseReferenceRejectsMalformedDigest(t *testing.T) {
	if _, err := ParseReference("ubuntu@sha256:deadbeef"); err == nil {
		t.Fatal("expected error for a digest with the wrong length for its algorithm")
	}
}

func TestUniqueKeyRequiresTagOrDigest(t *testing.T) {
	ref := Reference{Server: "s", RepositoryNamespace: "n", Image: "i"}
	if _, err := ref.UniqueKey(); err == nil {
		t.Fatal("expected error when neither tag nor digest is set")
	}

	ref.Tag = "latest"
	if _, err := ref.UniqueKey(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUniqueKeyFormat(t *testing.T) {
	ref := Reference{Server: "index.docker.io", RepositoryNamespace: "library", Image: "ubuntu", Tag: "20.04"}
	key, err := ref.UniqueKey()
	if err != nil {
		t.Fatal(err)
	}
	if want := "index.docker.io/library/ubuntu/20.04"; key != want {
		t.Errorf("UniqueKey() = %q, want %q", key, want)
	}
}

func TestUniqueKeyDigestReplacesColonWithDash(t *testing.T) {
	ref := Reference{Server: "index.docker.io", RepositoryNamespace: "library", Image: "ubuntu",
		Digest: "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"}
	key, err := ref.UniqueKey()
	if err != nil {
		t.Fatal(err)
	}
	if want := "index.docker.io/library/ubuntu/sha256-e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"; key != want {
		t.Errorf("UniqueKey() = %q, want %q", key, want)
	}
}

func TestEqualIgnoresUnnormalizedDifferences(t *testing.T) {
	a, _ := ParseReference("ubuntu:latest")
	b, _ := ParseReference("index.docker.io/library/ubuntu:latest")
	if !a.Equal(b) {
		t.Errorf("expected %+v and %+v to be equal after normalization", a, b)
	}
}
