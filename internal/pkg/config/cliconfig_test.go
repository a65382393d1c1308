// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCLIConfigMissingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadCLIConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("LoadCLIConfig() error = %v, want nil", err)
	}
	if cfg != (CLIConfig{}) {
		t.Errorf("LoadCLIConfig() = %+v, want zero value", cfg)
	}
}

func TestLoadCLIConfigParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.toml")
	contents := `
defaultImageType = "squashfs"
color = true
verbosity = "verbose"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadCLIConfig(path)
	if err != nil {
		t.Fatalf("LoadCLIConfig() error = %v", err)
	}
	want := CLIConfig{DefaultImageType: "squashfs", Color: true, Verbosity: "verbose"}
	if cfg != want {
		t.Errorf("LoadCLIConfig() = %+v, want %+v", cfg, want)
	}
}

func TestLoadCLIConfigRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.toml")
	if err := os.WriteFile(path, []byte("not = [valid"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadCLIConfig(path); err == nil {
		t.Fatal("expected an error for malformed TOML")
	}
}
