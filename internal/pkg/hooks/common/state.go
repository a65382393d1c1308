// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package common gathers the logic shared by every Sarus OCI hook binary:
// decoding the container state runc hands the hook on stdin, reading the
// user identity and rootfs path out of the bundle's config.json, resolving
// which devices cgroup the container's processes are confined to, and
// dropping to the container's unprivileged identity before touching
// anything inside the rootfs.
package common

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// ParseStateFromStdin decodes the OCI container-state JSON object every
// hook receives on its standard input when invoked by the OCI runtime.
func ParseStateFromStdin() (specs.State, error) {
	return ParseState(os.Stdin)
}

// ParseState decodes container state from an arbitrary reader, split out
// from ParseStateFromStdin for testability.
func ParseState(r io.Reader) (specs.State, error) {
	var state specs.State
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return specs.State{}, errs.Wrap(errs.InvalidRequest, err, "failed to parse container state from stdin")
	}
	if state.Bundle == "" {
		return specs.State{}, errs.New(errs.InvalidRequest, "container state is missing the bundle path")
	}
	return state, nil
}

// BundleConfig is the subset of the OCI bundle's config.json that every
// hook needs: rootfs location and the container's configured user.
type BundleConfig struct {
	RootfsDir   string
	UID         uint32
	GID         uint32
	Annotations map[string]string
	Env         []string
}

// ReadBundleConfig reads and partially parses bundleDir/config.json.
func ReadBundleConfig(bundleDir string) (BundleConfig, error) {
	path := filepath.Join(bundleDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return BundleConfig{}, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to read %s", path))
	}

	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return BundleConfig{}, errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("failed to parse %s", path))
	}

	rootfs := ""
	if spec.Root != nil {
		rootfs = spec.Root.Path
		if !filepath.IsAbs(rootfs) {
			rootfs = filepath.Join(bundleDir, rootfs)
		}
	}

	cfg := BundleConfig{
		RootfsDir:   rootfs,
		Annotations: spec.Annotations,
	}
	if spec.Process != nil {
		cfg.UID = spec.Process.User.UID
		cfg.GID = spec.Process.User.GID
		cfg.Env = spec.Process.Env
	}
	return cfg, nil
}

// EnvMap turns a "KEY=VALUE" slice (as found in config.json's process.env)
// into a lookup map, the form every hook actually wants to consume it in.
func EnvMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}
