// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package mpi implements the OCI hook that replaces a container's MPI
// implementation with the host's, so that an application linked against a
// container-provided MPI can still use the high-speed interconnect drivers
// only the host has. There is no reference implementation to adapt this
// from directly: the package is reconstructed from the hook's documented
// behaviour and from the expectations of its original test suite, which
// exercises the version-compatibility policy exhaustively. The resulting
// algorithm should be read as a faithful approximation of that policy, not
// a byte-for-byte port.
package mpi

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

// DefaultLibraryDirs is where injected libraries and their symlink chains
// are (re)created inside the container, regardless of where the host
// library or the container's own copy happen to live.
var DefaultLibraryDirs = []string{"/lib", "/lib64"}

// BindMount is one library file the hook wants bind-mounted from the host
// into the container at the given destination; Symlinks are the soname
// chain entries that must point at it once mounted.
type BindMount struct {
	HostPath          string
	ContainerPath     string
	ContainerSymlinks []string // paths of symlinks to (re)create, each pointing to ContainerPath
}

// libVersion is one parsed shared-library filename, e.g.
// "libmpi.so.12.5.5" -> {soName: "libmpi.so", parts: [12,5,5]}.
type libVersion struct {
	path   string
	dir    string
	soName string
	suffix string
	parts  []int
}

func parseLibVersion(path string) (libVersion, error) {
	base := filepath.Base(path)
	idx := strings.Index(base, ".so")
	if idx == -1 {
		return libVersion{}, errs.New(errs.InvalidRequest, fmt.Sprintf("%s does not look like a shared library (missing .so)", path))
	}
	soName := base[:idx+3]
	suffix := strings.TrimPrefix(base[idx+3:], ".")

	var parts []int
	if suffix != "" {
		for _, f := range strings.Split(suffix, ".") {
			n, err := strconv.Atoi(f)
			if err != nil {
				return libVersion{}, errs.New(errs.InvalidRequest, fmt.Sprintf("%s has a non-numeric version component %q", path, f))
			}
			parts = append(parts, n)
		}
	}
	return libVersion{path: path, dir: filepath.Dir(path), soName: soName, suffix: suffix, parts: parts}, nil
}

// compareVersions lexicographically compares two version part lists,
// 0-padding the shorter one, and returns -1/0/1.
func compareVersions(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// majorCompatible reports whether two versions share the same leading
// (SONAME major) component, the ABI-compatibility criterion the hook
// applies before ever replacing a container's existing library file.
func majorCompatible(a, b []int) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	return a[0] == b[0]
}

// findContainerLibraries finds every file under rootfsDir+dir, for each dir
// in searchDirs, whose name starts with the given soName.
func findContainerLibraries(rootfsDir, soName string, searchDirs []string) ([]libVersion, error) {
	var found []libVersion
	for _, dir := range searchDirs {
		entries, err := os.ReadDir(filepath.Join(rootfsDir, dir))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to list %s", dir))
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), soName) {
				continue
			}
			lv, err := parseLibVersion(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			found = append(found, lv)
		}
	}
	return found, nil
}

// planLibraryInjection decides, for one host library, which container
// library (if any) gets replaced and whether the injection is safe, per
// the hook's documented policy:
//   - the injection fails outright if any versioned container library has
//     a different major version than the host library;
//   - an equal-version container library is always replaced;
//   - otherwise the newest older-version container library is replaced if
//     it is ABI (major-version) compatible with the host, and the
//     injection fails outright if an incompatible (unversioned) older file
//     is the best match available;
//   - if only newer versions exist in the container, the host library is
//     injected additively and a warning is logged, since newer container
//     libraries are assumed to remain usable on their own.
func planLibraryInjection(host libVersion, containerLibs []libVersion) (replace *libVersion, warn bool, err error) {
	var equal, olderCandidate, newestOlder *libVersion
	for i := range containerLibs {
		c := &containerLibs[i]
		if len(c.parts) > 0 && !majorCompatible(host.parts, c.parts) {
			return nil, false, errs.New(errs.PolicyViolation,
				fmt.Sprintf("host library %s is not ABI compatible with container library %s", host.path, c.path))
		}
		switch compareVersions(c.parts, host.parts) {
		case 0:
			equal = c
		case -1:
			if newestOlder == nil || compareVersions(c.parts, newestOlder.parts) > 0 {
				newestOlder = c
			}
		}
	}
	if equal != nil {
		return equal, false, nil
	}
	olderCandidate = newestOlder
	if olderCandidate != nil {
		if majorCompatible(host.parts, olderCandidate.parts) {
			return olderCandidate, false, nil
		}
		return nil, false, errs.New(errs.PolicyViolation,
			fmt.Sprintf("host library %s is not ABI compatible with the closest container version %s", host.path, olderCandidate.path))
	}
	// Only newer (or no) versions present: inject additively.
	return nil, len(containerLibs) > 0, nil
}

// InjectLibrary plans and returns the bind mounts needed to inject one host
// library (plus its SONAME symlink chain) into the container's rootfs,
// honouring whatever container libraries of the same name are already
// present under searchDirs.
func InjectLibrary(hostPath string, searchDirs []string, rootfsDir string) (BindMount, error) {
	host, err := parseLibVersion(hostPath)
	if err != nil {
		return BindMount{}, err
	}
	containerLibs, err := findContainerLibraries(rootfsDir, host.soName, searchDirs)
	if err != nil {
		return BindMount{}, err
	}

	replace, warn, err := planLibraryInjection(host, containerLibs)
	if err != nil {
		return BindMount{}, err
	}
	if warn {
		sylog.Warningf("mpi hook: container only has newer versions of %s than the host; injecting host library additively", host.soName)
	}

	containerPath := filepath.Join(DefaultLibraryDirs[0], filepath.Base(hostPath))
	if replace != nil {
		containerPath = replace.path
	}

	symlinks := soNameChainPaths(host, DefaultLibraryDirs)
	return BindMount{
		HostPath:          hostPath,
		ContainerPath:     containerPath,
		ContainerSymlinks: symlinks,
	}, nil
}

// soNameChainPaths returns, for every default library directory, the set
// of progressively shorter versioned names ("libmpi.so.12.5.5",
// "libmpi.so.12.5", "libmpi.so.12", "libmpi.so") that must point at the
// injected library.
func soNameChainPaths(host libVersion, dirs []string) []string {
	var names []string
	names = append(names, host.soName)
	acc := ""
	for i, p := range host.parts {
		if i == 0 {
			acc = strconv.Itoa(p)
		} else {
			acc = acc + "." + strconv.Itoa(p)
		}
		names = append(names, host.soName+"."+acc)
	}

	var paths []string
	for _, dir := range dirs {
		for _, name := range names {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths)
	return paths
}

// InjectLibraries is the hook's createContainer entry point: it injects
// the site's configured MPI libraries and their dependency libraries into
// rootfsDir, returning the bind mounts the caller must perform. This
// package performs no mounts itself; cmd/sarus-hook-mpi applies the
// returned bind mounts and symlinks.
func InjectLibraries(hostMpiLibraries, hostDependencyLibraries []string, rootfsDir string) ([]BindMount, error) {
	var mounts []BindMount
	for _, lib := range hostMpiLibraries {
		bm, err := InjectLibrary(lib, DefaultLibraryDirs, rootfsDir)
		if err != nil {
			return nil, errs.Wrap(errs.PolicyViolation, err, fmt.Sprintf("failed to inject MPI library %s", lib))
		}
		mounts = append(mounts, bm)
	}
	for _, lib := range hostDependencyLibraries {
		bm, err := InjectLibrary(lib, DefaultLibraryDirs, rootfsDir)
		if err != nil {
			return nil, errs.Wrap(errs.PolicyViolation, err, fmt.Sprintf("failed to inject MPI dependency library %s", lib))
		}
		mounts = append(mounts, bm)
	}
	return mounts, nil
}
