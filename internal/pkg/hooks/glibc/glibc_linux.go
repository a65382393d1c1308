// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package glibc implements the OCI hook that replaces a container's glibc
// with the host's when the container's glibc is older, so that
// applications built against newer glibc symbol versions than the
// container ships still run. Grounded on original_source's GlibcHook.cpp.
package glibc

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/common"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

// Config mirrors the GLIBC hook's environment-variable configuration.
type Config struct {
	LddPath      string
	LdconfigPath string
	ReadelfPath  string
	GlibcLibs    []string // host glibc library paths, from GLIBC_LIBS (colon-separated)
}

var libcNamePattern = regexp.MustCompile(`^libc[.-]`)
var lddVersionPattern = regexp.MustCompile(`\(.*\)\s+(\d+)\.(\d+)`)

// InjectIfNecessary is the hook's createContainer entry point.
func InjectIfNecessary(cfg Config, rootfsDir string, containerUID, containerGID uint32) error {
	if _, err := os.Stat(filepath.Join(rootfsDir, "etc", "ld.so.cache")); err != nil {
		sylog.Debugf("glibc hook: container has no /etc/ld.so.cache, assuming no glibc, skipping")
		return nil
	}

	containerLibs, err := listContainerLibraries(cfg, rootfsDir)
	if err != nil {
		return err
	}

	containerLibc := findLibc(containerLibs)
	if containerLibc == "" {
		sylog.Debugf("glibc hook: no 64-bit glibc found in container, skipping")
		return nil
	}

	hostLibc := findLibc(cfg.GlibcLibs)
	if hostLibc == "" {
		return errs.New(errs.InvalidRequest, "glibc hook: no host libc found in GLIBC_LIBS")
	}

	hostVersion, err := detectHostLibcVersion(cfg.LddPath)
	if err != nil {
		return err
	}
	containerVersion, err := detectContainerLibcVersion(cfg.LddPath, rootfsDir, containerUID, containerGID)
	if err != nil {
		return err
	}

	if compareVersion(containerVersion, hostVersion) >= 0 {
		sylog.Debugf("glibc hook: container glibc %v is not older than host glibc %v, skipping", containerVersion, hostVersion)
		return nil
	}

	hostSoname, err := readSoname(cfg.ReadelfPath, hostLibc)
	if err != nil {
		return err
	}
	containerSoname, err := readSoname(cfg.ReadelfPath, filepath.Join(rootfsDir, containerLibc))
	if err != nil {
		return err
	}
	if hostSoname != containerSoname {
		return errs.New(errs.PolicyViolation,
			fmt.Sprintf("host libc SONAME %q does not match container libc SONAME %q, refusing to inject an ABI-incompatible glibc", hostSoname, containerSoname))
	}

	return replaceGlibcLibraries(cfg, rootfsDir, containerLibs)
}

func listContainerLibraries(cfg Config, rootfsDir string) ([]string, error) {
	cmd := exec.Command(cfg.LdconfigPath, "-r", rootfsDir, "-p")
	out, err := cmd.Output()
	if err != nil {
		return nil, errs.Wrap(errs.ExternalToolFailure, err, fmt.Sprintf("%s -r %s -p failed", cfg.LdconfigPath, rootfsDir))
	}

	var libs []string
	for _, line := range strings.Split(string(out), "\n") {
		idx := strings.LastIndex(line, "=> ")
		if idx == -1 {
			continue
		}
		path := strings.TrimSpace(line[idx+3:])
		if path == "" {
			continue
		}
		if is64, err := is64BitELF(cfg.ReadelfPath, filepath.Join(rootfsDir, path)); err == nil && is64 {
			libs = append(libs, path)
		}
	}
	return libs, nil
}

func is64BitELF(readelfPath, path string) (bool, error) {
	out, err := exec.Command(readelfPath, "-h", path).Output()
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), "ELF64"), nil
}

func findLibc(libs []string) string {
	for _, l := range libs {
		if libcNamePattern.MatchString(filepath.Base(l)) {
			return l
		}
	}
	return ""
}

// detectHostLibcVersion runs `ldd --version` on the host and parses its
// "ldd (...) MAJOR.MINOR" first line.
func detectHostLibcVersion(lddPath string) ([2]int, error) {
	out, err := exec.Command(lddPath, "--version").Output()
	if err != nil {
		return [2]int{}, errs.Wrap(errs.ExternalToolFailure, err, fmt.Sprintf("%s --version failed", lddPath))
	}
	return parseLibcVersionFromLddOutput(string(out))
}

// detectContainerLibcVersion runs ldd --version inside the container's
// rootfs, dropping to the container's own user identity first.
func detectContainerLibcVersion(lddPath, rootfsDir string, uid, gid uint32) ([2]int, error) {
	cmd := exec.Command(lddPath, "--version")
	cmd.Dir = "/"
	cmd.SysProcAttr = chrootSysProcAttr(rootfsDir, uid, gid)
	out, err := cmd.Output()
	if err != nil {
		return [2]int{}, errs.Wrap(errs.ExternalToolFailure, err, fmt.Sprintf("ldd --version failed inside container rootfs %s", rootfsDir))
	}
	return parseLibcVersionFromLddOutput(string(out))
}

func parseLibcVersionFromLddOutput(output string) ([2]int, error) {
	lines := strings.SplitN(output, "\n", 2)
	if len(lines) == 0 {
		return [2]int{}, errs.New(errs.InvalidRequest, "empty ldd --version output")
	}
	m := lddVersionPattern.FindStringSubmatch(lines[0])
	if m == nil {
		return [2]int{}, errs.New(errs.InvalidRequest, fmt.Sprintf("failed to parse glibc version from ldd output: %q", lines[0]))
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return [2]int{major, minor}, nil
}

func compareVersion(a, b [2]int) int {
	if a[0] != b[0] {
		if a[0] < b[0] {
			return -1
		}
		return 1
	}
	if a[1] != b[1] {
		if a[1] < b[1] {
			return -1
		}
		return 1
	}
	return 0
}

func readSoname(readelfPath, path string) (string, error) {
	out, err := exec.Command(readelfPath, "-d", path).Output()
	if err != nil {
		return "", errs.Wrap(errs.ExternalToolFailure, err, fmt.Sprintf("%s -d %s failed", readelfPath, path))
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "SONAME") {
			start := strings.Index(line, "[")
			end := strings.Index(line, "]")
			if start != -1 && end != -1 && end > start {
				return line[start+1 : end], nil
			}
		}
	}
	return "", errs.New(errs.InvalidRequest, fmt.Sprintf("no SONAME found in %s", path))
}

// replaceGlibcLibraries bind-mounts every host glibc library over a
// matching-filename container library, or into /lib64/<basename> when no
// match is found in the container.
func replaceGlibcLibraries(cfg Config, rootfsDir string, containerLibs []string) error {
	for _, hostLib := range cfg.GlibcLibs {
		base := filepath.Base(hostLib)
		dest := findMatchingContainerLib(containerLibs, base)
		if dest == "" {
			dest = filepath.Join("/lib64", base)
			sylog.Warningf("glibc hook: no container library named %s found, injecting at %s", base, dest)
		}
		if err := bindMountLibrary(hostLib, filepath.Join(rootfsDir, dest)); err != nil {
			return err
		}
	}
	return nil
}

func findMatchingContainerLib(containerLibs []string, base string) string {
	for _, l := range containerLibs {
		if filepath.Base(l) == base {
			return l
		}
	}
	return ""
}
