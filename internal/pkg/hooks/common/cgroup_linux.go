// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package common

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// FindDevicesCgroupPath resolves the absolute host path of the v1 "devices"
// cgroup that confines pid, by parsing /proc/<pid>/mountinfo for the devices
// cgroup's mount root and mount point, then /proc/<pid>/cgroup for the
// container's own path within that hierarchy, and composing the two.
func FindDevicesCgroupPath(pid int) (string, error) {
	mountRoot, mountPoint, err := findDevicesCgroupMount(pid)
	if err != nil {
		return "", err
	}

	cgroupPath, err := findDevicesCgroupPathForProcess(pid)
	if err != nil {
		return "", err
	}

	rel := strings.TrimPrefix(cgroupPath, mountRoot)
	if rel == cgroupPath && mountRoot != "/" {
		return "", errs.New(errs.InvariantViolation,
			fmt.Sprintf("cgroup path %q for pid %d is not reachable under mount root %q (sibling namespace?)", cgroupPath, pid, mountRoot))
	}
	rel = strings.TrimPrefix(rel, "/")
	if strings.Contains(rel, "..") {
		return "", errs.New(errs.InvariantViolation, fmt.Sprintf("cgroup path %q escapes its mount root", cgroupPath))
	}

	return filepath.Join(mountPoint, rel), nil
}

// findDevicesCgroupMount scans /proc/<pid>/mountinfo for the devices cgroup
// v1 mount, returning its mount root (within the cgroup filesystem) and its
// mount point (on the host filesystem).
func findDevicesCgroupMount(pid int) (mountRoot, mountPoint string, err error) {
	path := fmt.Sprintf("/proc/%d/mountinfo", pid)
	f, err := os.Open(path)
	if err != nil {
		return "", "", errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to open %s", path))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		// Format: ID PARENT-ID MAJOR:MINOR ROOT MOUNT-POINT OPTIONS...
		// - SEPARATOR FSTYPE SOURCE SUPER-OPTIONS
		fields := strings.Fields(line)
		sepIdx := -1
		for i, f := range fields {
			if f == "-" {
				sepIdx = i
				break
			}
		}
		if sepIdx < 0 || sepIdx+2 >= len(fields) || len(fields) < 5 {
			continue
		}
		fsType := fields[sepIdx+1]
		superOptions := fields[sepIdx+3]
		if fsType != "cgroup" || !strings.Contains(superOptions, "devices") {
			continue
		}
		return fields[3], fields[4], nil
	}
	if err := scanner.Err(); err != nil {
		return "", "", errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to read %s", path))
	}
	return "", "", errs.New(errs.NotFound, fmt.Sprintf("no devices cgroup v1 mount found for pid %d", pid))
}

// findDevicesCgroupPathForProcess parses /proc/<pid>/cgroup for the "devices"
// controller's line and returns the process's path within that hierarchy.
func findDevicesCgroupPathForProcess(pid int) (string, error) {
	path := fmt.Sprintf("/proc/%d/cgroup", pid)
	f, err := os.Open(path)
	if err != nil {
		return "", errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to open %s", path))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// Format: hierarchy-ID:controller-list:cgroup-path
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		controllers := strings.Split(parts[1], ",")
		for _, c := range controllers {
			if c == "devices" {
				return parts[2], nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to read %s", path))
	}
	return "", errs.New(errs.NotFound, fmt.Sprintf("no devices cgroup entry found in %s", path))
}

// WhitelistDeviceInCgroup writes allowLine, a devices-cgroup allow rule
// such as "c 195:0 rw", to the devices.allow file of the given cgroup.
func WhitelistDeviceInCgroup(cgroupPath, allowLine string) error {
	path := filepath.Join(cgroupPath, "devices.allow")
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to open %s", path))
	}
	defer f.Close()
	if _, err := f.WriteString(allowLine); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to write to %s", path))
	}
	return nil
}

// ParsePid is a tiny convenience wrapper used by hook main()s that receive
// a pid as a string (e.g. from the container state).
func ParsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("invalid pid %q", s))
	}
	return pid, nil
}
