// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package mount implements the generic Mount OCI hook: it bind-mounts
// user- and site-declared paths and devices into an already-running
// container, whitelisting each device in the container's devices cgroup.
// It is invoked once per container at the createContainer stage, with its
// own repeatable --mount/--device CLI flags.
package mount

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/common"
	sarusmount "github.com/eth-cscs/sarus/internal/pkg/mount"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

const fiProviderPlaceholder = "<FI_PROVIDER_PATH>"

var libfabricPattern = regexp.MustCompile(`libfabric\.so(\.\d+)+`)

// ResolveFIProviderPath implements the three-step FI_PROVIDER_PATH lookup:
// the container's own environment variable first, then a scan of its
// dynamic-linker cache for libfabric, finally a hardcoded fallback.
func ResolveFIProviderPath(containerEnv map[string]string, ldconfigOutput string) string {
	if v := containerEnv["FI_PROVIDER_PATH"]; v != "" {
		return v
	}
	if dir := findLibfabricDir(ldconfigOutput); dir != "" {
		return dir
	}
	return "/usr/lib"
}

// findLibfabricDir scans `ldconfig -p`-style output for a libfabric entry
// and returns the libfabric subdirectory of its containing lib directory.
func findLibfabricDir(ldconfigOutput string) string {
	for _, line := range strings.Split(ldconfigOutput, "\n") {
		if !libfabricPattern.MatchString(line) {
			continue
		}
		idx := strings.LastIndex(line, "=>")
		if idx == -1 {
			continue
		}
		path := strings.TrimSpace(line[idx+2:])
		dir := path
		if i := strings.LastIndex(dir, "/"); i != -1 {
			dir = dir[:i]
		}
		return dir + "/libfabric"
	}
	return ""
}

// substituteFIProviderPath replaces every occurrence of the
// <FI_PROVIDER_PATH> placeholder token in a mount/device request string.
func substituteFIProviderPath(request, resolved string) string {
	return strings.ReplaceAll(request, fiProviderPlaceholder, resolved)
}

// Request is one --mount or --device CLI argument, still in its raw string
// form, tagged with which kind of request it is.
type Request struct {
	IsDevice bool
	Value    string
}

// Activate runs the hook's full createContainer behaviour: substituting
// FI_PROVIDER_PATH, parsing every requested mount/device, performing the
// bind mounts and whitelisting each device in the container's cgroup.
func Activate(requests []Request, policy *sarusmount.UserPolicy, ldconfigPath string) error {
	state, err := common.ParseStateFromStdin()
	if err != nil {
		return err
	}
	bundleCfg, err := common.ReadBundleConfig(state.Bundle)
	if err != nil {
		return err
	}
	env := common.EnvMap(bundleCfg.Env)

	if err := common.EnterMountNamespace(state.Pid); err != nil {
		return err
	}

	ldconfigOutput := runLdconfigList(bundleCfg.RootfsDir)
	resolved := ResolveFIProviderPath(env, ldconfigOutput)

	var mounts []sarusmount.Mount
	var devices []sarusmount.DeviceMount
	for _, req := range requests {
		value := substituteFIProviderPath(req.Value, resolved)
		if req.IsDevice {
			dm, err := sarusmount.NewDeviceMount(value, policy)
			if err != nil {
				return errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("failed to parse device request %q", value))
			}
			devices = append(devices, dm)
		} else {
			fields, err := sarusmount.ParseRequest(value)
			if err != nil {
				return errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("failed to parse mount request %q", value))
			}
			var m sarusmount.Mount
			if policy != nil {
				m, err = sarusmount.NewUserMountParser(fields, policy)
			} else {
				m, err = sarusmount.NewSiteMountParser(fields)
			}
			if err != nil {
				return errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("failed to build mount for request %q", value))
			}
			mounts = append(mounts, m)
		}
	}

	for _, m := range mounts {
		if err := bindMount(bundleCfg.RootfsDir, m); err != nil {
			return err
		}
	}

	if len(devices) > 0 {
		cgroupPath, err := common.FindDevicesCgroupPath(state.Pid)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if err := bindMount(bundleCfg.RootfsDir, d.Mount); err != nil {
				return err
			}
			if err := common.WhitelistDeviceInCgroup(cgroupPath, d.CgroupAllowLine()); err != nil {
				return err
			}
		}
	}

	if ldconfigPath != "" {
		if err := exec.Command(ldconfigPath, "-r", bundleCfg.RootfsDir).Run(); err != nil {
			sylog.Warningf("mount hook: ldconfig -r %s failed: %v", bundleCfg.RootfsDir, err)
		}
	}
	return nil
}

func runLdconfigList(rootfsDir string) string {
	out, err := exec.Command("ldconfig", "-r", rootfsDir, "-p").Output()
	if err != nil {
		return ""
	}
	return string(out)
}

func bindMount(rootfsDir string, m sarusmount.Mount) error {
	dest, err := securejoin.SecureJoin(rootfsDir, m.Destination)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to resolve mount destination %s inside rootfs", m.Destination))
	}
	if info, err := os.Stat(m.Source); err == nil && info.IsDir() {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create mount destination %s", dest))
		}
	} else if f, err := os.OpenFile(dest, os.O_CREATE, 0o644); err == nil {
		f.Close()
	}

	flags := uintptr(unix.MS_BIND)
	if m.Flags&sarusmount.FlagRecursive != 0 {
		flags |= unix.MS_REC
	}
	if err := unix.Mount(m.Source, dest, "", flags, ""); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to bind mount %s to %s", m.Source, dest))
	}
	if m.Flags&sarusmount.FlagReadOnly != 0 {
		if err := unix.Mount("", dest, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to remount %s read-only", dest))
		}
	}
	return nil
}
