// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package amdgpu implements the OCI hook that whitelists the AMD ROCm device
// nodes a container needs in its devices cgroup: /dev/kfd plus the DRI
// nodes of the GPUs named by the container's ROCR_VISIBLE_DEVICES
// environment variable (or every DRI card and render node, if that variable
// is unset). The device nodes are not bind-mounted into the rootfs.
package amdgpu

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/common"
	"github.com/eth-cscs/sarus/internal/pkg/mount"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

const defaultDriPath = "/dev/dri"

// Activate is the hook's createContainer entry point: it reads the
// container state from stdin, determines which ROCm devices the container
// should see, creates the parent directory of each device's destination
// path and whitelists each device in the container's devices cgroup. It
// does not bind-mount the device nodes into the rootfs.
func Activate() error {
	state, err := common.ParseStateFromStdin()
	if err != nil {
		return err
	}

	devices, err := rocrDeviceMounts(defaultDriPath, state.Bundle)
	if err != nil {
		return err
	}
	if kfd, ok := kfdDeviceMount(); ok {
		devices = append(devices, kfd)
	}
	if len(devices) == 0 {
		sylog.Debugf("amdgpu hook: no ROCm devices found, nothing to do")
		return nil
	}

	cgroupPath, err := common.FindDevicesCgroupPath(state.Pid)
	if err != nil {
		return err
	}

	for _, d := range devices {
		if err := os.MkdirAll(filepath.Dir(d.Destination), 0o755); err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create parent directory for %s", d.Destination))
		}
		if err := common.WhitelistDeviceInCgroup(cgroupPath, d.CgroupAllowLine()); err != nil {
			return err
		}
	}
	return nil
}

func kfdDeviceMount() (mount.DeviceMount, bool) {
	if _, err := os.Stat("/dev/kfd"); err != nil {
		return mount.DeviceMount{}, false
	}
	dm, err := mount.NewDeviceMount("/dev/kfd", nil)
	if err != nil {
		sylog.Warningf("amdgpu hook: failed to set up /dev/kfd: %v", err)
		return mount.DeviceMount{}, false
	}
	return dm, true
}

// rocrDeviceMounts returns the device mounts for the render nodes selected
// by getRenderDDevices, turning each discovered device file into a
// DeviceMount bound at the same path inside the container.
func rocrDeviceMounts(driPath, bundleDir string) ([]mount.DeviceMount, error) {
	devicePaths, err := getRenderDDevices(driPath, bundleDir)
	if err != nil {
		return nil, err
	}
	mounts := make([]mount.DeviceMount, 0, len(devicePaths))
	for _, p := range devicePaths {
		dm, err := mount.NewDeviceMount(p, nil)
		if err != nil {
			sylog.Warningf("amdgpu hook: skipping device %s: %v", p, err)
			continue
		}
		mounts = append(mounts, dm)
	}
	return mounts, nil
}

// getRocrVisibleDevicesID returns the device ids named by the container's
// ROCR_VISIBLE_DEVICES environment variable, as read from the bundle's
// config.json, or nil if the variable is absent.
func getRocrVisibleDevicesID(bundleDir string) ([]string, error) {
	cfg, err := common.ReadBundleConfig(bundleDir)
	if err != nil {
		return nil, err
	}
	value, ok := common.EnvMap(cfg.Env)["ROCR_VISIBLE_DEVICES"]
	if !ok || value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids, nil
}

// mapDevicesIDToRenderD inspects driPath/by-path for the pci-*-cardN and
// pci-*-renderN symlinks udev maintains, and returns a map from each GPU's
// card id to the basename of its matching renderD device file.
func mapDevicesIDToRenderD(driPath string) (map[string]string, error) {
	byPath := filepath.Join(driPath, "by-path")
	entries, err := os.ReadDir(byPath)
	if err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to list %s", byPath))
	}

	result := map[string]string{}
	for _, e := range entries {
		name := e.Name()
		idx := strings.LastIndex(name, "-render")
		if idx == -1 {
			continue
		}
		id := name[idx+len("-render"):]
		target, err := os.Readlink(filepath.Join(byPath, name))
		if err != nil {
			continue
		}
		result[id] = filepath.Base(target)
	}
	return result, nil
}

// getRenderDDevices returns the absolute paths of every device file the
// container should receive: both the cardN and renderD files of each GPU
// named in ROCR_VISIBLE_DEVICES, or of every GPU found under driPath if
// that variable is unset or empty.
func getRenderDDevices(driPath, bundleDir string) ([]string, error) {
	ids, err := getRocrVisibleDevicesID(bundleDir)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		entries, err := os.ReadDir(driPath)
		if err != nil {
			return nil, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to list %s", driPath))
		}
		var devices []string
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "card") || strings.HasPrefix(e.Name(), "renderD") {
				devices = append(devices, filepath.Join(driPath, e.Name()))
			}
		}
		return devices, nil
	}

	idToRenderD, err := mapDevicesIDToRenderD(driPath)
	if err != nil {
		return nil, err
	}
	var devices []string
	for _, id := range ids {
		devices = append(devices, filepath.Join(driPath, "card"+id))
		if renderD, ok := idToRenderD[id]; ok {
			devices = append(devices, filepath.Join(driPath, renderD))
		} else {
			sylog.Warningf("amdgpu hook: no render node found for ROCR device id %s", id)
		}
	}
	return devices, nil
}
