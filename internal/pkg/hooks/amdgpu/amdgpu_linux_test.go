// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package amdgpu

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func createDriSubdir(t *testing.T, path string, ids []int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(path, "by-path"), 0o755); err != nil {
		t.Fatal(err)
	}
	busID := 0x193
	for _, id := range ids {
		card := fmt.Sprintf("card%d", id)
		render := fmt.Sprintf("renderD%d", 128+id)
		for _, name := range []string{card, render} {
			if err := os.WriteFile(filepath.Join(path, name), nil, 0o644); err != nil {
				t.Fatal(err)
			}
		}
		if err := os.Symlink("../"+card, filepath.Join(path, "by-path", fmt.Sprintf("pci-0000:%x:00.0-card%d", busID, id))); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink("../"+render, filepath.Join(path, "by-path", fmt.Sprintf("pci-0000:%x:00.0-render%d", busID, id))); err != nil {
			t.Fatal(err)
		}
		busID += 2
	}
}

func createBundleConfig(t *testing.T, bundleDir, rocrVisibleDevices string) {
	t.Helper()
	rootfs := filepath.Join(bundleDir, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		t.Fatal(err)
	}
	env := ""
	if rocrVisibleDevices != "" {
		env = fmt.Sprintf(`"%s"`, rocrVisibleDevices)
	}
	envArray := "[]"
	if env != "" {
		envArray = "[" + env + "]"
	}
	content := fmt.Sprintf(`{
		"root": {"path": "rootfs"},
		"process": {"env": %s, "user": {"uid": 1000, "gid": 1000}}
	}`, envArray)
	if err := os.WriteFile(filepath.Join(bundleDir, "config.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}

func TestGetRocrVisibleDevicesID(t *testing.T) {
	bundleDir := t.TempDir()
	createBundleConfig(t, bundleDir, "ROCR_VISIBLE_DEVICES=0,1,2")

	ids, err := getRocrVisibleDevicesID(bundleDir)
	if err != nil {
		t.Fatalf("getRocrVisibleDevicesID: %v", err)
	}
	want := []string{"0", "1", "2"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("got %v, want %v", ids, want)
		}
	}
}

func TestGetRocrVisibleDevicesIDEmptyWhenUnset(t *testing.T) {
	bundleDir := t.TempDir()
	createBundleConfig(t, bundleDir, "")

	ids, err := getRocrVisibleDevicesID(bundleDir)
	if err != nil {
		t.Fatalf("getRocrVisibleDevicesID: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no ids, got %v", ids)
	}
}

func TestGetRenderDDevicesAllWhenUnset(t *testing.T) {
	driPath := filepath.Join(t.TempDir(), "dri")
	createDriSubdir(t, driPath, []int{0, 1, 2, 3})
	bundleDir := t.TempDir()
	createBundleConfig(t, bundleDir, "")

	devices, err := getRenderDDevices(driPath, bundleDir)
	if err != nil {
		t.Fatalf("getRenderDDevices: %v", err)
	}
	want := []string{}
	for _, id := range []int{0, 1, 2, 3} {
		want = append(want, filepath.Join(driPath, fmt.Sprintf("card%d", id)))
		want = append(want, filepath.Join(driPath, fmt.Sprintf("renderD%d", 128+id)))
	}
	if got, want := sortedCopy(devices), sortedCopy(want); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGetRenderDDevicesFilteredByROCRVisibleDevices(t *testing.T) {
	driPath := filepath.Join(t.TempDir(), "dri")
	createDriSubdir(t, driPath, []int{0, 1, 2, 3})
	bundleDir := t.TempDir()
	createBundleConfig(t, bundleDir, "ROCR_VISIBLE_DEVICES=0,1,2")

	devices, err := getRenderDDevices(driPath, bundleDir)
	if err != nil {
		t.Fatalf("getRenderDDevices: %v", err)
	}
	want := []string{}
	for _, id := range []int{0, 1, 2} {
		want = append(want, filepath.Join(driPath, fmt.Sprintf("card%d", id)))
		want = append(want, filepath.Join(driPath, fmt.Sprintf("renderD%d", 128+id)))
	}
	if got, want := sortedCopy(devices), sortedCopy(want); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
