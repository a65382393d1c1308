// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package runtime implements the bundle assembler: the pipeline that turns
// a resolved Config into a live OCI bundle on a fresh mount namespace and
// then hands it off to the external OCI runtime (runc). It is grounded on
// the setupOCIBundle()/executeContainer() sequence of the reference Sarus
// runtime, reworked into a sequence of small, independently testable steps.
package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"
	units "github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/eth-cscs/sarus/internal/pkg/config"
	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/fdhandler"
	"github.com/eth-cscs/sarus/internal/pkg/mount"
	"github.com/eth-cscs/sarus/internal/pkg/ocispec"
	"github.com/eth-cscs/sarus/internal/pkg/util/env"
	"github.com/eth-cscs/sarus/internal/pkg/util/fs/overlay"
	"github.com/eth-cscs/sarus/internal/pkg/util/priv"
	"github.com/eth-cscs/sarus/pkg/ocibundle/tools"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

// Bundle holds the filesystem layout of one OCI bundle being assembled:
// the bundle directory itself (on a ramfs/tmpfs) and the derived overlay
// and rootfs paths within it. It satisfies the teardown half of
// pkg/ocibundle's Bundle interface via Delete.
type Bundle struct {
	Dir       string
	RootfsDir string

	// ExtraFileDescriptors is how many post-stdio fds the fd handler
	// retained for the container process, for the caller to hand to
	// ExecuteContainer as runc's --preserve-fds count.
	ExtraFileDescriptors int

	overlayLower string
	overlayUpper string
	overlayWork  string
	loopDevice   string
	loopCloser   io.Closer
}

// Delete tears down everything Assemble set up, in reverse order: the
// container's dev tmpfs, the rootfs overlay, the squashfs-backed lower layer
// and its loop device, and finally the bundle directory itself.
func (b *Bundle) Delete() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(unix.Unmount(filepath.Join(b.RootfsDir, "dev"), unix.MNT_DETACH))
	record(unix.Unmount(b.RootfsDir, 0))
	record(unix.Unmount(b.overlayLower, 0))
	if b.loopCloser != nil {
		record(b.loopCloser.Close())
	}
	record(unix.Unmount(b.Dir, unix.MNT_DETACH))
	record(os.RemoveAll(b.Dir))
	return firstErr
}

// Assembler drives the full bundle-assembly pipeline for one container
// invocation.
type Assembler struct {
	Config config.RunConfig

	// RamFilesystemType is "tmpfs" or "ramfs", from sarus.json.
	RamFilesystemType string
	// BundleBaseDir is where a fresh per-container bundle directory is
	// created, from sarus.json's OCIBundleDir.
	BundleBaseDir string
	// SquashfsImagePath is the path of the image's squashfs backing file.
	SquashfsImagePath string
	// Hooks are the OCI lifecycle hook programs to wire into config.json.
	Hooks ocispec.Builder
}

// Assemble runs every step of the pipeline in order and returns the
// resulting Bundle, whose config.json has been written. Each step fails
// loudly: there is no silent fallback, matching the error policy in the
// bundle-assembler specification.
func (a Assembler) Assemble(containerID string) (*Bundle, error) {
	if err := priv.Escalate(); err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, "failed to escalate privileges for bundle assembly")
	}
	defer priv.Drop()

	if err := unshareMountNamespace(); err != nil {
		return nil, err
	}

	bundle, err := a.setupBundleDir(containerID)
	if err != nil {
		return nil, err
	}

	if err := a.mountImageOverlay(bundle); err != nil {
		return nil, err
	}

	if err := setupDevFilesystem(bundle.RootfsDir, a.Config.Site.DevTmpfsSize); err != nil {
		return nil, err
	}

	if err := copyEtcFiles(bundle.RootfsDir, a.Config.User); err != nil {
		return nil, err
	}

	if a.Config.Flags.Init {
		if err := mountInitProgram(bundle.RootfsDir); err != nil {
			return nil, err
		}
	}

	if err := a.performCustomMounts(bundle); err != nil {
		return nil, err
	}

	if err := a.performExtraMounts(bundle); err != nil {
		return nil, err
	}

	if err := a.performDeviceMounts(bundle); err != nil {
		return nil, err
	}

	if err := remountRootfsNoSuid(bundle.RootfsDir); err != nil {
		return nil, err
	}

	a.Hooks.Env = env.ApplyRules(os.Environ(), a.Config.Site.Environment, a.Config.User.HomeDir)

	fdResult, err := a.applyFileDescriptorDiscipline()
	if err != nil {
		return nil, err
	}
	bundle.ExtraFileDescriptors = fdResult.ExtraFileDescriptors
	a.Hooks.Env = mergeEnv(a.Hooks.Env, fdResult.Env)
	if len(fdResult.Annotations) > 0 {
		if a.Hooks.Annotations == nil {
			a.Hooks.Annotations = map[string]string{}
		}
		for k, v := range fdResult.Annotations {
			a.Hooks.Annotations[k] = v
		}
	}

	spec, err := a.Hooks.Build()
	if err != nil {
		return nil, err
	}
	if err := ocispec.Validate(spec); err != nil {
		return nil, err
	}
	if err := writeConfigJSON(bundle.Dir, spec); err != nil {
		return nil, err
	}

	return bundle, nil
}

// unshareMountNamespace implements step 2 of the bundle assembler: enter a
// fresh mount namespace, then remount "/" as MS_SLAVE|MS_REC so that none
// of the mounts Sarus is about to perform propagate back to the host.
func unshareMountNamespace() error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to unshare mount namespace")
	}
	if err := unix.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to remount / as MS_SLAVE")
	}
	return nil
}

// setupBundleDir implements step 3: create the bundle directory, mount a
// ramfs/tmpfs on it, and remount it MS_SLAVE|MS_REC so the untamperable-path check
// run by the security checker sees consistent ownership and permissions on
// every path under it.
func (a Assembler) setupBundleDir(containerID string) (*Bundle, error) {
	dir := filepath.Join(a.BundleBaseDir, containerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create bundle directory %s", dir))
	}

	if err := overlay.CheckUpper(a.BundleBaseDir); err != nil && !overlay.IsIncompatible(err) {
		sylog.Debugf("overlay upper-directory filesystem check for %s: %v", a.BundleBaseDir, err)
	} else if overlay.IsIncompatible(err) {
		sylog.Warningf("%v; the bundle's overlay upper/work layers may not behave correctly", err)
	}

	fsType := a.RamFilesystemType
	if fsType == "" {
		fsType = "tmpfs"
	}
	if err := unix.Mount("none", dir, fsType, unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to mount %s on bundle directory %s", fsType, dir))
	}
	if err := unix.Mount("", dir, "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to remount bundle directory %s as MS_SLAVE", dir))
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to chmod bundle directory %s", dir))
	}

	return &Bundle{
		Dir:          dir,
		RootfsDir:    filepath.Join(dir, "rootfs"),
		overlayLower: filepath.Join(dir, "overlay", "rootfs-lower"),
		overlayUpper: filepath.Join(dir, "overlay", "rootfs-upper"),
		overlayWork:  filepath.Join(dir, "overlay", "rootfs-work"),
	}, nil
}

// mountImageOverlay implements step 4: loop-mount the image's squashfs at
// the overlay's lower layer, then overlay-mount lower+upper+work at rootfs.
// Upper and work are owned by the container's configured user identity so
// that writes the container makes inside its own filesystem do not require
// root.
func (a Assembler) mountImageOverlay(b *Bundle) error {
	for _, dir := range []string{b.overlayLower, b.overlayUpper, b.overlayWork, b.RootfsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create overlay directory %s", dir))
		}
	}
	if err := os.Chown(b.overlayUpper, a.Config.User.UID, a.Config.User.GID); err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to chown overlay upper layer to user identity")
	}
	if err := os.Chown(b.overlayWork, a.Config.User.UID, a.Config.User.GID); err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to chown overlay work layer to user identity")
	}

	imageFile, err := os.Open(a.SquashfsImagePath)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to open image %s", a.SquashfsImagePath))
	}
	defer imageFile.Close()

	loopPath, closer, err := tools.CreateLoop(imageFile, 0, 0)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to attach loop device for image %s", a.SquashfsImagePath))
	}
	b.loopDevice = loopPath
	b.loopCloser = closer

	if err := unix.Mount(b.loopDevice, b.overlayLower, "squashfs", unix.MS_RDONLY, ""); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to mount squashfs image at %s", b.overlayLower))
	}

	overlayOpts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", b.overlayLower, b.overlayUpper, b.overlayWork)
	if err := unix.Mount("overlay", b.RootfsDir, "overlay", 0, overlayOpts); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to mount overlay rootfs at %s", b.RootfsDir))
	}
	return nil
}

// defaultDevTmpfsSize is used when the site doesn't configure devTmpfsSize.
const defaultDevTmpfsSize = "64M"

// setupDevFilesystem implements step 5.
func setupDevFilesystem(rootfsDir, sizeSpec string) error {
	dev := filepath.Join(rootfsDir, "dev")
	if err := os.MkdirAll(dev, 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create %s", dev))
	}

	if sizeSpec == "" {
		sizeSpec = defaultDevTmpfsSize
	}
	sizeBytes, err := units.RAMInBytes(sizeSpec)
	if err != nil {
		return errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("invalid devTmpfsSize %q", sizeSpec))
	}

	opts := fmt.Sprintf("mode=755,size=%d", sizeBytes)
	if err := unix.Mount("none", dev, "tmpfs", unix.MS_NOSUID|unix.MS_STRICTATIME, opts); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to mount tmpfs at %s", dev))
	}
	return nil
}

// copyEtcFiles implements step 6: copy the host's /etc/hosts and
// /etc/resolv.conf into the rootfs, owned by the container's user identity.
// No nsswitch.conf, passwd or group file is written. A file that fails to
// copy is logged as a warning and does not fail the step.
func copyEtcFiles(rootfsDir string, user config.UserIdentity) error {
	etcDir := filepath.Join(rootfsDir, "etc")
	if err := os.MkdirAll(etcDir, 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create %s", etcDir))
	}
	for _, name := range []string{"hosts", "resolv.conf"} {
		src := filepath.Join("/etc", name)
		dst := filepath.Join(etcDir, name)
		if err := copyFileOwned(src, dst, user.UID, user.GID); err != nil {
			sylog.Warningf("failed to copy host %s into container: %v", src, err)
		}
	}
	return nil
}

func copyFileOwned(src, dst string, uid, gid int) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	return os.Chown(dst, uid, gid)
}

// mountInitProgram implements step 7.
func mountInitProgram(rootfsDir string) error {
	target := filepath.Join(rootfsDir, "dev", "init")
	if err := os.WriteFile(target, nil, 0o755); err != nil && !os.IsExist(err) {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create %s", target))
	}
	return nil
}

// performCustomMounts implements step 8: site-band mounts first, then
// user-band mounts, each bind-mounted at the rootfs-confined realpath of
// its destination.
func (a Assembler) performCustomMounts(b *Bundle) error {
	for _, m := range a.Config.Mounts {
		if err := bindMountIntoRootfs(b.RootfsDir, m); err != nil {
			return err
		}
	}
	return nil
}

func bindMountIntoRootfs(rootfsDir string, m mount.Mount) error {
	dest, err := securejoin.SecureJoin(rootfsDir, m.Destination)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to resolve mount destination %s inside rootfs", m.Destination))
	}
	m.RootfsConfinedDestination = dest
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create parent directory of mount destination %s", dest))
	}
	if isDir, err := isDirectory(m.Source); err == nil && isDir {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create mount destination directory %s", dest))
		}
	} else {
		if f, err := os.OpenFile(dest, os.O_CREATE, 0o644); err == nil {
			f.Close()
		}
	}

	flags := uintptr(unix.MS_BIND)
	if m.Flags&mount.FlagRecursive != 0 {
		flags |= unix.MS_REC
	}
	if err := unix.Mount(m.Source, dest, "", flags, ""); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to bind mount %s to %s", m.Source, dest))
	}
	if m.Flags&mount.FlagReadOnly != 0 {
		if err := unix.Mount("", dest, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to remount %s read-only", dest))
		}
	}
	return nil
}

func isDirectory(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// performExtraMounts implements step 9: when the site enables PMIx v3
// support, synthesize the extra mounts that a PMIx server and, under Slurm,
// its job-step spool and tmpfs directories need inside the container. These
// directories are created on the host on demand, since they have no
// preexisting counterpart to bind from.
func (a Assembler) performExtraMounts(b *Bundle) error {
	if !a.Config.Site.EnablePMIxv3Support {
		return nil
	}
	hostEnv := env.Map(os.Environ())

	serverTmpdir := hostEnv["PMIX_SERVER_TMPDIR"]
	if serverTmpdir != "" {
		if err := bindSynthesizedDir(b.RootfsDir, serverTmpdir); err != nil {
			return err
		}
	}

	if !strings.HasPrefix(a.Config.Site.DefaultMPIType, "pmix") {
		return nil
	}

	jobID := hostEnv["SLURM_JOB_ID"]
	stepID := hostEnv["SLURM_STEPID"]
	if jobID == "" || stepID == "" {
		return nil
	}

	candidates := []string{
		filepath.Join(os.TempDir(), fmt.Sprintf("pmix.%s.%s", jobID, stepID)),
		filepath.Join(os.TempDir(), fmt.Sprintf("spmix_appdir_%s.%s", jobID, stepID)),
	}
	for _, dir := range candidates {
		if serverTmpdir != "" && isSelfOrChild(dir, serverTmpdir) {
			continue
		}
		if err := bindSynthesizedDir(b.RootfsDir, dir); err != nil {
			return err
		}
	}
	return nil
}

// isSelfOrChild reports whether dir is path or a descendant of path.
func isSelfOrChild(dir, path string) bool {
	rel, err := filepath.Rel(path, dir)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

// bindSynthesizedDir creates dir on the host if missing, then bind mounts it
// at the same path inside the rootfs.
func bindSynthesizedDir(rootfsDir, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create extra mount source %s", dir))
	}
	m := mount.Mount{Source: dir, Destination: dir}
	return bindMountIntoRootfs(rootfsDir, m)
}

// applyFileDescriptorDiscipline implements step 12: preserve stdio and the
// host's PMI_FD (if any) across the exec into runc, closing every other
// open file descriptor and compacting the survivors into a contiguous range
// so runc's --preserve-fds count matches exactly what was promised.
func (a Assembler) applyFileDescriptorDiscipline() (fdhandler.Result, error) {
	h := fdhandler.New()
	if err := h.PreservePMIFd(env.Map(os.Environ())); err != nil {
		return fdhandler.Result{}, err
	}
	return h.Apply()
}

// mergeEnv upserts each KEY=VALUE pair in updates into environ, replacing
// any existing entry for the same key and appending new ones.
func mergeEnv(environ []string, updates map[string]string) []string {
	if len(updates) == 0 {
		return environ
	}
	remaining := make(map[string]string, len(updates))
	for k, v := range updates {
		remaining[k] = v
	}
	merged := make([]string, 0, len(environ)+len(remaining))
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if v, ok := remaining[parts[0]]; ok {
			merged = append(merged, parts[0]+"="+v)
			delete(remaining, parts[0])
			continue
		}
		merged = append(merged, kv)
	}
	for k, v := range remaining {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// performDeviceMounts implements step 10. Cgroup whitelisting itself is
// deferred to runc via the bundle spec's linux.resources.devices, which
// ocispec.Builder.Build fills from the builder's Devices when Assemble
// builds the spec after this step.
func (a Assembler) performDeviceMounts(b *Bundle) error {
	for _, d := range a.Config.Devices {
		if err := bindMountIntoRootfs(b.RootfsDir, d.Mount); err != nil {
			return err
		}
	}
	return nil
}

// remountRootfsNoSuid implements step 11.
func remountRootfsNoSuid(rootfsDir string) error {
	if err := unix.Mount("", rootfsDir, "overlay", unix.MS_REMOUNT|unix.MS_NOSUID, ""); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to remount %s MS_NOSUID", rootfsDir))
	}
	return nil
}

func writeConfigJSON(bundleDir string, spec interface{}) error {
	path := filepath.Join(bundleDir, "config.json")
	data, err := json.MarshalIndent(spec, "", "    ")
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to serialize config.json")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to write %s", path))
	}
	return nil
}

// ExecuteContainer hands the assembled bundle off to the external OCI
// runtime, preserving the configured file descriptors across the exec
// boundary and proxying signals to the runtime child until it exits.
func ExecuteContainer(runcPath string, bundle *Bundle, containerID string, preservedFDs int) error {
	args := []string{"run", "--bundle", bundle.Dir}
	if preservedFDs > 0 {
		args = append(args, "--preserve-fds", fmt.Sprintf("%d", preservedFDs))
	}
	args = append(args, containerID)

	cmd := exec.Command(runcPath, args...)
	cmd.Dir = bundle.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGHUP}

	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.ExternalToolFailure, err, fmt.Sprintf("failed to start %s", runcPath))
	}

	sigCh := make(chan os.Signal, 32)
	signal.Notify(sigCh, proxiedSignals()...)
	defer signal.Stop(sigCh)
	go proxySignals(sigCh, cmd.Process)

	if err := cmd.Wait(); err != nil {
		return errs.Wrap(errs.ExternalToolFailure, err, fmt.Sprintf("%s exited with an error", runcPath))
	}
	return nil
}

// proxiedSignals lists every catchable signal except SIGCHLD and SIGPIPE:
// SIGCHLD belongs to Sarus's own wait() on the runc child, not to the
// child itself, and SIGPIPE is handled per-write by Go's runtime.
func proxiedSignals() []os.Signal {
	var sigs []os.Signal
	for i := 1; i < 32; i++ {
		sig := syscall.Signal(i)
		switch sig {
		case syscall.SIGKILL, syscall.SIGSTOP, syscall.SIGCHLD, syscall.SIGPIPE:
			continue
		}
		sigs = append(sigs, sig)
	}
	return sigs
}

// proxySignals forwards every signal received on sigCh to proc. If the
// forward fails with ESRCH, the process is already gone: restore the
// signal's default disposition and re-raise it against ourselves so the
// usual shell/job-control semantics still apply.
func proxySignals(sigCh chan os.Signal, proc *os.Process) {
	for sig := range sigCh {
		if err := proc.Signal(sig); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				signal.Reset(sig)
				syscall.Kill(os.Getpid(), sig.(syscall.Signal))
			}
			continue
		}
	}
}
