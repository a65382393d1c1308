// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package cli

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/eth-cscs/sarus/internal/pkg/config"
	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/mount"
	"github.com/eth-cscs/sarus/internal/pkg/oci/hookconfig"
	"github.com/eth-cscs/sarus/internal/pkg/ocispec"
	"github.com/eth-cscs/sarus/internal/pkg/runtime"
	"github.com/eth-cscs/sarus/internal/pkg/security"
	"github.com/eth-cscs/sarus/internal/pkg/security/selinux"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

// currentUserIdentity resolves the invoking user's UID/GID/supplementary
// groups, the identity the container process runs as inside its rootfs.
func currentUserIdentity() (config.UserIdentity, error) {
	u, err := user.Current()
	if err != nil {
		return config.UserIdentity{}, errs.Wrap(errs.IoFailure, err, "failed to determine the invoking user")
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return config.UserIdentity{}, errs.Wrap(errs.InvariantViolation, err, "unparseable uid")
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return config.UserIdentity{}, errs.Wrap(errs.InvariantViolation, err, "unparseable gid")
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return config.UserIdentity{}, errs.Wrap(errs.IoFailure, err, "failed to list supplementary groups")
	}
	supplementary := make([]int, 0, len(groupIDs))
	for _, g := range groupIDs {
		id, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		supplementary = append(supplementary, id)
	}
	return config.UserIdentity{UID: uid, GID: gid, SupplementaryGroups: supplementary, HomeDir: u.HomeDir}, nil
}

func runCmd() *cobra.Command {
	var (
		mountRequests  []string
		deviceRequests []string
		tty            bool
		initFlag       bool
		containerName  string
	)

	cmd := &cobra.Command{
		Use:   "run <image> [-- entrypoint args...]",
		Short: "Run a container from an image in the local repository",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseImageReferenceArg(args[0])
			if err != nil {
				return err
			}
			command := args[1:]

			siteCfg, err := config.LoadSiteConfig(siteConfigPath)
			if err != nil {
				return err
			}

			store, err := openStore()
			if err != nil {
				return err
			}
			img, err := store.FindImage(ref)
			if err != nil {
				return err
			}

			checker := security.Checker{Enabled: siteCfg.SecurityChecks}
			if err := checker.CheckThatBinariesInSarusJSONAreUntamperable(
				siteCfg.RuncPath, siteCfg.InitPath, siteCfg.MksquashfsPath,
			); err != nil {
				return err
			}
			if err := checker.CheckRuncVersion(siteCfg.RuncPath, security.MinimumRuncVersion); err != nil {
				return err
			}

			policy := siteCfg.UserMounts.ToMountPolicy()
			var mounts []mount.Mount
			for _, sm := range siteCfg.SiteMounts {
				m, err := mount.NewSiteMountParser(map[string]string{
					"type": sm.Type, "source": sm.Source, "destination": sm.Destination,
				})
				if err != nil {
					return errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("invalid site mount %+v", sm))
				}
				mounts = append(mounts, m)
			}
			for _, req := range mountRequests {
				fields, err := mount.ParseRequest(req)
				if err != nil {
					return err
				}
				m, err := mount.NewUserMountParser(fields, policy)
				if err != nil {
					return err
				}
				mounts = append(mounts, m)
			}

			var devices []mount.DeviceMount
			for _, sd := range siteCfg.SiteDevices {
				req := sd.Source
				if sd.Destination != "" {
					req += ":" + sd.Destination
				}
				if sd.Access != "" {
					req += ":" + sd.Access
				}
				dm, err := mount.NewDeviceMount(req, nil)
				if err != nil {
					return errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("invalid site device %+v", sd))
				}
				devices = append(devices, dm)
			}
			for _, req := range deviceRequests {
				dm, err := mount.NewDeviceMount(req, policy)
				if err != nil {
					return err
				}
				devices = append(devices, dm)
			}

			containerID := containerName
			if containerID == "" {
				containerID = uuid.NewString()
			}

			identity, err := currentUserIdentity()
			if err != nil {
				return err
			}

			hooks, err := hookconfig.Discover(siteCfg.HooksDir)
			if err != nil {
				return err
			}
			if err := checker.CheckThatOCIHooksAreUntamperable(hookPaths(hooks)); err != nil {
				return err
			}

			builder := ocispec.Builder{
				ContainerID: containerID,
				Command:     command,
				Mounts:      mounts,
				Devices:     devices,
				TTY:         tty,
			}
			if selinux.Enabled() {
				builder.SelinuxLabel = siteCfg.SelinuxLabel
				builder.SelinuxMountLabel = siteCfg.SelinuxMountLabel
			} else if siteCfg.SelinuxLabel != "" || siteCfg.SelinuxMountLabel != "" {
				sylog.Warningf("sarus.json configures SELinux labels but SELinux is not enabled on this host; ignoring")
			}
			wireHooks(&builder, hooks, command, len(mounts) > 0)

			runConfig := config.RunConfig{
				Site:          siteCfg,
				Image:         img,
				User:          identity,
				Command:       command,
				Mounts:        mounts,
				Devices:       devices,
				Flags:         config.Flags{TTY: tty, Init: initFlag},
				ContainerName: containerID,
			}

			assembler := runtime.Assembler{
				Config:            runConfig,
				RamFilesystemType: siteCfg.RamFilesystemType,
				BundleBaseDir:     siteCfg.OCIBundleDir,
				SquashfsImagePath: img.ImageFile,
				Hooks:             builder,
			}
			bundle, err := assembler.Assemble(containerID)
			if err != nil {
				return err
			}
			defer func() {
				if err := bundle.Delete(); err != nil {
					sylog.Warningf("failed to tear down bundle %s: %v", bundle.Dir, err)
				}
			}()

			return runtime.ExecuteContainer(siteCfg.RuncPath, bundle, containerID, bundle.ExtraFileDescriptors)
		},
	}

	cmd.Flags().StringArrayVar(&mountRequests, "mount", nil, "bind mount request, e.g. type=bind,source=/a,destination=/b")
	cmd.Flags().StringArrayVar(&deviceRequests, "device", nil, "device request, e.g. /dev/foo:/dev/bar:rw")
	cmd.Flags().BoolVar(&tty, "tty", false, "allocate a pseudo-TTY for the container process")
	cmd.Flags().BoolVar(&initFlag, "init", false, "mount a minimal init program as the container's PID 1")
	cmd.Flags().StringVar(&containerName, "name", "", "container name/id (defaults to a generated uuid)")

	return cmd
}

func hookPaths(hooks []hookconfig.Hook) []string {
	paths := make([]string, 0, len(hooks))
	for _, h := range hooks {
		paths = append(paths, h.Path)
	}
	return paths
}

// wireHooks filters the site's declared hooks by their condition and
// assigns each one to the right OCI lifecycle stage slot of the builder.
func wireHooks(b *ocispec.Builder, hooks []hookconfig.Hook, command []string, hasBindMounts bool) {
	for _, h := range hooks {
		matched, err := h.Condition.Matches(b.Annotations, command, hasBindMounts)
		if err != nil || !matched {
			continue
		}
		program := ocispec.HookProgram{Path: h.Path, Args: h.Args, Env: h.Env, Timeout: h.Timeout}
		for _, stage := range h.Stages {
			switch stage {
			case hookconfig.Prestart:
				b.Hooks.Prestart = append(b.Hooks.Prestart, program)
			case hookconfig.CreateRuntime:
				b.Hooks.CreateRuntime = append(b.Hooks.CreateRuntime, program)
			case hookconfig.CreateContainer:
				b.Hooks.CreateContainer = append(b.Hooks.CreateContainer, program)
			case hookconfig.StartContainer:
				b.Hooks.StartContainer = append(b.Hooks.StartContainer, program)
			case hookconfig.Poststart:
				b.Hooks.Poststart = append(b.Hooks.Poststart, program)
			case hookconfig.Poststop:
				b.Hooks.Poststop = append(b.Hooks.Poststop, program)
			}
		}
	}
}
