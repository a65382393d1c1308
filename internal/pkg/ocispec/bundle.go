// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package ocispec builds the OCI runtime-spec config.json that Sarus writes
// into the bundle directory for the external OCI runtime (runc) to consume.
// It uses runtime-tools' generate.Generator the same way the teacher's own
// OCI engine does, layering Sarus-specific process, mount, device and hook
// configuration on top of a fresh default spec.
package ocispec

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/runtime-tools/generate"

	"github.com/eth-cscs/sarus/internal/pkg/config"
	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/mount"
)

// HookProgram describes one OCI lifecycle hook program to wire into the
// generated config.json.
type HookProgram struct {
	Path    string
	Args    []string
	Env     []string
	Timeout *int
}

// Builder accumulates the inputs needed to synthesize config.json and
// produces the final *specs.Spec via Build.
type Builder struct {
	RootfsDir         string
	ContainerID       string
	Entrypoint        []string
	Command           []string
	Env               []string
	Cwd               string
	User              config.UserIdentity
	Mounts            []mount.Mount
	Devices           []mount.DeviceMount
	Annotations       map[string]string
	Hostname          string
	TTY               bool
	SelinuxLabel      string
	SelinuxMountLabel string

	Hooks struct {
		Prestart        []HookProgram
		CreateRuntime   []HookProgram
		CreateContainer []HookProgram
		StartContainer  []HookProgram
		Poststart       []HookProgram
		Poststop        []HookProgram
	}
}

// Build assembles the final OCI runtime spec.
func (b Builder) Build() (*specs.Spec, error) {
	if b.RootfsDir == "" {
		return nil, errs.New(errs.InvalidRequest, "bundle builder requires a rootfs directory")
	}

	g, err := generate.New("linux")
	if err != nil {
		return nil, errs.Wrap(errs.InvariantViolation, err, "failed to create default OCI runtime spec")
	}

	g.SetRootPath(b.RootfsDir)
	g.SetRootReadonly(false)

	args := append([]string{}, b.Entrypoint...)
	args = append(args, b.Command...)
	if len(args) > 0 {
		g.SetProcessArgs(args)
	}
	if b.Cwd != "" {
		g.SetProcessCwd(b.Cwd)
	}
	g.SetProcessTerminal(b.TTY)
	g.SetProcessUID(uint32(b.User.UID))
	g.SetProcessGID(uint32(b.User.GID))
	for _, gid := range b.User.SupplementaryGroups {
		g.AddProcessAdditionalGid(uint32(gid))
	}
	for _, e := range b.Env {
		g.AddProcessEnv(splitEnvKV(e))
	}
	if b.Hostname != "" {
		g.SetHostname(b.Hostname)
	}
	if b.SelinuxLabel != "" {
		g.SetProcessSelinuxLabel(b.SelinuxLabel)
	}
	if b.SelinuxMountLabel != "" {
		g.SetLinuxMountLabel(b.SelinuxMountLabel)
	}
	for k, v := range b.Annotations {
		g.AddAnnotation(k, v)
	}

	for _, m := range b.Mounts {
		g.AddMount(specs.Mount{
			Destination: m.Destination,
			Type:        "bind",
			Source:      m.Source,
			Options:     mountOptionsOf(m),
		})
	}

	// Sarus performs a default-deny on the devices cgroup, then allows
	// exactly the devices it bind-mounted in, matching the "leading deny
	// rule" invariant in the spec.
	g.AddLinuxResourcesDevice(false, "a", nil, nil, "")
	for _, d := range b.Devices {
		major := int64(d.Major)
		minor := int64(d.Minor)
		devType := string(d.Type)
		g.AddDevice(specs.LinuxDevice{
			Path:  d.Destination,
			Type:  devType,
			Major: major,
			Minor: minor,
		})
		g.AddLinuxResourcesDevice(true, devType, &major, &minor, d.Access.String())
	}

	spec := g.Config
	if spec.Hooks == nil {
		spec.Hooks = &specs.Hooks{}
	}
	spec.Hooks.Prestart = append(spec.Hooks.Prestart, toOCIHooks(b.Hooks.Prestart)...)
	spec.Hooks.CreateRuntime = append(spec.Hooks.CreateRuntime, toOCIHooks(b.Hooks.CreateRuntime)...)
	spec.Hooks.CreateContainer = append(spec.Hooks.CreateContainer, toOCIHooks(b.Hooks.CreateContainer)...)
	spec.Hooks.StartContainer = append(spec.Hooks.StartContainer, toOCIHooks(b.Hooks.StartContainer)...)
	spec.Hooks.Poststart = append(spec.Hooks.Poststart, toOCIHooks(b.Hooks.Poststart)...)
	spec.Hooks.Poststop = append(spec.Hooks.Poststop, toOCIHooks(b.Hooks.Poststop)...)

	return spec, nil
}

func mountOptionsOf(m mount.Mount) []string {
	opts := []string{"bind"}
	if m.Flags&mount.FlagRecursive != 0 {
		opts = append(opts, "rbind")
	}
	if m.Flags&mount.FlagReadOnly != 0 {
		opts = append(opts, "ro")
	}
	return opts
}

func splitEnvKV(kv string) (string, string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

func toOCIHooks(hooks []HookProgram) []specs.Hook {
	out := make([]specs.Hook, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, specs.Hook{
			Path:    h.Path,
			Args:    append([]string{h.Path}, h.Args...),
			Env:     h.Env,
			Timeout: h.Timeout,
		})
	}
	return out
}

// Validate performs a minimal structural sanity check of the generated
// spec, beyond what runtime-tools' own generator already guarantees:
// linux.resources is present, it holds at least one device rule, and the
// first device rule is a deny. This is not a full schema validation (that is runc's job at
// `create` time) but catches obvious programmer error before the bundle is
// handed off.
func Validate(spec *specs.Spec) error {
	if spec.Linux == nil || spec.Linux.Resources == nil {
		return errs.New(errs.InvariantViolation, "generated OCI spec is missing linux.resources")
	}
	if len(spec.Linux.Resources.Devices) == 0 {
		return errs.New(errs.InvariantViolation, "generated OCI spec has no device rules (expected at least a default deny)")
	}
	first := spec.Linux.Resources.Devices[0]
	if first.Allow {
		return fmt.Errorf("generated OCI spec must start with a default-deny device rule, got an allow rule first")
	}
	return nil
}
