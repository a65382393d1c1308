// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package config models the administrator-level configuration of a Sarus
// installation (sarus.json) and the per-invocation Config assembled from
// the CLI, the requested image, and that administrator configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/mount"
	"github.com/eth-cscs/sarus/pkg/image"
)

// SiteMount is a bind mount the administrator has pre-authorized for every
// container, regardless of user-band destination policy.
type SiteMount struct {
	Type        string `json:"type"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Flags       string `json:"flags,omitempty"`
}

// SiteDevice is a device the administrator has pre-authorized for every
// container.
type SiteDevice struct {
	Source      string `json:"source"`
	Destination string `json:"destination,omitempty"`
	Access      string `json:"access,omitempty"`
}

// UserMountsPolicy mirrors the sarus.json userMounts object.
type UserMountsPolicy struct {
	NotAllowedPrefixesOfPath []string `json:"notAllowedPrefixesOfPath,omitempty"`
	NotAllowedPaths          []string `json:"notAllowedPaths,omitempty"`
}

// ToMountPolicy adapts the JSON shape into the type internal/pkg/mount
// consumes.
func (u UserMountsPolicy) ToMountPolicy() *mount.UserPolicy {
	return &mount.UserPolicy{
		DisallowedPrefixes: u.NotAllowedPrefixesOfPath,
		DisallowedPaths:    u.NotAllowedPaths,
	}
}

// EnvironmentRules describes how the administrator wants the container's
// environment spliced relative to what the image and user request.
type EnvironmentRules struct {
	Set     map[string]string `json:"set,omitempty"`
	Prepend map[string]string `json:"prepend,omitempty"`
	Append  map[string]string `json:"append,omitempty"`
	Unset   []string          `json:"unset,omitempty"`
}

// ContainersPolicy points at the containers/image policy.json file and
// whether it is enforced.
type ContainersPolicy struct {
	Path    string `json:"path,omitempty"`
	Enforce bool   `json:"enforce,omitempty"`
}

// RepositoryMetadataLockTimings configures how long the image store waits
// to acquire its exclusive metadata lock before giving up or warning.
type RepositoryMetadataLockTimings struct {
	TimeoutMs int `json:"timeoutMs,omitempty"`
	WarningMs int `json:"warningMs,omitempty"`
}

func (t RepositoryMetadataLockTimings) Timeout() time.Duration {
	if t.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

func (t RepositoryMetadataLockTimings) Warning() time.Duration {
	if t.WarningMs <= 0 {
		return 0
	}
	return time.Duration(t.WarningMs) * time.Millisecond
}

// SiteConfig is the parsed shape of sarus.json, the administrator's
// site-wide Sarus configuration.
type SiteConfig struct {
	SecurityChecks                bool                          `json:"securityChecks"`
	OCIBundleDir                  string                        `json:"OCIBundleDir"`
	RootfsFolder                  string                        `json:"rootfsFolder"`
	PrefixDir                     string                        `json:"prefixDir"`
	HooksDir                      string                        `json:"hooksDir"`
	TempDir                       string                        `json:"tempDir"`
	LocalRepositoryBaseDir        string                        `json:"localRepositoryBaseDir"`
	CentralizedRepositoryDir      string                        `json:"centralizedRepositoryDir,omitempty"`
	RamFilesystemType             string                        `json:"ramFilesystemType"`
	DevTmpfsSize                  string                        `json:"devTmpfsSize,omitempty"`
	MksquashfsPath                string                        `json:"mksquashfsPath"`
	MksquashfsOptions             string                        `json:"mksquashfsOptions,omitempty"`
	InitPath                      string                        `json:"initPath,omitempty"`
	RuncPath                      string                        `json:"runcPath"`
	SkopeoPath                    string                        `json:"skopeoPath,omitempty"`
	UmociPath                     string                        `json:"umociPath,omitempty"`
	ContainersPolicy              ContainersPolicy              `json:"containersPolicy,omitempty"`
	ContainersRegistriesDPath     string                        `json:"containersRegistries.dPath,omitempty"`
	SeccompProfile                string                        `json:"seccompProfile,omitempty"`
	ApparmorProfile               string                        `json:"apparmorProfile,omitempty"`
	SelinuxLabel                  string                        `json:"selinuxLabel,omitempty"`
	SelinuxMountLabel             string                        `json:"selinuxMountLabel,omitempty"`
	SiteMounts                    []SiteMount                   `json:"siteMounts,omitempty"`
	SiteDevices                   []SiteDevice                  `json:"siteDevices,omitempty"`
	UserMounts                    UserMountsPolicy              `json:"userMounts,omitempty"`
	Environment                   EnvironmentRules              `json:"environment,omitempty"`
	DefaultMPIType                string                        `json:"defaultMPIType,omitempty"`
	RepositoryMetadataLockTimings RepositoryMetadataLockTimings `json:"repositoryMetadataLockTimings,omitempty"`
	EnablePMIxv3Support           bool                          `json:"enablePMIxv3Support,omitempty"`
}

// LoadSiteConfig reads and parses sarus.json from path.
func LoadSiteConfig(path string) (SiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SiteConfig{}, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to read administrator configuration %s", path))
	}
	var cfg SiteConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return SiteConfig{}, errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("failed to parse administrator configuration %s", path))
	}
	return cfg, nil
}

// UsesCentralizedRepository reports whether the site is configured with a
// shared, administrator-managed image repository in addition to (or
// instead of) each user's own local repository.
func (c SiteConfig) UsesCentralizedRepository() bool {
	return c.CentralizedRepositoryDir != ""
}

// UserIdentity is the uid/gid/supplementary-group set the container's
// process runs as, unchanged from the invoking user's own identity (Sarus
// never lets a container escalate beyond its invoking user).
type UserIdentity struct {
	UID                 int
	GID                 int
	SupplementaryGroups []int
	HomeDir             string
}

// Flags captures the boolean switches a `sarus run` invocation can set.
type Flags struct {
	PrivatePID bool
	SSH        bool
	MPI        bool
	Glibc      bool
	TTY        bool
	Init       bool
}

// RunConfig is the per-invocation configuration passed from the CLI into
// the bundle assembler: the resolved image, the requesting user's identity,
// the mounts/devices they asked for, and the administrator's site policy.
type RunConfig struct {
	Site SiteConfig

	Image         image.SarusImage
	User          UserIdentity
	Entrypoint    []string
	Command       []string
	Mounts        []mount.Mount
	Devices       []mount.DeviceMount
	Flags         Flags
	Annotations   map[string]string
	ContainerName string
	CPUAffinity   []int
}
