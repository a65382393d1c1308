// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package mount

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// DeviceType distinguishes the two device node kinds the cgroup devices
// controller and the OCI runtime spec understand.
type DeviceType string

const (
	CharDevice  DeviceType = "c"
	BlockDevice DeviceType = "b"
)

// DeviceMount is a fully-validated device bind-mount request: the device
// node to expose, where it lands in the container, and which permissions
// the container's devices cgroup should grant for it.
type DeviceMount struct {
	Mount
	Major  uint32
	Minor  uint32
	Type   DeviceType
	Access Access
}

// tokenizeDeviceRequest splits a colon-delimited device request of 1 to 3
// fields into (source, destination, access), applying the disambiguation
// rule from spec: a trailing field that parses as an access string is
// treated as access rather than a destination.
func tokenizeDeviceRequest(s string) (source, destination, access string, err error) {
	tokens := strings.Split(s, ":")
	switch len(tokens) {
	case 1:
		source = tokens[0]
		destination = source
		access = "rwm"
	case 2:
		source = tokens[0]
		if looksLikeAccess(tokens[1]) {
			destination = source
			access = tokens[1]
		} else {
			destination = tokens[1]
			access = "rwm"
		}
	case 3:
		source = tokens[0]
		if looksLikeAccess(tokens[2]) {
			destination = tokens[1]
			access = tokens[2]
		} else {
			return "", "", "", errs.New(errs.InvalidRequest, fmt.Sprintf("invalid device request %q: third field is not a valid access string", s))
		}
	default:
		return "", "", "", errs.New(errs.InvalidRequest, fmt.Sprintf("invalid device request %q: expected 1 to 3 colon-separated fields", s))
	}
	if source == "" || destination == "" {
		return "", "", "", errs.New(errs.InvalidRequest, fmt.Sprintf("invalid device request %q: source and destination must not be empty", s))
	}
	return source, destination, access, nil
}

// NewDeviceMount parses and validates a device request string of the form
// "source[:destination[:access]]", stat'ing source to confirm it is a
// device node and to recover its major/minor numbers.
func NewDeviceMount(request string, policy *UserPolicy) (DeviceMount, error) {
	source, destination, accessStr, err := tokenizeDeviceRequest(request)
	if err != nil {
		return DeviceMount{}, err
	}

	access, err := ParseAccess(accessStr)
	if err != nil {
		return DeviceMount{}, err
	}

	info, err := os.Lstat(source)
	if err != nil {
		return DeviceMount{}, errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("device source %q does not exist", source))
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return DeviceMount{}, errs.New(errs.InvalidRequest, fmt.Sprintf("device source %q is a symlink, not a device node", source))
	}

	var devType DeviceType
	switch {
	case info.Mode()&os.ModeCharDevice != 0:
		devType = CharDevice
	case info.Mode()&os.ModeDevice != 0:
		devType = BlockDevice
	default:
		return DeviceMount{}, errs.New(errs.InvalidRequest, fmt.Sprintf("device source %q is not a character or block device", source))
	}

	sys, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return DeviceMount{}, errs.New(errs.InvariantViolation, fmt.Sprintf("unable to read device numbers of %q", source))
	}
	major := unix.Major(uint64(sys.Rdev))
	minor := unix.Minor(uint64(sys.Rdev))

	baseMount, err := newMount(map[string]string{
		"type": "bind",
		"src":  source,
		"dst":  destination,
	}, policy)
	if err != nil {
		return DeviceMount{}, err
	}

	return DeviceMount{
		Mount:  baseMount,
		Major:  major,
		Minor:  minor,
		Type:   devType,
		Access: access,
	}, nil
}

// CgroupAllowLine renders the DeviceMount as a devices.allow line, e.g.
// "c 195:0 rw", matching the cgroup v1 devices controller's grammar.
func (d DeviceMount) CgroupAllowLine() string {
	return fmt.Sprintf("%s %d:%d %s", d.Type, d.Major, d.Minor, d.Access)
}
