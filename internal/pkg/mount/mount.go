// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package mount

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// Flag mirrors a subset of the Linux MS_* mount flags that a custom mount
// can carry, expressed independently of golang.org/x/sys/unix so that the
// parser package stays free of platform build tags.
type Flag uint32

const (
	FlagRecursive Flag = 1 << iota
	FlagPrivate
	FlagReadOnly
)

// Mount is a fully-validated bind-mount request: where it comes from, where
// it lands inside the container's rootfs, and with what propagation/access
// flags it should be performed.
type Mount struct {
	Source      string
	Destination string
	Flags       Flag
	// RootfsConfinedDestination is Destination resolved through the
	// rootfs-confined realpath of the container, captured once the bundle
	// assembler knows the rootfs path; left empty by the parser itself.
	RootfsConfinedDestination string
}

// UserPolicy restricts the destinations a user-band mount request may
// target, per the administrator's sarus.json userMounts configuration.
type UserPolicy struct {
	DisallowedPrefixes []string
	DisallowedPaths    []string
}

// sourceAliases and destAliases are the accepted key spellings of the
// source and destination fields.
var sourceAliases = map[string]bool{"source": true, "src": true}
var destAliases = map[string]bool{"destination": true, "dst": true, "target": true}

// ParseRequest turns a comma-separated "key[=value]" mapping (as produced by
// CLI flag parsing upstream of this package, e.g. "type=bind,src=/a,dst=/b,readonly")
// into key/value pairs. Keys without a value (like "readonly") map to "".
func ParseRequest(s string) (map[string]string, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := kv[0]
		value := ""
		if len(kv) == 2 {
			value = kv[1]
		}
		if _, exists := fields[key]; exists {
			return nil, errs.New(errs.InvalidRequest, fmt.Sprintf("duplicate mount option %q in request %q", key, s))
		}
		fields[key] = value
	}
	return fields, nil
}

// NewSiteMountParser validates a site-band mount request map (as produced
// by ParseRequest): requests the administrator has pre-authorized in
// sarus.json, exempt from the user-band destination deny-list.
func NewSiteMountParser(fields map[string]string) (Mount, error) {
	return newMount(fields, nil)
}

// NewUserMountParser validates a user-band mount request map (as produced
// by ParseRequest) against policy, the administrator's userMounts
// configuration. policy must not be nil: a user-band request is always
// subject to the destination deny-list.
func NewUserMountParser(fields map[string]string, policy *UserPolicy) (Mount, error) {
	if policy == nil {
		return Mount{}, errs.New(errs.InvariantViolation, "user mount parser requires a non-nil policy")
	}
	return newMount(fields, policy)
}

// newMount validates a mount request map (as produced by ParseRequest) and
// produces a Mount. policy is nil for site-band requests, which are exempt
// from the destination deny-list.
func newMount(fields map[string]string, policy *UserPolicy) (Mount, error) {
	mountType, ok := fields["type"]
	if !ok {
		return Mount{}, errs.New(errs.InvalidRequest, "mount request is missing required 'type' option")
	}
	if mountType != "bind" {
		return Mount{}, errs.New(errs.InvalidRequest, fmt.Sprintf("unsupported mount type %q: only 'bind' is supported", mountType))
	}

	source, err := aliasedValue(fields, sourceAliases, "source")
	if err != nil {
		return Mount{}, err
	}
	destination, err := aliasedValue(fields, destAliases, "destination")
	if err != nil {
		return Mount{}, err
	}

	if !filepath.IsAbs(source) {
		return Mount{}, errs.New(errs.InvalidRequest, fmt.Sprintf("mount source %q must be an absolute path", source))
	}
	if !filepath.IsAbs(destination) {
		return Mount{}, errs.New(errs.InvalidRequest, fmt.Sprintf("mount destination %q must be an absolute path", destination))
	}

	flags := FlagRecursive | FlagPrivate
	readonly := false
	for key := range fields {
		switch key {
		case "type", "source", "src", "destination", "dst", "target":
			// already consumed
		case "readonly":
			readonly = true
		default:
			return Mount{}, errs.New(errs.InvalidRequest, fmt.Sprintf("unknown mount option %q", key))
		}
	}
	if readonly {
		flags |= FlagReadOnly
	}

	if policy != nil {
		if err := policy.check(destination); err != nil {
			return Mount{}, err
		}
	}

	return Mount{Source: source, Destination: destination, Flags: flags}, nil
}

func aliasedValue(fields map[string]string, aliases map[string]bool, canonical string) (string, error) {
	var value string
	found := false
	for key, v := range fields {
		if aliases[key] {
			if found {
				return "", errs.New(errs.InvalidRequest, fmt.Sprintf("duplicate %s option", canonical))
			}
			value = v
			found = true
		}
	}
	if !found || value == "" {
		return "", errs.New(errs.InvalidRequest, fmt.Sprintf("mount request is missing required '%s' option", canonical))
	}
	return value, nil
}

// check enforces the user-band destination blacklist: destination must not
// equal any DisallowedPaths entry, nor be under (or equal to) any
// DisallowedPrefixes entry.
func (p UserPolicy) check(destination string) error {
	cleanDest := filepath.Clean(destination)
	for _, exact := range p.DisallowedPaths {
		if cleanDest == filepath.Clean(exact) {
			return errs.New(errs.InvalidRequest, fmt.Sprintf("destination cannot be '%s'", exact))
		}
	}
	for _, prefix := range p.DisallowedPrefixes {
		cleanPrefix := filepath.Clean(prefix)
		if cleanDest == cleanPrefix || strings.HasPrefix(cleanDest, cleanPrefix+string(filepath.Separator)) {
			return errs.New(errs.InvalidRequest, fmt.Sprintf("destination cannot be a subdirectory of '%s'", cleanPrefix))
		}
	}
	return nil
}
