// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package mount implements the Mount and DeviceMount request parsers shared
// by the bundle assembler and the Mount hook: turning a CLI/annotation
// string into a validated record, enforcing the site vs. user privilege
// bands described by the administrator configuration.
package mount

import (
	"fmt"
	"strings"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// Access is the canonical, de-duplicated set of cgroup device permissions a
// DeviceMount grants: any subset of read, write, and mknod.
type Access struct {
	read, write, mknod bool
}

// ParseAccess validates s as a device access string: 1-3 characters drawn
// from {r,w,m}, each appearing at most once. The canonical String() form is
// always rendered in r,w,m order regardless of the input order, matching
// DeviceAccess::getStringValue() in the reference Sarus runtime.
func ParseAccess(s string) (Access, error) {
	if len(s) == 0 || len(s) > 3 {
		return Access{}, errs.New(errs.InvalidRequest, fmt.Sprintf("invalid device access %q: must be 1 to 3 characters", s))
	}

	var a Access
	for _, c := range s {
		switch c {
		case 'r':
			if a.read {
				return Access{}, duplicateAccessErr(s, 'r')
			}
			a.read = true
		case 'w':
			if a.write {
				return Access{}, duplicateAccessErr(s, 'w')
			}
			a.write = true
		case 'm':
			if a.mknod {
				return Access{}, duplicateAccessErr(s, 'm')
			}
			a.mknod = true
		default:
			return Access{}, errs.New(errs.InvalidRequest, fmt.Sprintf("invalid device access %q: unsupported character %q", s, c))
		}
	}
	return a, nil
}

func duplicateAccessErr(s string, c rune) error {
	return errs.New(errs.InvalidRequest, fmt.Sprintf("invalid device access %q: character %q repeated", s, c))
}

// looksLikeAccess reports whether s parses as a valid access string; used by
// the device request tokenizer to disambiguate a 2- or 3-field request.
func looksLikeAccess(s string) bool {
	_, err := ParseAccess(s)
	return err == nil
}

// DefaultAccess is the access granted when a device request omits it.
func DefaultAccess() Access {
	a, _ := ParseAccess("rwm")
	return a
}

// String renders the access set in canonical r,w,m order.
func (a Access) String() string {
	var b strings.Builder
	if a.read {
		b.WriteByte('r')
	}
	if a.write {
		b.WriteByte('w')
	}
	if a.mknod {
		b.WriteByte('m')
	}
	return b.String()
}
