// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package timestamp implements the Timestamp OCI hook: a diagnostic hook
// that, when enabled via TIMESTAMP_HOOK_LOGFILE, appends one line per
// invocation to a log file owned by the container's own user, so that hook
// timing can be inspected without root access.
package timestamp

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// IsEnabled reports whether the hook should run at all: it is a no-op
// unless TIMESTAMP_HOOK_LOGFILE is set in the hook's own environment.
func IsEnabled(env map[string]string) (logfile string, enabled bool) {
	logfile, enabled = env["TIMESTAMP_HOOK_LOGFILE"]
	return logfile, enabled && logfile != ""
}

// Record appends one timestamped line to logfile, creating it (owned by
// uid/gid) if it does not already exist.
func Record(logfile, stage, message string, uid, gid int, nowUnixNano int64) error {
	if _, err := os.Stat(logfile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(logfile), 0o755); err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create parent directory of %s", logfile))
		}
		f, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create %s", logfile))
		}
		f.Close()
		if err := os.Chown(logfile, uid, gid); err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to chown %s", logfile))
		}
	}

	f, err := os.OpenFile(logfile, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to open %s for appending", logfile))
	}
	defer f.Close()

	line := fmt.Sprintf("Timestamp hook: stage=%s timestamp=%d", stage, nowUnixNano)
	if message != "" {
		line += " message=" + message
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to append to %s", logfile))
	}
	return nil
}
