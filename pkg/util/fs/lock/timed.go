// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package lock

import (
	"fmt"
	"time"
)

// pollInterval is how often AcquireExclusiveTimed retries a non-blocking
// flock attempt while waiting for the lock to become available.
const pollInterval = 200 * time.Millisecond

// AcquireExclusiveTimed applies an exclusive lock on path, polling with
// TryExclusive until it succeeds, warningAfter elapses (in which case onWarn
// is invoked once), or timeout elapses (in which case an error is returned).
// It mirrors the repository-metadata lock acquisition logic of the
// reference Sarus runtime, which polls the lock file instead of blocking
// indefinitely on flock(2) so that a stuck lock holder is reported to the
// operator rather than hanging the CLI forever.
func AcquireExclusiveTimed(path string, timeout, warningAfter time.Duration, onWarn func()) (fd int, err error) {
	deadline := time.Now().Add(timeout)
	warnDeadline := time.Now().Add(warningAfter)
	warned := false

	for {
		fd, acquired, err := TryExclusive(path)
		if err != nil {
			return fd, err
		}
		if acquired {
			return fd, nil
		}

		now := time.Now()
		if !warned && warningAfter > 0 && now.After(warnDeadline) {
			warned = true
			if onWarn != nil {
				onWarn()
			}
		}
		if timeout > 0 && now.After(deadline) {
			return -1, fmt.Errorf("failed to acquire exclusive lock on %q within %s", path, timeout)
		}
		time.Sleep(pollInterval)
	}
}
