// Copyright (c) Contributors to the Sarus project.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sylog implements the process-wide logger used by the sarus CLI,
// the starter binary and the OCI hooks. It mirrors the level-filtered
// messages emitted by the original Sarus C++ logger so that
// log output stays familiar to operators of existing installations.
package sylog
