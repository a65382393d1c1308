// Copyright (c) Contributors to the Sarus project.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sylog

import "fmt"

// messageLevel describes the verbosity of a given log message, mirroring the
// level scheme used by the Sarus runtime's own logger.
type messageLevel int

const (
	// FatalLevel messages abort the process after being logged.
	FatalLevel messageLevel = iota - 4
	// ErrorLevel messages report failures that do not necessarily abort
	// the current operation.
	ErrorLevel
	// WarnLevel messages report a condition worth the operator's attention.
	WarnLevel
	// LogLevel is the level at which general progress messages are emitted.
	LogLevel
	// InfoLevel is the default level.
	InfoLevel
	// VerboseLevel messages give extra detail above InfoLevel.
	VerboseLevel
	// DebugLevel messages are only emitted with --debug.
	DebugLevel
)

func (l messageLevel) String() string {
	switch l {
	case FatalLevel:
		return "FATAL"
	case ErrorLevel:
		return "ERROR"
	case WarnLevel:
		return "WARNING"
	case LogLevel:
		return "LOG"
	case InfoLevel:
		return "INFO"
	case VerboseLevel:
		return "VERBOSE"
	case DebugLevel:
		return "DEBUG"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}
