// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package errs defines the taxonomy of errors that can cross a Sarus
// component boundary (the CLI, the runtime, an OCI hook) and attaches a
// call-site trace to each one, mirroring the libsarus::Error hierarchy of
// the reference Sarus runtime.
package errs

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// Kind classifies why an operation failed, so that callers (in particular
// the CLI's top-level error handler) can decide on an appropriate exit code
// and message without string-matching.
type Kind int

const (
	// InvalidRequest means the user-supplied configuration or CLI
	// arguments were malformed or contradictory.
	InvalidRequest Kind = iota
	// PolicyViolation means the request was well-formed but forbidden by
	// the site administrator's configuration.
	PolicyViolation
	// IoFailure means a filesystem or device operation failed.
	IoFailure
	// ExternalToolFailure means an external program sarus shells out to
	// (mksquashfs, runc, ldconfig, dropbear, ...) exited non-zero.
	ExternalToolFailure
	// InvariantViolation means an internal assumption was broken; this
	// indicates a bug rather than a user or environment error.
	InvariantViolation
	// NotFound means a requested image, hook, or configuration entry does
	// not exist.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case InvalidRequest:
		return "invalid request"
	case PolicyViolation:
		return "policy violation"
	case IoFailure:
		return "I/O failure"
	case ExternalToolFailure:
		return "external tool failure"
	case InvariantViolation:
		return "invariant violation"
	case NotFound:
		return "not found"
	default:
		return "unknown error"
	}
}

// Frame records a single call site captured while an Error's trace was
// being built, equivalent to one line of libsarus's error backtrace log.
type Frame struct {
	File    string
	Line    int
	Func    string
	Message string
}

// Error is the error type returned across Sarus component boundaries. It
// carries a Kind for programmatic dispatch and a trace of the call sites
// the error passed through, so a failure deep in the mount or hook pipeline
// can still be reported with full context at the CLI's top level.
type Error struct {
	kind  Kind
	cause error
	trace []Frame
}

// New creates an Error of the given kind with a message, capturing the
// caller's location as the first trace frame.
func New(kind Kind, message string) *Error {
	e := &Error{kind: kind, cause: errors.New(message)}
	e.addFrame(message)
	return e
}

// Wrap creates an Error of the given kind that wraps an existing error,
// preserving err's own trace (if it is itself an *Error) and appending a new
// frame for the current call site.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	e := &Error{kind: kind, cause: errors.Wrap(err, message)}
	if prev, ok := err.(*Error); ok {
		e.trace = append(e.trace, prev.trace...)
	}
	e.addFrame(message)
	return e
}

func (e *Error) addFrame(message string) {
	pc, file, line, ok := runtime.Caller(2)
	frame := Frame{File: file, Line: line, Message: message}
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			frame.Func = fn.Name()
		}
	}
	e.trace = append(e.trace, frame)
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.cause.Error()
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return errors.Cause(e.cause)
}

// Kind returns the error's classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Trace returns the recorded call-site frames, innermost (original) call
// site first.
func (e *Error) Trace() []Frame {
	return e.trace
}

// FormatTrace renders the error's trace the way libsarus::Logger::logErrorTrace
// formats it: one line per frame, outermost frame first and innermost
// (deepest) frame last.
func (e *Error) FormatTrace() string {
	s := ""
	for i := len(e.trace) - 1; i >= 0; i-- {
		f := e.trace[i]
		s += fmt.Sprintf("%s:%d (%s): %s\n", f.File, f.Line, f.Func, f.Message)
	}
	return s
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.kind == kind
}
