// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package fdhandler implements the file-descriptor discipline Sarus applies
// to its own process just before exec'ing runc: close every fd that was not
// explicitly requested to survive, then compact the survivors into a
// contiguous, known range starting right after stdio, so runc inherits
// exactly the fd table Sarus promised it through --preserve-fds.
package fdhandler

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// Entry is one file descriptor Sarus wants runc to inherit: fd is the
// descriptor's number in Sarus's own process at the time Apply runs. Name
// is a human-readable label used only in error messages. EnvVar and
// Annotation, if set, are updated to the fd's (possibly new) number so
// that downstream consumers inside the container or in the OCI hooks can
// find it without hardcoding a number. ForceDup duplicates the original fd
// into the compacted range while also keeping the original open and
// counted, for callers that need both the old and the new number to stay
// valid simultaneously.
type Entry struct {
	FD         int
	Name       string
	EnvVar     string
	Annotation string
	ForceDup   bool
}

// Handler accumulates the preserve-set for one container invocation.
type Handler struct {
	entries []Entry
}

// New returns a Handler with stdin, stdout, and stderr already preserved,
// as the contract requires: those three are always inherited by runc.
func New() *Handler {
	h := &Handler{}
	h.Preserve(Entry{FD: 0, Name: "stdin"})
	h.Preserve(Entry{FD: 1, Name: "stdout"})
	h.Preserve(Entry{FD: 2, Name: "stderr"})
	return h
}

// Preserve adds e to the preserve set.
func (h *Handler) Preserve(e Entry) {
	h.entries = append(h.entries, e)
}

// PreservePMIFd adds the host's PMI_FD, if set, to the preserve set. hostEnv
// is the invoking process's own environment (not the container's), since
// the fd number is only meaningful in Sarus's own fd table at the moment it
// was inherited from whatever launched it (e.g. srun or mpirun).
func (h *Handler) PreservePMIFd(hostEnv map[string]string) error {
	v, ok := hostEnv["PMI_FD"]
	if !ok || v == "" {
		return nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil {
		return errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("invalid PMI_FD value %q", v))
	}
	h.Preserve(Entry{FD: fd, Name: "PMI", EnvVar: "PMI_FD"})
	return nil
}

// Result is what applying the fd discipline produced: the env vars and
// annotations that need updating with compacted fd numbers, and the count
// of post-stdio fds runc must be told to preserve via --preserve-fds.
type Result struct {
	Env                  map[string]string
	Annotations          map[string]string
	ExtraFileDescriptors int
}

// Apply scans /proc/self/fd, closes every open fd that is not in the
// preserve set, then walks the preserved fds above stdio in ascending order
// of original fd number. A fd that already sits at the next position of the
// range starting at 3 stays where it is; any other fd (and every ForceDup
// fd) is duplicated to the lowest free integer at or above that position.
// A duplicate that lands on a lower number than its original fd is
// reported as an InvariantViolation instead of being used.
func (h *Handler) Apply() (Result, error) {
	preserved := make(map[int]bool, len(h.entries))
	for _, e := range h.entries {
		preserved[e.FD] = true
	}

	open, err := openFDs()
	if err != nil {
		return Result{}, err
	}
	for _, fd := range open {
		if preserved[fd] {
			continue
		}
		if err := unix.Close(fd); err != nil && err != unix.EBADF {
			return Result{}, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to close fd %d before exec", fd))
		}
	}

	entries := make([]Entry, len(h.entries))
	copy(entries, h.entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].FD < entries[j].FD })

	result := Result{Env: map[string]string{}, Annotations: map[string]string{}}
	next := 3
	for _, e := range entries {
		if e.FD < 3 {
			continue
		}

		newFD := e.FD
		if e.FD != next || e.ForceDup {
			dup, err := dupTo(e.FD, next)
			if err != nil {
				return Result{}, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to compact fd %d (%s)", e.FD, e.Name))
			}
			if dup < e.FD {
				return Result{}, errs.New(errs.InvariantViolation,
					fmt.Sprintf("fd compaction moved %s from %d to a lower fd %d", e.Name, e.FD, dup))
			}
			newFD = dup
		}
		if e.EnvVar != "" {
			result.Env[e.EnvVar] = strconv.Itoa(newFD)
		}
		if e.Annotation != "" {
			result.Annotations[e.Annotation] = strconv.Itoa(newFD)
		}
		result.ExtraFileDescriptors++
		next = newFD + 1

		if newFD != e.FD && !e.ForceDup {
			if err := unix.Close(e.FD); err != nil && err != unix.EBADF {
				return Result{}, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to close original fd %d (%s) after compaction", e.FD, e.Name))
			}
		}

		if e.ForceDup {
			secondFD, err := dupTo(e.FD, next)
			if err != nil {
				return Result{}, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to force-dup fd %d (%s)", e.FD, e.Name))
			}
			if secondFD < e.FD {
				return Result{}, errs.New(errs.InvariantViolation,
					fmt.Sprintf("force-dup of %s moved %d to a lower fd %d", e.Name, e.FD, secondFD))
			}
			result.ExtraFileDescriptors++
			next = secondFD + 1
		}
	}

	return result, nil
}

// dupTo duplicates fd to the lowest free integer >= atLeast, without
// close-on-exec: the duplicate must survive the exec into runc.
func dupTo(fd, atLeast int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD, atLeast)
}

// openFDs lists every currently open file descriptor of this process.
func openFDs() ([]int, error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, "failed to list /proc/self/fd")
	}
	fds := make([]int, 0, len(entries))
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fds = append(fds, fd)
	}
	return fds, nil
}
