// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package fdhandler

import (
	"os"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPreservePMIFdAddsEntry(t *testing.T) {
	h := New()
	if err := h.PreservePMIFd(map[string]string{"PMI_FD": "42"}); err != nil {
		t.Fatal(err)
	}
	if len(h.entries) != 4 {
		t.Fatalf("expected 4 entries (stdio + PMI), got %d", len(h.entries))
	}
	last := h.entries[3]
	if last.FD != 42 || last.Name != "PMI" || last.EnvVar != "PMI_FD" {
		t.Errorf("unexpected PMI entry: %+v", last)
	}
}

func TestPreservePMIFdSkipsWhenUnset(t *testing.T) {
	h := New()
	if err := h.PreservePMIFd(map[string]string{}); err != nil {
		t.Fatal(err)
	}
	if len(h.entries) != 3 {
		t.Fatalf("expected only stdio entries, got %d", len(h.entries))
	}
}

func TestPreservePMIFdRejectsUnparseable(t *testing.T) {
	h := New()
	if err := h.PreservePMIFd(map[string]string{"PMI_FD": "not-a-number"}); err == nil {
		t.Fatal("expected error for unparseable PMI_FD")
	}
}

func TestApplyCompactsAndClosesUnpreservedFDs(t *testing.T) {
	keep, keepWriter, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer keepWriter.Close()
	drop, dropWriter, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer dropWriter.Close()
	defer drop.Close()
	dropFD := int(drop.Fd())

	h := New()
	h.Preserve(Entry{FD: int(keep.Fd()), Name: "keep", EnvVar: "SARUS_TEST_FD"})

	result, err := h.Apply()
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.ExtraFileDescriptors != 1 {
		t.Errorf("ExtraFileDescriptors = %d, want 1", result.ExtraFileDescriptors)
	}

	newFDStr, ok := result.Env["SARUS_TEST_FD"]
	if !ok {
		t.Fatal("expected SARUS_TEST_FD to be set in result.Env")
	}
	newFD, err := strconv.Atoi(newFDStr)
	if err != nil {
		t.Fatal(err)
	}
	if newFD < 3 {
		t.Errorf("compacted fd %d should be >= 3", newFD)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(dropFD, &stat); err == nil {
		t.Error("expected unpreserved fd to have been closed")
	}
}
