// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package errs

import (
	"strings"
	"testing"
)

func TestNewCapturesFrame(t *testing.T) {
	err := New(InvalidRequest, "bad mount string")
	if len(err.Trace()) != 1 {
		t.Fatalf("expected 1 trace frame, got %d", len(err.Trace()))
	}
	if !strings.Contains(err.Error(), "bad mount string") {
		t.Errorf("Error() = %q, want it to contain the message", err.Error())
	}
	if err.Kind() != InvalidRequest {
		t.Errorf("Kind() = %v, want InvalidRequest", err.Kind())
	}
}

func TestWrapAccumulatesTrace(t *testing.T) {
	inner := New(IoFailure, "failed to open lock file")
	outer := Wrap(IoFailure, inner, "failed to acquire repository lock")

	if len(outer.Trace()) != 2 {
		t.Fatalf("expected 2 trace frames, got %d", len(outer.Trace()))
	}
	if outer.Kind() != IoFailure {
		t.Errorf("Kind() = %v, want IoFailure", outer.Kind())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(IoFailure, nil, "should be nil") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestIs(t *testing.T) {
	err := New(PolicyViolation, "mount denied by site policy")
	if !Is(err, PolicyViolation) {
		t.Error("Is() should recognize the error's own kind")
	}
	if Is(err, IoFailure) {
		t.Error("Is() should not match a different kind")
	}
}
