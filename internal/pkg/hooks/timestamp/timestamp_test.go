// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package timestamp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIsEnabled(t *testing.T) {
	if _, enabled := IsEnabled(nil); enabled {
		t.Fatal("expected disabled when env is empty")
	}
	logfile, enabled := IsEnabled(map[string]string{"TIMESTAMP_HOOK_LOGFILE": "/tmp/x.log"})
	if !enabled || logfile != "/tmp/x.log" {
		t.Fatalf("got logfile=%q enabled=%v", logfile, enabled)
	}
}

func TestRecordCreatesAndAppends(t *testing.T) {
	dir := t.TempDir()
	logfile := filepath.Join(dir, "hook.log")

	if err := Record(logfile, "createContainer", "hello", os.Getuid(), os.Getgid(), 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := Record(logfile, "poststop", "", os.Getuid(), os.Getgid(), 2000); err != nil {
		t.Fatalf("Record: %v", err)
	}

	data, err := os.ReadFile(logfile)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "stage=createContainer") || !strings.Contains(lines[0], "message=hello") {
		t.Errorf("unexpected first line: %s", lines[0])
	}
	if !strings.Contains(lines[1], "stage=poststop") {
		t.Errorf("unexpected second line: %s", lines[1])
	}
}
