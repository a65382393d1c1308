// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package hookconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeHookFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFileAlwaysCondition(t *testing.T) {
	dir := t.TempDir()
	path := writeHookFile(t, dir, "mount.json", `{
		"version": "1.0.0",
		"hook": {"path": "/opt/sarus/hooks/mount"},
		"stages": ["createContainer"]
	}`)

	hook, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if hook.Condition.Kind != Always {
		t.Errorf("expected Always condition by default, got %v", hook.Condition.Kind)
	}
	matched, err := hook.Condition.Matches(nil, nil, false)
	if err != nil || !matched {
		t.Errorf("Always condition should always match, got matched=%v err=%v", matched, err)
	}
}

func TestParseFileAnnotationsCondition(t *testing.T) {
	dir := t.TempDir()
	path := writeHookFile(t, dir, "ssh.json", `{
		"hook": {"path": "/opt/sarus/hooks/ssh", "args": ["start-ssh-daemon"]},
		"stages": ["poststart"],
		"condition": {"type": "annotations", "annotations": [{"key": "com\\.hooks\\.ssh\\.enabled", "value": "true"}]}
	}`)

	hook, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	matched, err := hook.Condition.Matches(map[string]string{"com.hooks.ssh.enabled": "true"}, nil, false)
	if err != nil || !matched {
		t.Errorf("expected annotation match, got matched=%v err=%v", matched, err)
	}
	matched, err = hook.Condition.Matches(map[string]string{"com.hooks.ssh.enabled": "false"}, nil, false)
	if err != nil || matched {
		t.Errorf("expected no match for differing annotation value, got matched=%v err=%v", matched, err)
	}
}

func TestParseFileRejectsMissingPath(t *testing.T) {
	dir := t.TempDir()
	path := writeHookFile(t, dir, "bad.json", `{"hook": {}, "stages": ["prestart"]}`)
	if _, err := ParseFile(path); err == nil {
		t.Fatal("expected error for missing hook.path")
	}
}

func TestParseFileRejectsUnknownStage(t *testing.T) {
	dir := t.TempDir()
	path := writeHookFile(t, dir, "bad.json", `{"hook": {"path": "/x"}, "stages": ["bogus"]}`)
	if _, err := ParseFile(path); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeHookFile(t, dir, "a.json", `{"hook": {"path": "/a"}, "stages": ["prestart"]}`)
	writeHookFile(t, dir, "b.json", `{"hook": {"path": "/b"}, "stages": ["poststop"]}`)
	writeHookFile(t, dir, "README.md", "not a hook")

	hooks, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(hooks) != 2 {
		t.Errorf("Discover found %d hooks, want 2", len(hooks))
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	hooks, err := Discover(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Discover on missing dir should not error: %v", err)
	}
	if hooks != nil {
		t.Errorf("expected nil hooks for missing dir, got %v", hooks)
	}
}
