// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package ssh

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePortPrecedence(t *testing.T) {
	annotations := map[string]string{"com.hooks.ssh.port": "2222"}
	env := map[string]string{"SERVER_PORT": "3333", "SERVER_PORT_DEFAULT": "4444"}

	port, err := ResolvePort(annotations, env)
	if err != nil || port != 2222 {
		t.Fatalf("got port=%d err=%v, want 2222", port, err)
	}

	port, err = ResolvePort(nil, env)
	if err != nil || port != 3333 {
		t.Fatalf("got port=%d err=%v, want 3333", port, err)
	}

	port, err = ResolvePort(nil, map[string]string{"SERVER_PORT_DEFAULT": "4444"})
	if err != nil || port != 4444 {
		t.Fatalf("got port=%d err=%v, want 4444", port, err)
	}

	if _, err := ResolvePort(nil, nil); err == nil {
		t.Fatal("expected error when no port is configured")
	}
}

func TestHasSSHKeys(t *testing.T) {
	dir := t.TempDir()
	if HasSSHKeys(dir) {
		t.Fatal("expected false for an empty keys directory")
	}
	for _, f := range []string{HostKeyFile, ClientKeyFile, AuthorizedKeyFile} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if !HasSSHKeys(dir) {
		t.Fatal("expected true once all three key files exist")
	}
}

func TestExtractPublicKeyLine(t *testing.T) {
	output := "Public key portion is:\necdsa-sha2-nistp256 AAAAE2VjZHNhLXNoYTItbmlzdHAyNTYAAAAIbmlzdHAyNTY= root@host\n"
	got := extractPublicKeyLine(output)
	want := "ecdsa-sha2-nistp256 AAAAE2VjZHNhLXNoYTItbmlzdHAyNTYAAAAIbmlzdHAyNTY= root@host"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSplitKV(t *testing.T) {
	k, v := splitKV("PATH=/usr/bin:/bin")
	if k != "PATH" || v != "/usr/bin:/bin" {
		t.Errorf("got k=%q v=%q", k, v)
	}
}
