// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package mount

import "testing"

func TestResolveFIProviderPathFromEnv(t *testing.T) {
	got := ResolveFIProviderPath(map[string]string{"FI_PROVIDER_PATH": "/opt/fi"}, "")
	if got != "/opt/fi" {
		t.Errorf("got %s, want /opt/fi", got)
	}
}

func TestResolveFIProviderPathFromLdconfig(t *testing.T) {
	output := "\tlibfabric.so.1 (libc6,x86-64) => /usr/lib64/libfabric.so.1\n"
	got := ResolveFIProviderPath(nil, output)
	if got != "/usr/lib64/libfabric" {
		t.Errorf("got %s, want /usr/lib64/libfabric", got)
	}
}

func TestResolveFIProviderPathFallback(t *testing.T) {
	got := ResolveFIProviderPath(nil, "")
	if got != "/usr/lib" {
		t.Errorf("got %s, want /usr/lib", got)
	}
}

func TestSubstituteFIProviderPath(t *testing.T) {
	got := substituteFIProviderPath("source=<FI_PROVIDER_PATH>/libfabric.so,destination=/lib/libfabric.so", "/usr/lib64/libfabric")
	want := "source=/usr/lib64/libfabric/libfabric.so,destination=/lib/libfabric.so"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
