// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package env

import (
	"sort"
	"strings"

	"github.com/eth-cscs/sarus/internal/pkg/config"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

// DefaultPath is the PATH the site's environment rules start from; the
// host's own PATH is never forwarded. It is also restored if a rule unsets
// PATH.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// alwaysPassKeys are forwarded from the host environment even when nothing
// in the site's rules mentions them.
var alwaysPassKeys = map[string]struct{}{
	"TERM":        {},
	"http_proxy":  {},
	"HTTP_PROXY":  {},
	"https_proxy": {},
	"HTTPS_PROXY": {},
	"no_proxy":    {},
	"NO_PROXY":    {},
	"all_proxy":   {},
	"ALL_PROXY":   {},
	"ftp_proxy":   {},
	"FTP_PROXY":   {},
}

// alwaysOmitKeys never come from the host; they're fully owned by the
// container launch itself.
var alwaysOmitKeys = map[string]struct{}{
	"HOME": {},
	"PATH": {},
}

// ApplyRules computes the container process environment: it starts from the
// allow-listed subset of the host's environment plus PATH=DefaultPath, then
// applies the site's configured Set/Prepend/Append/Unset rules, and finally
// pins HOME (and restores DefaultPath if PATH was unset).
// Later rules win ties, in the order Set, Prepend/Append, Unset.
func ApplyRules(hostEnv []string, rules config.EnvironmentRules, homeDest string) []string {
	result := make(map[string]string)

	for _, kv := range hostEnv {
		key, value, ok := split(kv)
		if !ok {
			sylog.Verbosef("Can't process environment variable %s", kv)
			continue
		}
		if _, omit := alwaysOmitKeys[key]; omit {
			continue
		}
		if _, keep := alwaysPassKeys[key]; keep {
			result[key] = value
		}
	}
	result["PATH"] = DefaultPath

	for key, value := range rules.Set {
		sylog.Debugf("Setting %s=%s from site environment rules", key, value)
		result[key] = value
	}
	for key, suffix := range rules.Prepend {
		if existing, ok := result[key]; ok && existing != "" {
			result[key] = suffix + existing
		} else {
			result[key] = suffix
		}
	}
	for key, prefix := range rules.Append {
		if existing, ok := result[key]; ok && existing != "" {
			result[key] = existing + prefix
		} else {
			result[key] = prefix
		}
	}
	for _, key := range rules.Unset {
		sylog.Debugf("Unsetting %s per site environment rules", key)
		delete(result, key)
	}

	result["HOME"] = homeDest
	if _, ok := result["PATH"]; !ok {
		result["PATH"] = DefaultPath
	}

	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+result[k])
	}
	return env
}

func split(kv string) (key, value string, ok bool) {
	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
