// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// CLIConfig holds the invoking user's own CLI preferences, as opposed to
// the administrator-wide policy in sarus.json: a default image type,
// whether to colourize output, and the default verbosity level. The
// default image type is parsed but not read by any command. It lives at a
// user-writable path (unlike sarus.json) and is entirely optional.
type CLIConfig struct {
	DefaultImageType string `toml:"defaultImageType,omitempty"`
	Color            bool   `toml:"color,omitempty"`
	Verbosity        string `toml:"verbosity,omitempty"`
}

// LoadCLIConfig reads and parses a CLI config profile from path. A missing
// file is not an error: it simply yields the zero-value CLIConfig, since
// this file is optional.
func LoadCLIConfig(path string) (CLIConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return CLIConfig{}, nil
		}
		return CLIConfig{}, errs.Wrap(errs.IoFailure, err, "failed to read CLI configuration "+path)
	}
	var cfg CLIConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return CLIConfig{}, errs.Wrap(errs.InvalidRequest, err, "failed to parse CLI configuration "+path)
	}
	return cfg, nil
}
