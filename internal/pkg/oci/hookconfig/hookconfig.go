// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package hookconfig parses the OCI hook declaration files the
// administrator drops into the hooks directory: one JSON file per hook,
// naming the hook program, the lifecycle stages it should run at, and the
// condition under which it applies to a given container.
package hookconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// Stage identifies one of the six OCI runtime hook lifecycle points.
type Stage string

const (
	Prestart        Stage = "prestart"
	CreateRuntime   Stage = "createRuntime"
	CreateContainer Stage = "createContainer"
	StartContainer  Stage = "startContainer"
	Poststart       Stage = "poststart"
	Poststop        Stage = "poststop"
)

// ConditionKind tags the variant held by a Condition.
type ConditionKind int

const (
	Always ConditionKind = iota
	AnnotationsMatch
	CommandsMatch
	HasBindMounts
)

// AnnotationRule is one (keyRegex, valueRegex) pair of an Annotations
// condition: the hook applies if any container annotation key matches
// KeyRegex and its value matches ValueRegex.
type AnnotationRule struct {
	KeyRegex   string `json:"key"`
	ValueRegex string `json:"value"`
}

// Condition is the tagged union describing when a declared hook applies to
// a container, modeling the OCIHook::Condition class hierarchy of the
// reference Sarus runtime as an exhaustively-matched enum rather than
// inheritance.
type Condition struct {
	Kind        ConditionKind
	Annotations []AnnotationRule
	Commands    []string
}

// unmarshalCondition decodes the polymorphic JSON condition object. The
// administrator-facing schema tags each variant with a "type" field:
// "always", "annotations", "commands", or "hasBindMounts".
func unmarshalCondition(data json.RawMessage) (Condition, error) {
	if len(data) == 0 {
		return Condition{Kind: Always}, nil
	}

	var tagged struct {
		Type        string           `json:"type"`
		Annotations []AnnotationRule `json:"annotations,omitempty"`
		Commands    []string         `json:"commands,omitempty"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return Condition{}, errs.Wrap(errs.InvalidRequest, err, "failed to parse hook condition")
	}

	switch tagged.Type {
	case "", "always":
		return Condition{Kind: Always}, nil
	case "annotations":
		for _, rule := range tagged.Annotations {
			if _, err := regexp.Compile(rule.KeyRegex); err != nil {
				return Condition{}, errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("invalid key regex %q in hook condition", rule.KeyRegex))
			}
			if _, err := regexp.Compile(rule.ValueRegex); err != nil {
				return Condition{}, errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("invalid value regex %q in hook condition", rule.ValueRegex))
			}
		}
		return Condition{Kind: AnnotationsMatch, Annotations: tagged.Annotations}, nil
	case "commands":
		for _, c := range tagged.Commands {
			if _, err := regexp.Compile(c); err != nil {
				return Condition{}, errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("invalid command regex %q in hook condition", c))
			}
		}
		return Condition{Kind: CommandsMatch, Commands: tagged.Commands}, nil
	case "hasBindMounts":
		return Condition{Kind: HasBindMounts}, nil
	default:
		return Condition{}, errs.New(errs.InvalidRequest, fmt.Sprintf("unknown hook condition type %q", tagged.Type))
	}
}

// Matches evaluates the condition against a container's annotations and
// effective command line, exhaustively over every Condition variant.
func (c Condition) Matches(annotations map[string]string, command []string, hasBindMounts bool) (bool, error) {
	switch c.Kind {
	case Always:
		return true, nil
	case AnnotationsMatch:
		for _, rule := range c.Annotations {
			keyRe, err := regexp.Compile(rule.KeyRegex)
			if err != nil {
				return false, err
			}
			valRe, err := regexp.Compile(rule.ValueRegex)
			if err != nil {
				return false, err
			}
			for k, v := range annotations {
				if keyRe.MatchString(k) && valRe.MatchString(v) {
					return true, nil
				}
			}
		}
		return false, nil
	case CommandsMatch:
		for _, pattern := range c.Commands {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false, err
			}
			for _, cmd := range command {
				if re.MatchString(cmd) {
					return true, nil
				}
			}
		}
		return false, nil
	case HasBindMounts:
		return hasBindMounts, nil
	default:
		return false, errs.New(errs.InvariantViolation, fmt.Sprintf("unhandled hook condition kind %d", c.Kind))
	}
}

// Hook is one parsed hook declaration file: the hook program invocation
// itself plus the stages it is registered for and the condition gating it.
type Hook struct {
	JSONFile  string
	Path      string
	Args      []string
	Env       []string
	Timeout   *int
	Stages    []Stage
	Condition Condition
}

// rawHookFile is the on-disk JSON schema of a hook declaration file.
type rawHookFile struct {
	Version string `json:"version"`
	Hook    struct {
		Path    string   `json:"path"`
		Args    []string `json:"args,omitempty"`
		Env     []string `json:"env,omitempty"`
		Timeout *int     `json:"timeout,omitempty"`
	} `json:"hook"`
	Stages    []string        `json:"stages"`
	Condition json.RawMessage `json:"condition,omitempty"`
}

// ParseFile loads and validates a single hook declaration file.
func ParseFile(path string) (Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Hook{}, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to read hook file %s", path))
	}

	var raw rawHookFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return Hook{}, errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("failed to parse hook file %s", path))
	}
	if raw.Hook.Path == "" {
		return Hook{}, errs.New(errs.InvalidRequest, fmt.Sprintf("hook file %s is missing hook.path", path))
	}
	if len(raw.Stages) == 0 {
		return Hook{}, errs.New(errs.InvalidRequest, fmt.Sprintf("hook file %s must declare at least one stage", path))
	}

	stages := make([]Stage, 0, len(raw.Stages))
	for _, s := range raw.Stages {
		stage := Stage(s)
		if !validStage(stage) {
			return Hook{}, errs.New(errs.InvalidRequest, fmt.Sprintf("hook file %s declares unknown stage %q", path, s))
		}
		stages = append(stages, stage)
	}

	cond, err := unmarshalCondition(raw.Condition)
	if err != nil {
		return Hook{}, err
	}

	return Hook{
		JSONFile:  path,
		Path:      raw.Hook.Path,
		Args:      raw.Hook.Args,
		Env:       raw.Hook.Env,
		Timeout:   raw.Hook.Timeout,
		Stages:    stages,
		Condition: cond,
	}, nil
}

func validStage(s Stage) bool {
	switch s {
	case Prestart, CreateRuntime, CreateContainer, StartContainer, Poststart, Poststop:
		return true
	default:
		return false
	}
}

// Discover scans dir for *.json hook declaration files and parses each one.
// A single malformed file aborts discovery with a wrapped error identifying
// it, rather than silently skipping it.
func Discover(dir string) ([]Hook, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to list hooks directory %s", dir))
	}

	var hooks []Hook
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		hook, err := ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	return hooks, nil
}
