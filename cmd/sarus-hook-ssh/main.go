// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Command sarus-hook-ssh dispatches on its first argument to one of the
// SSH hook's four modes: "keygen" (run standalone, not by the OCI runtime),
// "check-user-has-sshkeys" (createRuntime stage, aborts container creation
// if the user has no keyset), "start-ssh-daemon" (poststart stage, starts
// dropbear) and "stop-ssh-daemon" (poststop stage, stops it).
package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/common"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/ssh"
	"github.com/eth-cscs/sarus/pkg/sylog"
)

func main() {
	if len(os.Args) < 2 {
		fail(fmt.Errorf("usage: %s <keygen|check-user-has-sshkeys|start-ssh-daemon|stop-ssh-daemon>", os.Args[0]))
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen()
	case "check-user-has-sshkeys":
		err = runCheck()
	case "start-ssh-daemon":
		err = runStart()
	case "stop-ssh-daemon":
		err = runStop()
	default:
		err = fmt.Errorf("unknown mode %q", os.Args[1])
	}
	if err != nil {
		fail(err)
	}
}

func hookBaseDir() string {
	return os.Getenv("HOOK_BASE_DIR")
}

func runKeygen() error {
	u, err := user.Current()
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to determine the invoking user")
	}
	keysDir := ssh.KeysDir(hookBaseDir(), u.Username)
	dropbearkeyPath := envOrDefault("DROPBEARKEY_PATH", "dropbearkey")
	return ssh.Keygen(dropbearkeyPath, keysDir, false)
}

func runCheck() error {
	state, err := common.ParseStateFromStdin()
	if err != nil {
		return err
	}
	bundleCfg, err := common.ReadBundleConfig(state.Bundle)
	if err != nil {
		return err
	}
	env := common.EnvMap(bundleCfg.Env)

	u, err := user.Current()
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to determine the invoking user")
	}
	keysDir := ssh.KeysDir(hookBaseDir(), u.Username)
	if !ssh.CheckUserHasSSHKeys(keysDir) {
		return errs.New(errs.PolicyViolation, fmt.Sprintf("user %s has no SSH hook keyset; run `sarus ssh-keygen` first", u.Username))
	}
	_ = env
	return nil
}

func runStart() error {
	state, err := common.ParseStateFromStdin()
	if err != nil {
		return err
	}
	bundleCfg, err := common.ReadBundleConfig(state.Bundle)
	if err != nil {
		return err
	}
	env := common.EnvMap(bundleCfg.Env)

	if err := common.EnterMountNamespace(state.Pid); err != nil {
		return err
	}

	u, err := user.Current()
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to determine the invoking user")
	}
	port, err := ssh.ResolvePort(bundleCfg.Annotations, env)
	if err != nil {
		return err
	}

	cfg := ssh.DaemonConfig{
		DropbearPath:    envOrDefault("DROPBEAR_PATH", "dropbear"),
		DbclientPath:    envOrDefault("DBCLIENT_PATH", "dbclient"),
		KeysDir:         ssh.KeysDir(hookBaseDir(), u.Username),
		Port:            port,
		RootfsDir:       bundleCfg.RootfsDir,
		ContainerUID:    bundleCfg.UID,
		ContainerGID:    bundleCfg.GID,
		SSHDir:          "/home/" + u.Username + "/.ssh",
		PidfileHostPath: filepath.Join(state.Bundle, "ssh-daemon.pid"),
	}

	if err := ssh.InstallInContainer(cfg, bundleCfg.Env); err != nil {
		return err
	}
	_, err = ssh.Start(cfg, "/var/run/dropbear.pid")
	return err
}

func runStop() error {
	state, err := common.ParseStateFromStdin()
	if err != nil {
		return err
	}
	pidfile := filepath.Join(state.Bundle, "ssh-daemon.pid")
	if _, err := os.Stat(pidfile); err != nil {
		sylog.Debugf("ssh hook: no daemon pidfile at %s, nothing to stop", pidfile)
		return nil
	}
	return ssh.Stop(pidfile)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fail(err error) {
	sylog.Errorf("ssh hook: %v", err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
