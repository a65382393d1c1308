// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package ssh implements the multi-mode SSH OCI hook: key generation (run
// as the invoking user), a key-presence check, and the dropbear-backed SSH
// daemon lifecycle itself (started at createContainer, torn down at
// poststop). Grounded on original_source's SshHook.cpp and main.cpp.
package ssh

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	apexlog "github.com/apex/log"
	"golang.org/x/sys/unix"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
	"github.com/eth-cscs/sarus/internal/pkg/hooks/common"
	"github.com/eth-cscs/sarus/pkg/sylog"
	"github.com/eth-cscs/sarus/pkg/util/fs/lock"
)

// KeyFiles are the three files that make up a user's SSH hook keyset.
const (
	HostKeyFile       = "dropbear_ecdsa_host_key"
	ClientKeyFile     = "id_dropbear"
	AuthorizedKeyFile = "authorized_keys"
)

// KeysDir returns the directory holding one user's SSH hook keys.
func KeysDir(hookBaseDir, user string) string {
	return filepath.Join(hookBaseDir, user, ".oci-hooks", "ssh", "keys")
}

// Keygen (re)generates a user's SSH keyset. It must run as the requesting
// user, not as root, since the keys end up owned by (and usable only by)
// that user.
func Keygen(dropbearkeyPath, keysDir string, overwrite bool) error {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create keys directory %s", keysDir))
	}

	fd, err := lock.Exclusive(keysDir)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to lock %s", keysDir))
	}
	defer lock.Release(fd)

	if !overwrite && HasSSHKeys(keysDir) {
		return errs.New(errs.PolicyViolation, fmt.Sprintf("SSH keys already exist in %s; pass --overwrite to regenerate them", keysDir))
	}

	hostKey := filepath.Join(keysDir, HostKeyFile)
	clientKey := filepath.Join(keysDir, ClientKeyFile)
	authKeys := filepath.Join(keysDir, AuthorizedKeyFile)

	if err := exec.Command(dropbearkeyPath, "-t", "ecdsa", "-f", hostKey).Run(); err != nil {
		return errs.Wrap(errs.ExternalToolFailure, err, "failed to generate host key")
	}
	if err := exec.Command(dropbearkeyPath, "-t", "ecdsa", "-f", clientKey).Run(); err != nil {
		return errs.Wrap(errs.ExternalToolFailure, err, "failed to generate client key")
	}

	pub, err := exec.Command(dropbearkeyPath, "-y", "-f", clientKey).Output()
	if err != nil {
		return errs.Wrap(errs.ExternalToolFailure, err, "failed to extract client public key")
	}
	publicKeyLine := extractPublicKeyLine(string(pub))
	if err := os.WriteFile(authKeys, []byte(publicKeyLine+"\n"), 0o644); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to write %s", authKeys))
	}
	return nil
}

// extractPublicKeyLine pulls the "ecdsa-sha2-... AAAA..." line out of
// dropbearkey -y's output, which also prints a banner comment line.
func extractPublicKeyLine(dropbearkeyOutput string) string {
	for _, line := range strings.Split(dropbearkeyOutput, "\n") {
		if strings.HasPrefix(line, "ecdsa-") || strings.HasPrefix(line, "ssh-") {
			return strings.TrimSpace(line)
		}
	}
	return strings.TrimSpace(dropbearkeyOutput)
}

// HasSSHKeys reports whether all three keyset files exist in keysDir.
func HasSSHKeys(keysDir string) bool {
	for _, f := range []string{HostKeyFile, ClientKeyFile, AuthorizedKeyFile} {
		if _, err := os.Stat(filepath.Join(keysDir, f)); err != nil {
			return false
		}
	}
	return true
}

// DaemonConfig holds everything needed to start or stop the in-container
// SSH daemon for one container invocation.
type DaemonConfig struct {
	DropbearPath    string
	DbclientPath    string
	KeysDir         string
	Port            int
	RootfsDir       string
	ContainerUID    uint32
	ContainerGID    uint32
	SSHDir          string // in-container path, e.g. /home/user/.ssh
	PidfileHostPath string
}

// ResolvePort implements the annotation > env > default-env precedence.
func ResolvePort(annotations, env map[string]string) (int, error) {
	if v := annotations["com.hooks.ssh.port"]; v != "" {
		return strconv.Atoi(v)
	}
	if v := env["SERVER_PORT"]; v != "" {
		return strconv.Atoi(v)
	}
	if v := env["SERVER_PORT_DEFAULT"]; v != "" {
		return strconv.Atoi(v)
	}
	return 0, errs.New(errs.InvalidRequest, "no SSH server port configured: set com.hooks.ssh.port, SERVER_PORT or SERVER_PORT_DEFAULT")
}

// InstallInContainer copies the three key files and the dropbear/dbclient
// binaries into the container's rootfs, and writes the ssh wrapper script
// and environment file dropbear's child shell needs.
func InstallInContainer(cfg DaemonConfig, bundleEnv []string) error {
	dropbearBinDir := filepath.Join(cfg.RootfsDir, "opt", "oci-hooks", "ssh", "dropbear", "bin")
	if err := os.MkdirAll(dropbearBinDir, 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create %s", dropbearBinDir))
	}
	if err := copyExecutable(cfg.DropbearPath, filepath.Join(dropbearBinDir, "dropbear")); err != nil {
		return err
	}
	if err := copyExecutable(cfg.DbclientPath, filepath.Join(dropbearBinDir, "dbclient")); err != nil {
		return err
	}

	sshDirHost := filepath.Join(cfg.RootfsDir, strings.TrimPrefix(cfg.SSHDir, "/"))
	if err := os.MkdirAll(sshDirHost, 0o700); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create %s", sshDirHost))
	}
	for _, f := range []string{HostKeyFile, ClientKeyFile, AuthorizedKeyFile} {
		if err := copyOwned(filepath.Join(cfg.KeysDir, f), filepath.Join(sshDirHost, f), cfg.ContainerUID, cfg.ContainerGID); err != nil {
			return err
		}
	}

	envFile := filepath.Join(cfg.RootfsDir, "opt", "oci-hooks", "ssh", "dropbear", "environment")
	if err := writeEnvironmentFile(envFile, bundleEnv); err != nil {
		return err
	}

	profileDir := filepath.Join(cfg.RootfsDir, "etc", "profile.d")
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create %s", profileDir))
	}
	profileScript := "#!/bin/sh\nif [ -n \"$SSH_CONNECTION\" ]; then\n\t. /opt/oci-hooks/ssh/dropbear/environment\nfi\n"
	if err := os.WriteFile(filepath.Join(profileDir, "ssh-hook.sh"), []byte(profileScript), 0o644); err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to write /etc/profile.d/ssh-hook.sh")
	}

	wrapper := fmt.Sprintf("#!/bin/sh\nexec /opt/oci-hooks/ssh/dropbear/bin/dbclient -y -p %d \"$@\"\n", cfg.Port)
	if err := os.WriteFile(filepath.Join(cfg.RootfsDir, "usr", "bin", "ssh"), []byte(wrapper), 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, "failed to write /usr/bin/ssh wrapper")
	}
	return nil
}

func copyExecutable(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to read %s", src))
	}
	if err := os.WriteFile(dst, data, 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to write %s", dst))
	}
	return nil
}

func copyOwned(src, dst string, uid, gid uint32) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to read %s", src))
	}
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to write %s", dst))
	}
	return os.Chown(dst, int(uid), int(gid))
}

func writeEnvironmentFile(path string, env []string) error {
	var b strings.Builder
	for _, kv := range env {
		k, v := splitKV(kv)
		fmt.Fprintf(&b, "export %s=%q\n", k, v)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to write %s", path))
	}
	return nil
}

func splitKV(kv string) (string, string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

// Start launches dropbear chrooted into the container's rootfs, running as
// the container's own uid and gid. No-new-privs is not set on the process.
func Start(cfg DaemonConfig, containerPidfilePath string) (*os.Process, error) {
	args := []string{
		"-E",
		"-r", filepath.Join(cfg.SSHDir, HostKeyFile),
		"-p", strconv.Itoa(cfg.Port),
		"-P", containerPidfilePath,
	}
	cmd := exec.Command(filepath.Join("/opt", "oci-hooks", "ssh", "dropbear", "bin", "dropbear"), args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot:     cfg.RootfsDir,
		Credential: &syscall.Credential{Uid: cfg.ContainerUID, Gid: cfg.ContainerGID},
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.ExternalToolFailure, err, "failed to start dropbear")
	}
	apexlog.WithFields(apexlog.Fields{
		"stage": "createContainer",
		"pid":   cmd.Process.Pid,
		"port":  cfg.Port,
	}).Info("ssh hook: dropbear started")

	if cfg.PidfileHostPath != "" {
		hostCopy := filepath.Join(cfg.RootfsDir, strings.TrimPrefix(containerPidfilePath, "/"))
		if data, err := os.ReadFile(hostCopy); err == nil {
			_ = os.WriteFile(cfg.PidfileHostPath, data, 0o644)
		}
	}
	return cmd.Process, nil
}

// Stop reads the pid from pidfileHost, removes it, and signals the
// daemon's process group, falling back to the bare pid if that fails.
func Stop(pidfileHost string) error {
	data, err := os.ReadFile(pidfileHost)
	if err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to read pidfile %s", pidfileHost))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return errs.Wrap(errs.InvalidRequest, err, fmt.Sprintf("malformed pid in %s", pidfileHost))
	}
	os.Remove(pidfileHost)

	fields := apexlog.WithFields(apexlog.Fields{"stage": "poststop", "pid": pid})

	pgid, err := unix.Getpgid(pid)
	if err == nil {
		if killErr := unix.Kill(-pgid, unix.SIGTERM); killErr == nil {
			fields.Info("ssh hook: dropbear stopped")
			return nil
		}
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return errs.Wrap(errs.ExternalToolFailure, err, fmt.Sprintf("failed to terminate SSH daemon pid %d", pid))
	}
	fields.Info("ssh hook: dropbear stopped")
	return nil
}

// CheckUserHasSSHKeys exits the keygen mode's companion check: true iff the
// keyset is complete.
func CheckUserHasSSHKeys(keysDir string) bool {
	ok := HasSSHKeys(keysDir)
	if !ok {
		sylog.Debugf("ssh hook: incomplete keyset in %s", keysDir)
	}
	return ok
}
