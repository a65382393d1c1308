// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

// Package slurm implements the Slurm global-sync OCI hook: a barrier that
// lets every rank of a multi-node job rendezvous at container start and at
// container teardown, so that e.g. a parallel filesystem prestage step
// finishes on every node before any rank starts running.
package slurm

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	apexlog "github.com/apex/log"

	"github.com/eth-cscs/sarus/internal/pkg/errs"
)

// JobInfo is the Slurm job/step/rank identity read out of the bundle
// environment; any of these being unset disables the hook entirely.
type JobInfo struct {
	JobID  string
	StepID string
	NTasks int
	ProcID int
}

// JobInfoFromEnv extracts JobInfo from the container's environment,
// returning ok=false if the hook should be disabled because one of the
// four Slurm variables is missing.
func JobInfoFromEnv(env map[string]string) (JobInfo, bool) {
	jobID, ok1 := env["SLURM_JOB_ID"]
	stepID, ok2 := env["SLURM_STEPID"]
	nTasksStr, ok3 := env["SLURM_NTASKS"]
	procIDStr, ok4 := env["SLURM_PROCID"]
	if !ok1 || !ok2 || !ok3 || !ok4 || jobID == "" || stepID == "" || nTasksStr == "" || procIDStr == "" {
		return JobInfo{}, false
	}
	nTasks, err := strconv.Atoi(nTasksStr)
	if err != nil {
		return JobInfo{}, false
	}
	procID, err := strconv.Atoi(procIDStr)
	if err != nil {
		return JobInfo{}, false
	}
	return JobInfo{JobID: jobID, StepID: stepID, NTasks: nTasks, ProcID: procID}, true
}

// SyncDir returns the per-job rendezvous directory for one user.
func SyncDir(hookBaseDir, user string, job JobInfo) string {
	return filepath.Join(hookBaseDir, user, ".oci-hooks", "slurm-global-sync",
		fmt.Sprintf("jobid-%s-stepid-%s", job.JobID, job.StepID))
}

const pollInterval = 100 * time.Millisecond

// DefaultTimeout bounds how long a rank will wait at either barrier before
// giving up, so that one stuck or missing rank cannot wedge an entire job
// forever.
const DefaultTimeout = 10 * time.Minute

func jobFields(stage string, job JobInfo) *apexlog.Entry {
	return apexlog.WithFields(apexlog.Fields{
		"stage":  stage,
		"jobid":  job.JobID,
		"stepid": job.StepID,
		"rank":   job.ProcID,
	})
}

// Arrive creates this rank's arrival marker and blocks until every rank's
// marker is present (or timeout elapses).
func Arrive(syncDir string, job JobInfo, timeout time.Duration) error {
	fields := jobFields("createRuntime", job)
	if err := rendezvous(filepath.Join(syncDir, "arrival"), job, timeout); err != nil {
		return err
	}
	fields.Info("slurm hook: rank arrived at barrier")
	return nil
}

// Depart creates this rank's departure marker, blocks until every rank has
// departed, and (rank 0 only) removes the sync directory afterwards.
func Depart(syncDir string, job JobInfo, timeout time.Duration) error {
	fields := jobFields("poststop", job)
	departureDir := filepath.Join(syncDir, "departure")
	if err := rendezvous(departureDir, job, timeout); err != nil {
		return err
	}
	fields.Info("slurm hook: rank departed from barrier")
	if job.ProcID == 0 {
		if err := os.RemoveAll(syncDir); err != nil {
			return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to remove sync directory %s", syncDir))
		}
	}
	return nil
}

func rendezvous(dir string, job JobInfo, timeout time.Duration) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create sync directory %s", dir))
	}
	marker := filepath.Join(dir, fmt.Sprintf("slurm-procid-%d", job.ProcID))
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to create rendezvous marker %s", marker))
	}

	deadline := time.Now().Add(timeout)
	for {
		n, err := countMarkers(dir)
		if err != nil {
			return err
		}
		if n >= job.NTasks {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return errs.New(errs.InvariantViolation,
				fmt.Sprintf("timed out waiting for %d ranks to reach %s (only %d arrived)", job.NTasks, dir, n))
		}
		time.Sleep(pollInterval)
	}
}

func countMarkers(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errs.Wrap(errs.IoFailure, err, fmt.Sprintf("failed to list %s", dir))
	}
	return len(entries), nil
}
