// Sarus
//
// Copyright (c) 2018-2023, ETH Zurich. All rights reserved.
//
// Please, refer to the LICENSE file in the root directory.
// SPDX-License-Identifier: BSD-3-Clause

package slurm

import (
	"sync"
	"testing"
	"time"
)

func TestJobInfoFromEnvMissingVariableDisablesHook(t *testing.T) {
	_, ok := JobInfoFromEnv(map[string]string{"SLURM_JOB_ID": "1"})
	if ok {
		t.Fatal("expected hook to be disabled when most Slurm vars are missing")
	}
}

func TestJobInfoFromEnv(t *testing.T) {
	env := map[string]string{
		"SLURM_JOB_ID": "123",
		"SLURM_STEPID": "0",
		"SLURM_NTASKS": "2",
		"SLURM_PROCID": "1",
	}
	job, ok := JobInfoFromEnv(env)
	if !ok {
		t.Fatal("expected hook to be enabled")
	}
	if job.JobID != "123" || job.StepID != "0" || job.NTasks != 2 || job.ProcID != 1 {
		t.Errorf("unexpected job info: %+v", job)
	}
}

func TestArriveBlocksUntilAllRanksPresent(t *testing.T) {
	syncDir := t.TempDir()
	job0 := JobInfo{JobID: "1", StepID: "0", NTasks: 2, ProcID: 0}
	job1 := JobInfo{JobID: "1", StepID: "0", NTasks: 2, ProcID: 1}

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = Arrive(syncDir, job0, 2*time.Second) }()
	go func() {
		defer wg.Done()
		time.Sleep(150 * time.Millisecond)
		results[1] = Arrive(syncDir, job1, 2*time.Second)
	}()
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Errorf("rank %d: Arrive returned error: %v", i, err)
		}
	}
}

func TestArriveTimesOutIfNotEnoughRanks(t *testing.T) {
	syncDir := t.TempDir()
	job := JobInfo{JobID: "1", StepID: "0", NTasks: 2, ProcID: 0}
	if err := Arrive(syncDir, job, 200*time.Millisecond); err == nil {
		t.Fatal("expected timeout error waiting for a rank that never arrives")
	}
}
