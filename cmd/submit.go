// Copyright © 2021 Genome Research Limited
//
//  This file is part of batchq.
//
//  batchq is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  batchq is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with batchq. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VertebrateResequencing/batchq/jobqueue"
	"github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
	"github.com/spf13/cobra"
)

// options for this cmd
var submitNoWait bool
var submitDummy bool
var submitKillOnInterrupt bool

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit workflow.toml",
	Short: "Submit the jobs of a workflow",
	Long: `Submit the jobs of a workflow to the configured job scheduler.

The workflow is described in a TOML file with a [[job]] table for each job, in
an order where jobs come after the jobs they depend on:

    dataset = "patient1"          # optional; jobs get names like
                                  # r210314_093000_patient1_align

    [parameters]                  # environment for every job
    REF = "/refs/hg38.fa"

    [[job]]
    name = "align"
    tool = "/tools/align.sh"      # script or command line to run
    size = "m"                    # t, s, m, l or xl; informational
    memory = "4G"
    cores = 2
    nodes = 1
    walltime = "2h"
    storage = "20G"               # sge only
    queue = "long"
    options = "-A myproject"      # passed through to qsub as-is
    directives = true             # also use #PBS lines in the tool script
    array = ["1", "2", "3"]       # make this an array job

    [job.parameters]              # environment for just this job
    THREADS = "2"

    [[job]]
    name = "call"
    tool = "/tools/call.sh"
    after = ["align"]             # parent jobs
    dependency = "afterok"        # after, afterok, afterfail, before or
                                  # beforeok

Each job is submitted with flags requesting its resources and making it depend
on the jobs it comes after. If a parent couldn't be submitted, the child is
still submitted, just without that dependency.

batchq then waits for all the jobs to finish, and exits with the number of jobs
that failed (up to 250). If the job scheduler can't be queried while waiting it
exits 251, and if nothing could be submitted at all, 252. With --no_wait it
exits as soon as everything is submitted; use 'batchq status' to check on the
run later.

With --dummy nothing is submitted, but the commands that would be are printed.`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			die("you must supply a single workflow file")
		}

		wf, err := loadWorkflow(args[0])
		if err != nil {
			die("bad workflow file: %s", err)
		}

		logger := setupLogging(debug)
		m := newManager("", logger)

		code := submitWorkflow(m, wf)
		err = m.Close()
		if err != nil {
			warn("closing the history failed: %s", err)
		}
		os.Exit(code)
	},
}

func init() {
	RootCmd.AddCommand(submitCmd)

	// flags specific to this sub-command
	submitCmd.Flags().BoolVar(&submitNoWait, "no_wait", false, "exit once all jobs are submitted")
	submitCmd.Flags().BoolVar(&submitDummy, "dummy", false, "print the commands instead of submitting them")
	submitCmd.Flags().BoolVarP(&submitKillOnInterrupt, "kill", "k", false, "kill submitted jobs if interrupted while waiting")
}

// submitWorkflow submits (and waits for) the workflow's jobs, returning the
// exit code we should exit with.
func submitWorkflow(m *jobqueue.Manager, wf *workflow) int {
	keys, err := addWorkflow(m, wf, time.Now())
	if err != nil {
		warn("%s", err)
		return jobqueue.ExitSubmissionFailed
	}
	info("run %s has %d jobs", m.RunID(), len(keys))

	if submitDummy {
		for _, key := range keys {
			c, errd := m.CreateDummyCommand(key)
			if errd != nil {
				warn("%s", errd)
				continue
			}
			fmt.Println(c.String())
		}
		return 0
	}

	return submitJobs(m, keys)
}

// submitJobs submits (and waits for) jobs already added to the Manager,
// returning the exit code we should exit with.
func submitJobs(m *jobqueue.Manager, keys []jobqueue.JobKey) int {
	m.AddListener(jobqueue.ListenerFunc(func(job jobqueue.Job, oldState, newState scheduler.JobState) {
		info("%s (%s): %s => %s", job.Name, job.ID, oldState, newState)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			warn("interrupted")
			cancel()
		case <-ctx.Done():
		}
	}()

	submitted := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		_, err := m.Run(ctx, key)
		if err != nil {
			warn("%s", err)
			continue
		}
		submitted++
	}
	if submitted == 0 {
		return jobqueue.ExitSubmissionFailed
	}

	if submitNoWait {
		info("all jobs submitted; check on them with: batchq status %s", m.RunID())
		return 0
	}

	code, err := m.WaitForJobsToFinish(ctx)
	if err != nil {
		warn("%s", err)
		if ctx.Err() != nil && submitKillOnInterrupt {
			killCtx, killCancel := context.WithTimeout(context.Background(), 2*time.Minute)
			m.QueryJobAbortion(killCtx, keys)
			killCancel()
		}
	}
	return code
}
