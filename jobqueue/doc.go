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

/*
Package jobqueue drives the jobs of a workflow run through a job scheduler.

A Manager holds the jobs of one run in an arena, keyed by JobKey. You add jobs
(parents before children), then Run() them: each gets its resources and
dependencies translated to the job scheduler's flags, is submitted (retrying
if so configured), and gets the id the scheduler gave it. Jobs whose parents
never got a valid id are still submitted, just without those dependencies.

Job states are then tracked by polling the scheduler, either in the background
via CreateUpdateDaemon() or by blocking in WaitForJobsToFinish(). Listeners
are told of every state change. At the end, ExitCode() gives the number of
failed jobs, suitable for passing to os.Exit().

If configured with a HistoryFile, every state change is recorded, and the jobs
of an earlier run can be loaded back as read-out jobs, which can be inspected
but never run again.

    import (
        "github.com/VertebrateResequencing/batchq/jobqueue"
        "github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
    )

    m, err := jobqueue.NewManager(jobqueue.Config{
        SchedulerName:   "pbs",
        SchedulerConfig: &scheduler.ConfigPBS{Shell: "bash"},
        PollInterval:    30 * time.Second,
        HistoryFile:     "/home/username/.batchq/history.db",
    })
    defer m.Close()

    rs, err := scheduler.NewResourceSet(scheduler.SizeMedium, "4G", 2, 1, "2h", "", "")
    align, err := m.AddJob(jobqueue.Job{Name: "align", ToolPath: "/tools/align.sh", Resources: rs})
    call, err := m.AddJob(jobqueue.Job{
        Name:     "call",
        ToolPath: "/tools/call.sh",
        Parents:  []jobqueue.Edge{{Parent: align}},
    })
    for _, key := range []jobqueue.JobKey{align, call} {
        _, err = m.Run(ctx, key)
    }
    exitCode, err := m.WaitForJobsToFinish(ctx)
*/
package jobqueue
