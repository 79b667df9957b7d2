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
	"time"

	"github.com/spf13/cobra"
)

// options for this cmd
var killTimeout int

// killCmd represents the kill command
var killCmd = &cobra.Command{
	Use:   "kill [run id]",
	Short: "Kill the unfinished jobs of a run",
	Long: `Kill the unfinished jobs of a run.

Every job of the given run (by default the most recent run) that hadn't
finished when batchq last looked at it is killed with the job scheduler's kill
command (eg. qdel). Jobs that have already finished are left alone, as are
jobs the job scheduler has forgotten about.

Killing is best effort: the job scheduler may take a while to actually stop the
jobs, and failures are only reported, not retried.`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) > 1 {
			die("you can only supply one run id")
		}

		logger := setupLogging(debug)
		m := newManager("", logger)
		defer m.Close()

		runID := ""
		if len(args) == 1 {
			runID = args[0]
		}
		runID = resolveRunID(m, runID)

		keys, err := m.LoadReadOutJobs(runID)
		if err != nil {
			die("%s", err)
		}

		ids := unfinished(m, keys)
		if len(ids) == 0 {
			info("run %s has no unfinished jobs", runID)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(killTimeout)*time.Second)
		defer cancel()
		err = m.Scheduler().Abort(ctx, ids)
		if err != nil {
			warn("not all jobs could be killed: %s", err)
			return
		}
		info("asked the job scheduler to kill %d jobs of run %s", len(ids), runID)
	},
}

func init() {
	RootCmd.AddCommand(killCmd)

	// flags specific to this sub-command
	killCmd.Flags().IntVar(&killTimeout, "timeout", 120, "how long (seconds) to wait for the job scheduler to reply")
}
