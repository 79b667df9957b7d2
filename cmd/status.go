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
	"io"
	"os"
	"strings"
	"time"

	"github.com/VertebrateResequencing/batchq/jobqueue"
	"github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// options for this cmd
var statusQuery bool
var statusTimeout int

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [run id]",
	Short: "Get the status of the jobs of a run",
	Long: `Get the status of the jobs of a run.

Shows the last recorded state of every job of the given run (by default the
most recent run), along with its job scheduler id and how long it took.

Jobs that hadn't finished when batchq last looked at them are shown as
UNKNOWN_READOUT. With --query the job scheduler is asked about those jobs, and
its answer is shown in the LIVE column.`,
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

		var live map[string]scheduler.JobState
		if statusQuery {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(statusTimeout)*time.Second)
			live, err = queryUnfinished(ctx, m, keys)
			cancel()
			if err != nil {
				warn("could not query the job scheduler: %s", err)
			}
		}

		fmt.Printf("run %s\n", runID)
		printJobTable(os.Stdout, m, keys, live)
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)

	// flags specific to this sub-command
	statusCmd.Flags().BoolVarP(&statusQuery, "query", "q", false, "ask the job scheduler about unfinished jobs")
	statusCmd.Flags().IntVar(&statusTimeout, "timeout", 120, "how long (seconds) to wait for the job scheduler to reply")
}

// resolveRunID returns runID, or the most recent run if runID is empty. Dies
// if there are no runs.
func resolveRunID(m *jobqueue.Manager, runID string) string {
	if runID != "" {
		return runID
	}
	runs, err := m.History().Runs()
	if err != nil {
		die("could not read the history: %s", err)
	}
	if len(runs) == 0 {
		die("no runs have been recorded")
	}
	return runs[len(runs)-1].RunID
}

// unfinished gives the ids of the given read-out jobs whose state is unknown.
func unfinished(m *jobqueue.Manager, keys []jobqueue.JobKey) []scheduler.DependencyID {
	var ids []scheduler.DependencyID
	for _, key := range keys {
		job, found := m.Job(key)
		if found && job.State == scheduler.UnknownReadOut && job.ID.IsValid() {
			ids = append(ids, job.ID)
		}
	}
	return ids
}

// queryUnfinished asks the job scheduler about read-out jobs of unknown state.
// Jobs it no longer lists are absent from the result.
func queryUnfinished(ctx context.Context, m *jobqueue.Manager, keys []jobqueue.JobKey) (map[string]scheduler.JobState, error) {
	ids := unfinished(m, keys)
	if len(ids) == 0 {
		return nil, nil
	}
	return m.Scheduler().QueryJobStatus(ctx, ids)
}

// stateColour gives a function that colours a state name.
func stateColour(state scheduler.JobState) func(a ...interface{}) string {
	switch {
	case state == scheduler.OK:
		return color.New(color.FgGreen).SprintFunc()
	case state == scheduler.Failed || state == scheduler.FailedPossible:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	case state.IsPlannedOrRunning():
		return color.New(color.FgYellow).SprintFunc()
	case state.IsUnknown():
		return color.New(color.FgMagenta).SprintFunc()
	}
	return fmt.Sprint
}

func printJobTable(w io.Writer, m *jobqueue.Manager, keys []jobqueue.JobKey, live map[string]scheduler.JobState) {
	table := tablewriter.NewWriter(w)
	header := []string{"Job", "ID", "State", "Submitted", "Runtime"}
	if live != nil {
		header = append(header, "Live")
	}
	table.SetHeader(header)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, key := range keys {
		job, found := m.Job(key)
		if !found {
			continue
		}
		submitted, runtime := "-", "-"
		if !job.Submitted.IsZero() {
			submitted = job.Submitted.Format("2006-01-02 15:04:05")
			if !job.Finished.IsZero() {
				runtime = job.Finished.Sub(job.Submitted).Round(time.Second).String()
			}
		}
		row := []string{job.Name, job.ID.ShortID(), stateColour(job.State)(job.State.String()), submitted, runtime}
		if live != nil {
			liveState := ""
			if job.State == scheduler.UnknownReadOut {
				if state, listed := live[job.ID.ShortID()]; listed {
					liveState = stateColour(state)(state.String())
				} else {
					liveState = "not listed"
				}
			}
			row = append(row, liveState)
		}
		table.Append(row)
	}
	table.Render()
}

// describeCounts summarises state counts like "3 OK, 1 FAILED".
func describeCounts(states map[scheduler.JobState]int) string {
	var parts []string
	for state := scheduler.Unstarted; state <= scheduler.FailedPossible; state++ {
		if n := states[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, stateColour(state)(state.String())))
		}
	}
	return strings.Join(parts, ", ")
}
