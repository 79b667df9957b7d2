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
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// options for this cmd
var historyLimit int

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past runs",
	Long: `List past runs, most recent last.

For each run you see when it started, how many jobs it had, how many of them
ended up in each state, and the mean runtime (± standard deviation) of its
finished jobs.

Use 'batchq status [run id]' to see the details of a particular run.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := setupLogging(debug)
		m := newManager("", logger)
		defer m.Close()

		runs, err := m.History().Runs()
		if err != nil {
			die("could not read the history: %s", err)
		}
		if historyLimit > 0 && len(runs) > historyLimit {
			runs = runs[len(runs)-historyLimit:]
		}
		if len(runs) == 0 {
			info("no runs have been recorded")
			return
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Run", "Started", "Jobs", "States", "Runtime"})
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, run := range runs {
			summary, errs := m.History().Summary(run.RunID)
			if errs != nil {
				warn("could not summarise run %s: %s", run.RunID, errs)
				continue
			}
			runtime := "-"
			if summary.MeanRuntime > 0 {
				runtime = fmt.Sprintf("%s ± %s", summary.MeanRuntime.Round(time.Second), summary.StdDevRuntime.Round(time.Second))
			}
			table.Append([]string{run.RunID, run.Created.Format("2006-01-02 15:04:05"), fmt.Sprintf("%d", summary.Jobs), describeCounts(summary.States), runtime})
		}
		table.Render()
	},
}

func init() {
	RootCmd.AddCommand(historyCmd)

	// flags specific to this sub-command
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "show only this many of the most recent runs; 0 shows all")
}
