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

// this file reads workflow descriptions and turns them in to jobs

import (
	"fmt"
	"sort"
	"time"

	"github.com/VertebrateResequencing/batchq/jobqueue"
	"github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
	"github.com/pelletier/go-toml"
)

// workflowJob is one [[job]] table of a workflow file.
type workflowJob struct {
	Name       string            `toml:"name"`
	Tool       string            `toml:"tool"`
	Size       string            `toml:"size"`
	Memory     string            `toml:"memory"`
	Cores      int               `toml:"cores"`
	Nodes      int               `toml:"nodes"`
	Walltime   string            `toml:"walltime"`
	Storage    string            `toml:"storage"`
	Queue      string            `toml:"queue"`
	Options    string            `toml:"options"`
	Directives bool              `toml:"directives"`
	Dependency string            `toml:"dependency"`
	After      []string          `toml:"after"`
	Array      []string          `toml:"array"`
	Parameters map[string]string `toml:"parameters"`
}

// workflow is the content of a workflow file, eg.
//
//     dataset = "patient1"
//
//     [parameters]
//     REF = "/refs/hg38.fa"
//
//     [[job]]
//     name = "align"
//     tool = "/tools/align.sh"
//     memory = "4G"
//     cores = 2
//     walltime = "2h"
//
//     [[job]]
//     name = "call"
//     tool = "/tools/call.sh"
//     after = ["align"]
type workflow struct {
	Dataset    string            `toml:"dataset"`
	Parameters map[string]string `toml:"parameters"`
	Jobs       []workflowJob     `toml:"job"`
}

// loadWorkflow reads and checks a workflow file.
func loadWorkflow(path string) (*workflow, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, err
	}
	wf := &workflow{}
	if err = tree.Unmarshal(wf); err != nil {
		return nil, err
	}

	if len(wf.Jobs) == 0 {
		return nil, fmt.Errorf("%s defines no jobs", path)
	}
	seen := make(map[string]bool, len(wf.Jobs))
	for i, j := range wf.Jobs {
		if j.Name == "" {
			return nil, fmt.Errorf("job %d has no name", i+1)
		}
		if seen[j.Name] {
			return nil, fmt.Errorf("job name %s is used more than once", j.Name)
		}
		if j.Tool == "" {
			return nil, fmt.Errorf("job %s has no tool", j.Name)
		}
		if j.Dependency != "" && !scheduler.DependencyType(j.Dependency).Valid() {
			return nil, fmt.Errorf("job %s has unknown dependency type %s", j.Name, j.Dependency)
		}
		for _, parent := range j.After {
			if !seen[parent] {
				return nil, fmt.Errorf("job %s is after %s, which must be defined before it", j.Name, parent)
			}
		}
		seen[j.Name] = true
	}
	return wf, nil
}

// sortedParameters turns maps of parameters in to a stable list, with
// job-specific values overriding shared ones.
func sortedParameters(maps ...map[string]string) []scheduler.Parameter {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]scheduler.Parameter, len(keys))
	for i, k := range keys {
		params[i] = scheduler.Parameter{Key: k, Value: merged[k]}
	}
	return params
}

// addWorkflow adds the workflow's jobs to the Manager, returning their keys in
// file order.
func addWorkflow(m *jobqueue.Manager, wf *workflow, runTime time.Time) ([]jobqueue.JobKey, error) {
	sched := m.Scheduler()
	keys := make([]jobqueue.JobKey, 0, len(wf.Jobs))
	byName := make(map[string]jobqueue.JobKey, len(wf.Jobs))

	for _, wj := range wf.Jobs {
		rs, err := scheduler.NewResourceSet(scheduler.SizeClass(wj.Size), wj.Memory, wj.Cores, wj.Nodes, wj.Walltime, wj.Storage, wj.Queue)
		if err != nil {
			return nil, fmt.Errorf("job %s: %s", wj.Name, err)
		}

		pcs := sched.ParseProcessingCommands(wj.Options)
		if wj.Directives {
			directives, errd := sched.ExtractProcessingCommands(wj.Tool)
			if errd != nil {
				return nil, fmt.Errorf("job %s: %s", wj.Name, errd)
			}
			pcs = append(pcs, directives...)
		}
		if wj.Dependency != "" {
			pcs = append(pcs, scheduler.DependencyOverride(wj.Dependency))
		}

		name := wj.Name
		if wf.Dataset != "" {
			name = jobqueue.CreateJobName(runTime, wf.Dataset, wj.Name)
		}

		job := jobqueue.Job{
			Name:               name,
			ToolID:             wj.Name,
			ToolPath:           wj.Tool,
			Parameters:         sortedParameters(wf.Parameters, wj.Parameters),
			Resources:          rs,
			ProcessingCommands: pcs,
			ArrayIndices:       wj.Array,
		}
		for _, parent := range wj.After {
			job.Parents = append(job.Parents, jobqueue.Edge{Parent: byName[parent]})
		}

		key, err := m.AddJob(job)
		if err != nil {
			return nil, err
		}
		byName[wj.Name] = key
		keys = append(keys, key)
	}
	return keys, nil
}
