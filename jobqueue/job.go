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

package jobqueue

// This file contains the job related code.

import (
	"fmt"
	"time"

	"github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
)

// JobKey is a job's stable index in its Manager's arena of jobs.
type JobKey int

// NoJob is the JobKey of no job at all.
const NoJob JobKey = scheduler.NoJob

// JobType distinguishes ordinary jobs from the parts of array jobs.
type JobType int

// The JobTypes. An array head is the single submission of an array job; its
// children are created later with Manager.ArrayChild().
const (
	JobTypeStandard JobType = iota
	JobTypeArrayHead
	JobTypeArrayChild
)

func (t JobType) String() string {
	switch t {
	case JobTypeArrayHead:
		return "ARRAY_HEAD"
	case JobTypeArrayChild:
		return "ARRAY_CHILD"
	}
	return "STANDARD"
}

// Edge is a dependency of a job on one of its parents.
type Edge struct {
	// Parent is the key of the job depended upon. It must have been added to
	// the Manager before the child.
	Parent JobKey

	// Type is the dependency type of this edge. Empty means the job's
	// DependencyOverride (if any) or else afterok.
	Type scheduler.DependencyType

	// ArrayIndex, if set and the parent is an array job, makes this edge
	// depend on just that sub-job of the parent.
	ArrayIndex string
}

// Job is a struct that represents a step of a workflow that needs to be run
// via the job scheduler, and some associated metadata. Jobs you get back from
// a Manager are copies: changing them has no effect.
type Job struct {
	// Key is assigned by Manager.AddJob().
	Key JobKey

	// Name is the job name given to the job scheduler.
	Name string

	// ToolID identifies the tool in the workflow's configuration.
	ToolID string

	// ToolPath is the script or command line the job runs.
	ToolPath string

	// Parameters are passed to the tool as environment variables, in order.
	Parameters []scheduler.Parameter

	// Parents are the jobs this one depends on, in order. The graph of jobs
	// must be acyclic; this is not checked.
	Parents []Edge

	// Resources are what the job wants from the job scheduler.
	Resources scheduler.ResourceSet

	// ProcessingCommands are extra flags or a DependencyOverride.
	ProcessingCommands []scheduler.ProcessingCommand

	// ArrayIndices, if set, make this an array job.
	ArrayIndices []string

	Type JobType

	// ArrayParent is the head of the array this job is a child of, or NoJob.
	ArrayParent JobKey

	// ID is the job scheduler's identifier for the job once submitted.
	ID scheduler.DependencyID

	// State is the job's last known state.
	State scheduler.JobState

	// Submitted and Finished are when the job was submitted and when it was
	// first seen in a terminal state.
	Submitted time.Time
	Finished  time.Time

	readOut bool
}

// IsReadOut tells you if this job was reconstructed from history. Such jobs
// can't be run.
func (j *Job) IsReadOut() bool {
	return j.readOut
}

// String is for logging.
func (j *Job) String() string {
	return fmt.Sprintf("job %d (%s) %s [%s]", j.Key, j.Name, j.ID.ShortID(), j.State)
}

// clone makes a copy of the job that shares nothing mutable with it.
func (j *Job) clone() Job {
	c := *j
	c.Parameters = append([]scheduler.Parameter(nil), j.Parameters...)
	c.Parents = append([]Edge(nil), j.Parents...)
	c.ProcessingCommands = append([]scheduler.ProcessingCommand(nil), j.ProcessingCommands...)
	c.ArrayIndices = append([]string(nil), j.ArrayIndices...)
	return c
}

// parameter returns the value of the named parameter, if set.
func (j *Job) parameter(key string) (string, bool) {
	for _, p := range j.Parameters {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// runtime is how long the job took from submission to finishing.
func (j *Job) runtime() (time.Duration, bool) {
	if j.Submitted.IsZero() || j.Finished.IsZero() {
		return 0, false
	}
	return j.Finished.Sub(j.Submitted), true
}
