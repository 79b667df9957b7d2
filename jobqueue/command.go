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

import (
	"time"

	"github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
	"github.com/rs/xid"
)

// Command is the fully assembled job scheduler invocation for one Job. It is
// owned by the Manager that created it.
type Command struct {
	ID               string
	Job              JobKey
	RunID            string
	Name             string
	ToolPath         string
	Parameters       []scheduler.Parameter
	ResourceCommands []scheduler.ProcessingCommand
	DependencyFlags  scheduler.DependencyFlags
	DependencyIDs    []scheduler.DependencyID
	ArrayIndices     []string
	Rendered         string
	Created          time.Time

	// Dummy commands are recorded but never submitted.
	Dummy bool
}

func newCommand(job JobKey, runID, name string) *Command {
	return &Command{
		ID:      xid.New().String(),
		Job:     job,
		RunID:   runID,
		Name:    name,
		Created: time.Now(),
	}
}

// submission gives what the scheduler needs to render this command.
func (c *Command) submission() *scheduler.Submission {
	return &scheduler.Submission{
		Name:         c.Name,
		ToolPath:     c.ToolPath,
		Parameters:   c.Parameters,
		Processing:   c.ResourceCommands,
		Dependencies: c.DependencyFlags,
		ArrayIndices: c.ArrayIndices,
	}
}

func (c *Command) String() string {
	if c.Dummy {
		return "Dummy: " + c.Rendered
	}
	return c.Rendered
}
