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
Package main is a stub for batchq's command line interface, with the actual
implementation in the cmd package.

batchq submits workflows to batch job schedulers. You describe the jobs you want
to run, what resources they need and how they depend on each other, and batchq
turns that in to the right qsub invocations for your PBS or SGE cluster, keeps
track of the jobs until they finish, and records everything it did so you can
look back on past runs.

Basics

Describe your workflow in a TOML file (see `batchq submit --help` for the
format), then:

    batchq submit workflow.toml

batchq exits with the number of jobs that failed, so it can be used as a step in
larger pipelines. Check on runs later with:

    batchq history
    batchq status [run id]

Package Overview

The jobqueue/scheduler package knows how to talk to each supported job
scheduler: how a set of resource requirements and a set of job dependencies are
expressed as command line flags, how to submit, how to read job states from the
scheduler's listings and how to kill jobs. The "direct" scheduler runs commands
itself without any job scheduler.

The jobqueue package builds on that to manage a whole workflow: it keeps the
jobs and their dependency graph, submits them (retrying failures if configured
to), polls the job scheduler until they finish, works out the overall exit code
and records every state change in an on-disk history.

The ssh package lets job scheduler commands be run on a remote submission host.

The internal package contains general utility functions, and most notably
config.go holds the code for how the command line interface deals with config
options.
*/
package main

import (
	"github.com/VertebrateResequencing/batchq/cmd"
)

func main() {
	cmd.Execute()
}
