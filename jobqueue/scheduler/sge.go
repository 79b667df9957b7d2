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

package scheduler

// This file contains a backendi implementation for 'sge': Grid Engine, which
// shares the qsub/qstat/qdel tool names with pbs but differs in flags and
// output formats. It reuses everything from pbs and swaps strategies.

import (
	"fmt"
	"strings"

	"github.com/inconshreveable/log15"
)

// sge is our implementer of backendi
type sge struct {
	pbs
}

// ConfigSGE represents the configuration options required by the SGE
// scheduler.
type ConfigSGE struct {
	ConfigPBS

	// StorageResource is the name of the resource used to request local disk.
	// Defaults to h_fsize.
	StorageResource string

	// NodeFlags enables rendering of nodes/cores and walltime requests, which
	// not all Grid Engine installations understand.
	NodeFlags bool
}

var sgeFlags = flagTable{
	name:       "-N",
	additional: "-S /bin/bash",
	joinLog:    "-j y",
	logDir:     "-o",
	email:      "-M",
	array:      "-t",
	env:        "-v",
}

var sgeDependencies = dependencyTable{
	param:      "-hold_jid",
	arrayParam: "-hold_jid_ad",
	optionSep:  " ",
	idSep:      ",",
	groupSep:   ",",
}

var sgeStates = stateVocabulary{
	"qw":   Queued,
	"hqw":  Hold,
	"hRwq": Hold,
	"r":    Running,
	"t":    Running,
	"Rr":   Running,
	"Rt":   Running,
	"s":    Hold,
	"S":    Hold,
	"T":    Hold,
	"Eqw":  Failed,
}

// initialize sets up pbs, then replaces what sge does differently.
func (s *sge) initialize(config interface{}, logger log15.Logger) error {
	c, ok := config.(*ConfigSGE)
	if !ok {
		return Error{Scheduler: "sge", Op: "initialize", Err: ErrBadConfig}
	}
	s.setup("sge", &c.ConfigPBS, "s_data", logger)

	storage := c.StorageResource
	if storage == "" {
		storage = "h_fsize"
	}

	s.flags = sgeFlags
	s.deps = sgeDependencies
	s.resources = resourceRenderer{
		lead:     "-V",
		memory:   memoryFlag(s.config.MemoryResource),
		nodes:    noFlag,
		walltime: noFlag,
		storage:  storageFlag(storage),
		queue:    queueFlag,
	}
	if c.NodeFlags {
		s.resources.nodes = nodesFlag
		s.resources.walltime = sgeWalltimeFlag
	}
	s.jobID = sgeJobID
	s.states = sgeStates
	accounting := s.config.AccountingExe
	s.probe = func(id DependencyID) string {
		return accounting + " -j " + id.ShortID()
	}
	s.settings = []Parameter{
		{Key: "BATCHQ_JOBID", Value: "${JOB_ID-}"},
		{Key: "BATCHQ_SCRATCH", Value: "/tmp/batchqScratch/${JOB_ID}"},
		{Key: "BATCHQ_AUTOCLEANUP_SCRATCH", Value: "true"},
	}
	s.directive = ""
	s.raw = nil
	return nil
}

// sgeJobID extracts the id from output like 'Your job 123 ("name") has been
// submitted' or 'Your job-array 123.1-10:1 ("name") has been submitted'.
func sgeJobID(output string) string {
	out := strings.TrimSpace(output)
	if !strings.HasPrefix(out, "Your job") {
		return ""
	}
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return ""
	}
	return fields[2]
}

// sgeWalltimeFlag renders HH:MM, with days folded in to hours.
func sgeWalltimeFlag(rs ResourceSet) string {
	if !rs.WalltimeSet() {
		return ""
	}
	days, hours, mins, _ := splitWalltime(rs.Walltime)
	return fmt.Sprintf("-l walltime=%02d:%02d", days*24+hours, mins)
}

func storageFlag(resource string) func(ResourceSet) string {
	return func(rs ResourceSet) string {
		if !rs.StorageSet() {
			return ""
		}
		return fmt.Sprintf("-l %s=%dM", resource, rs.StorageMB())
	}
}
