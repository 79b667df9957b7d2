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

// This file contains a backendi implementation for 'direct': running each
// job's tool synchronously on the host, with no job scheduler involved.

import (
	"strings"
	"time"

	"github.com/inconshreveable/log15"
)

// direct is our implementer of backendi
type direct struct {
	config *ConfigDirect
	hst    Host
	log15.Logger
}

// ConfigDirect represents the configuration options required by the direct
// scheduler.
type ConfigDirect struct {
	// Shell is the shell to run tools with; 'bash' is recommended.
	Shell string

	// Host is where tools are run. If nil, they're run on the local machine
	// using Shell.
	Host Host
}

// initialize just sets up our host.
func (s *direct) initialize(config interface{}, logger log15.Logger) error {
	c, ok := config.(*ConfigDirect)
	if !ok {
		return Error{Scheduler: "direct", Op: "initialize", Err: ErrBadConfig}
	}
	s.config = c
	s.Logger = logger.New("scheduler", "direct")
	s.hst = configHost(c.Host, c.Shell, s.Logger)
	return nil
}

func (s *direct) host() Host {
	return s.hst
}

func (s *direct) statusCacheTime() time.Duration {
	return 0
}

func (s *direct) submissionCommand() string {
	return ""
}

func (s *direct) executesWithoutJobSystem() bool {
	return true
}

// convertResources gives empty flags, since there's nothing to tell.
func (s *direct) convertResources(rs ResourceSet) ResourceFlags {
	return ""
}

// dependencyFlags gives empty flags; jobs run in submission order.
func (s *direct) dependencyFlags(deps []Dependency) DependencyFlags {
	return ""
}

// render gives "K=V K2=V2 tool", ignoring all scheduler flags.
func (s *direct) render(sub *Submission) string {
	parts := make([]string, 0, len(sub.Parameters)+1)
	for _, p := range sub.Parameters {
		parts = append(parts, p.Key+"="+shellQuote(p.Value))
	}
	parts = append(parts, sub.ToolPath)
	return strings.Join(parts, " ")
}

func (s *direct) parseJobID(output string) DependencyID {
	return DependencyID{Job: NoJob, Raw: strings.TrimSpace(output), Backend: "direct"}
}

// submitted never returns an error: the tool has already run, and running it
// again wouldn't help.
func (s *direct) submitted(id DependencyID, runErr error) (JobState, error) {
	if runErr != nil {
		s.Warn("job failed", "id", id.Raw, "err", runErr)
		return Failed, nil
	}
	return OK, nil
}

func (s *direct) statusCommand() string {
	return ""
}

func (s *direct) parseStatus(listing string) map[string]JobState {
	return make(map[string]JobState)
}

func (s *direct) probeCommand(id DependencyID) string {
	return ""
}

func (s *direct) parseProbe(output string) (int, bool) {
	return 0, false
}

func (s *direct) abortCommand(ids []DependencyID) string {
	return ""
}

func (s *direct) specificSettings() []Parameter {
	return nil
}

func (s *direct) logFileWildcard() string {
	return "*"
}

func (s *direct) directivePrefix() string {
	return ""
}

// rawCommands keeps the text for bookkeeping but never renders it.
func (s *direct) checkParameter(p Parameter) error { return nil }

func (s *direct) rawCommands(text string) []ProcessingCommand {
	return []ProcessingCommand{Raw{Text: text, Dummy: true}}
}
