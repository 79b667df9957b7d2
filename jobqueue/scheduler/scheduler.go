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
Package scheduler turns abstract job descriptions in to the command lines of a
particular batch job scheduler, and turns the scheduler's textual responses
back in to job ids and job states.

Currently implemented schedulers are PBS (Torque-style qsub/qstat/qdel), SGE
(Grid Engine qsub/qstat/qdel) and direct, which just runs the job's command
synchronously without any job scheduler. The implementation of each supported
scheduler type is in its own .go file; sge is a thin specialization of pbs.

Each implementation is made up of small per-concern strategies (resource
rendering, dependency rendering, id parsing and status parsing), so supporting
a new scheduler that is similar to an existing one means swapping only the
strategies that differ. To "register" a new backendi implementation you must
add a case for it to New() and rebuild.

    import "github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
    s, err := scheduler.New("pbs", &scheduler.ConfigPBS{Shell: "bash"})
    rs, err := scheduler.NewResourceSet(scheduler.SizeSmall, "1G", 2, 1, "1h", "", "")
    sub := &scheduler.Submission{
        ToolPath:   "/path/to/tool.sh",
        Processing: []scheduler.ProcessingCommand{s.ConvertResourceSet(rs)},
    }
    id, state, err := s.Submit(ctx, s.Render(sub))
    states, err := s.QueryJobStatus(ctx, []scheduler.DependencyID{id})
*/
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/inconshreveable/log15"
	"github.com/patrickmn/go-cache"
)

const (
	defaultShell           = "bash"
	defaultStatusCacheTime = 1 * time.Second
	statusCacheKey         = "listing"
	abortBatchSize         = 100
)

// Err* constants are found in the returned Errors under err.Err, so you can
// cast and check if it's a certain type of error.
var (
	ErrBadScheduler = "unknown scheduler name"
	ErrBadConfig    = "wrong config type for scheduler"
	ErrSubmission   = "submission command failed"
	ErrBadJobID     = "could not parse a job id from submission output"
	ErrStatusQuery  = "status query failed"
	ErrAbort        = "abort command failed"
	ErrBadParameter = "parameter value can't be passed to the job scheduler"
)

// Error records an error and the operation and scheduler that caused it.
type Error struct {
	Scheduler string // the scheduler's Name
	Op        string // name of the method
	Err       string // one of our Err* vars
	Detail    string // stderr or other context, may be empty
}

func (e Error) Error() string {
	msg := "scheduler(" + e.Scheduler + ") " + e.Op + "(): " + e.Err
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Host interface lets us run a command on a local or remote host.
type Host interface {
	// RunCmd runs the given cmd on the host, optionally in the background,
	// cancellable with the context, returning stdout, stderr from the command,
	// or an error if running the command wasn't possible or it exited non-0.
	RunCmd(ctx context.Context, cmd string, background bool) (stdout, stderr string, err error)
}

// Parameter is a single key=value pair passed to a job's tool through its
// environment.
type Parameter struct {
	Key   string
	Value string
}

// Dependency is an edge to a parent job, as needed to render dependency flags.
type Dependency struct {
	ID   DependencyID
	Type DependencyType // empty means DefaultDependency
}

// Submission holds everything needed to render a single submission command
// line.
type Submission struct {
	Name         string
	ToolPath     string
	Parameters   []Parameter
	Processing   []ProcessingCommand
	Dependencies DependencyFlags
	ArrayIndices []string
}

// backendi interface must be satisfied to add support for a particular job
// scheduler.
type backendi interface {
	initialize(config interface{}, logger log15.Logger) error // do any initial set up to be able to use the job scheduler
	host() Host                                              // where commands are run
	statusCacheTime() time.Duration                          // how long a status listing stays fresh
	submissionCommand() string                               // the submission binary, empty if none
	executesWithoutJobSystem() bool                          // true if jobs run synchronously without a scheduler
	convertResources(rs ResourceSet) ResourceFlags           // achieve the aims of ConvertResourceSet()
	dependencyFlags(deps []Dependency) DependencyFlags       // render already validated dependencies
	render(sub *Submission) string                           // achieve the aims of Render()
	parseJobID(output string) DependencyID                   // achieve the aims of ParseJobID()
	submitted(id DependencyID, runErr error) (JobState, error)
	statusCommand() string                              // command giving a tabular status listing, empty if none
	parseStatus(listing string) map[string]JobState     // keyed on short id
	probeCommand(id DependencyID) string                // command giving a finished job's exit code, empty if unsupported
	parseProbe(output string) (int, bool)               // exit code from the probe output
	abortCommand(ids []DependencyID) string             // command that kills the given jobs, empty if not possible
	specificSettings() []Parameter                      // achieve the aims of SpecificSettings()
	logFileWildcard() string                            // achieve the aims of LogFileWildcard()
	directivePrefix() string                            // prefix of directive lines in tool scripts, empty if unsupported
	rawCommands(text string) []ProcessingCommand        // achieve the aims of ParseProcessingCommands()
	checkParameter(p Parameter) error                   // error if p can't be rendered faithfully
}

// Scheduler gives you access to all of the methods you'll need to interact with
// a job scheduler.
type Scheduler struct {
	impl     backendi
	Name     string
	listings *cache.Cache
	log15.Logger
}

// New creates a new Scheduler to interact with the given job scheduler.
// Possible names so far are "pbs", "sge" and "direct". You must also provide a
// config struct appropriate for your chosen scheduler, eg. for the sge
// scheduler you will provide a *ConfigSGE.
//
// Providing a logger allows for debug messages to be logged somewhere, along
// with any "harmless" or unreturnable errors. If not supplied, we use a default
// logger that discards all log messages.
func New(name string, config interface{}, logger ...log15.Logger) (*Scheduler, error) {
	var s *Scheduler
	switch name {
	case "pbs":
		s = &Scheduler{impl: new(pbs)}
	case "sge":
		s = &Scheduler{impl: new(sge)}
	case "direct":
		s = &Scheduler{impl: new(direct)}
	default:
		return nil, Error{Scheduler: name, Op: "New", Err: ErrBadScheduler}
	}

	var l log15.Logger
	if len(logger) == 1 {
		l = logger[0].New()
	} else {
		l = log15.New()
		l.SetHandler(log15.DiscardHandler())
	}
	s.Logger = l

	s.Name = name
	err := s.impl.initialize(config, l)
	if err != nil {
		return nil, err
	}

	ttl := s.impl.statusCacheTime()
	if ttl <= 0 {
		ttl = defaultStatusCacheTime
	}
	s.listings = cache.New(ttl, 10*ttl)

	return s, nil
}

// SubmissionCommand returns the name of the scheduler's submission binary, or
// the empty string if jobs are executed without a job system.
func (s *Scheduler) SubmissionCommand() string {
	return s.impl.submissionCommand()
}

// ExecutesWithoutJobSystem is true if jobs are run synchronously by Submit(),
// in which case their final state is known as soon as Submit() returns.
func (s *Scheduler) ExecutesWithoutJobSystem() bool {
	return s.impl.executesWithoutJobSystem()
}

// ConvertResourceSet renders the resource flags for the given ResourceSet. An
// empty or unsupported ResourceSet gives empty flags.
func (s *Scheduler) ConvertResourceSet(rs ResourceSet) ResourceFlags {
	return s.impl.convertResources(rs)
}

// TranslateDependencies renders dependency flags for the given parent edges.
// Parents with invalid ids are skipped and logged. The ids of the parents that
// were used are also returned; if there are none, the flags are empty.
//
// override, if valid, replaces the dependency type of every edge that doesn't
// set its own.
func (s *Scheduler) TranslateDependencies(parents []Dependency, override DependencyType) (DependencyFlags, []DependencyID) {
	valid := make([]Dependency, 0, len(parents))
	ids := make([]DependencyID, 0, len(parents))
	for _, dep := range parents {
		if !dep.ID.IsValid() {
			s.Debug("skipping unresolved dependency", "parent", dep.ID.Raw)
			continue
		}
		if dep.Type == "" || !dep.Type.Valid() {
			dep.Type = DefaultDependency
			if override.Valid() {
				dep.Type = override
			}
		}
		valid = append(valid, dep)
		ids = append(ids, dep.ID)
	}
	if len(valid) == 0 {
		return "", ids
	}
	return s.impl.dependencyFlags(valid), ids
}

// Render gives the complete shell command line for the given Submission.
func (s *Scheduler) Render(sub *Submission) string {
	return s.impl.render(sub)
}

// ParseJobID extracts a DependencyID from the output of a submission command.
// If the output can't be understood, the returned id is not valid.
func (s *Scheduler) ParseJobID(output string) DependencyID {
	return s.impl.parseJobID(output)
}

// Submit runs the given rendered command line and returns the id it was
// given along with the job's resulting state. For job schedulers the state is
// Queued; for direct execution it is the final state. An error is only
// returned if submission failed in a way worth retrying.
func (s *Scheduler) Submit(ctx context.Context, rendered string) (DependencyID, JobState, error) {
	stdout, stderr, err := s.impl.host().RunCmd(ctx, rendered, false)
	id := s.impl.parseJobID(stdout)
	state, errs := s.impl.submitted(id, err)
	if errs != nil {
		if e, ok := errs.(Error); ok && e.Detail == "" {
			e.Detail = strings.TrimSpace(stderr)
			if e.Detail == "" && err != nil {
				e.Detail = err.Error()
			}
			errs = e
		}
		s.Debug("submission failed", "cmd", rendered, "err", errs)
		return id, state, errs
	}
	s.Debug("submitted", "id", id.Raw, "state", state)
	return id, state, nil
}

// QueryJobStatus asks the job scheduler about the given jobs, returning the
// state of each one found in the scheduler's listing, keyed on ShortID(). Jobs
// that are no longer listed are absent from the returned map. Status tokens the
// scheduler uses that we don't understand give Unknown.
//
// Jobs listed as finished (eg. pbs "C") only tell us that they ended, so if
// exit code probing is enabled the probe decides between OK and Failed, the
// same as for jobs that have left the listing.
//
// Listings are cached briefly so that many callers in quick succession only
// cause one status command to be run.
func (s *Scheduler) QueryJobStatus(ctx context.Context, ids []DependencyID) (map[string]JobState, error) {
	states := make(map[string]JobState)
	cmd := s.impl.statusCommand()
	if cmd == "" || len(ids) == 0 {
		return states, nil
	}

	var all map[string]JobState
	if cached, found := s.listings.Get(statusCacheKey); found {
		all = cached.(map[string]JobState)
	} else {
		stdout, stderr, err := s.impl.host().RunCmd(ctx, cmd, false)
		if err != nil {
			return nil, Error{Scheduler: s.Name, Op: "QueryJobStatus", Err: ErrStatusQuery, Detail: strings.TrimSpace(stderr + " " + err.Error())}
		}
		all = s.impl.parseStatus(stdout)
		s.listings.SetDefault(statusCacheKey, all)
	}

	for _, id := range ids {
		state, found := all[id.ShortID()]
		if !found {
			continue
		}
		if state == OK {
			if code, probed := s.ProbeExitCode(ctx, id); probed && code != 0 {
				state = Failed
			}
		}
		states[id.ShortID()] = state
	}
	return states, nil
}

// ForgetStatus discards any cached status listing, so the next
// QueryJobStatus() asks the job scheduler afresh.
func (s *Scheduler) ForgetStatus() {
	s.listings.Flush()
}

// Close releases the Host commands are run on, if it holds a connection (such
// as an ssh.Host).
func (s *Scheduler) Close() {
	if c, ok := s.impl.host().(interface{ Close() }); ok {
		c.Close()
	}
}

// ProbeExitCode asks the job scheduler for the exit code of a job that has
// left the queue. The boolean is false if the scheduler doesn't support this
// or didn't know the exit code.
func (s *Scheduler) ProbeExitCode(ctx context.Context, id DependencyID) (int, bool) {
	cmd := s.impl.probeCommand(id)
	if cmd == "" {
		return 0, false
	}
	stdout, _, err := s.impl.host().RunCmd(ctx, cmd, false)
	if err != nil {
		s.Debug("exit code probe failed", "id", id.Raw, "err", err)
		return 0, false
	}
	return s.impl.parseProbe(stdout)
}

// Abort asks the job scheduler to kill the given jobs. This is best effort:
// invalid ids are ignored, and there's no guarantee the jobs actually stop.
// Any failures are returned combined in to a single error.
func (s *Scheduler) Abort(ctx context.Context, ids []DependencyID) error {
	var valid []DependencyID
	for _, id := range ids {
		if id.IsValid() {
			valid = append(valid, id)
		}
	}

	var merr *multierror.Error
	for start := 0; start < len(valid); start += abortBatchSize {
		end := start + abortBatchSize
		if end > len(valid) {
			end = len(valid)
		}
		cmd := s.impl.abortCommand(valid[start:end])
		if cmd == "" {
			break
		}
		_, stderr, err := s.impl.host().RunCmd(ctx, cmd, false)
		if err != nil {
			merr = multierror.Append(merr, Error{Scheduler: s.Name, Op: "Abort", Err: ErrAbort, Detail: strings.TrimSpace(stderr + " " + err.Error())})
		}
	}
	s.ForgetStatus()
	return merr.ErrorOrNil()
}

// SpecificSettings returns environment settings this scheduler wants every job
// to have.
func (s *Scheduler) SpecificSettings() []Parameter {
	return s.impl.specificSettings()
}

// LogFileWildcard returns a glob that matches the log files of all jobs.
func (s *Scheduler) LogFileWildcard() string {
	return s.impl.logFileWildcard()
}

// ExtractProcessingCommands reads scheduler directives (eg. "#PBS -l mem=1G")
// from the tool script at the given path, returning them as Raw commands. Nil
// is returned for schedulers that don't support directives.
func (s *Scheduler) ExtractProcessingCommands(path string) ([]ProcessingCommand, error) {
	prefix := s.impl.directivePrefix()
	if prefix == "" {
		return nil, nil
	}
	directives, err := readDirectives(path, prefix)
	if err != nil {
		return nil, err
	}
	pcs := make([]ProcessingCommand, 0, len(directives))
	for _, d := range directives {
		pcs = append(pcs, Raw{Text: d})
	}
	return pcs, nil
}

// CheckParameters returns an error if any of the given parameters can't be
// passed to jobs by this scheduler, eg. pbs and sge can't pass values
// containing commas, since their -v flag splits on them.
func (s *Scheduler) CheckParameters(params []Parameter) error {
	for _, p := range params {
		if err := s.impl.checkParameter(p); err != nil {
			return err
		}
	}
	return nil
}

// ParseProcessingCommands wraps an option string from configuration in to
// ProcessingCommands understood by this scheduler.
func (s *Scheduler) ParseProcessingCommands(text string) []ProcessingCommand {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.impl.rawCommands(text)
}

// String is for logging.
func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler(%s)", s.Name)
}

// configHost returns h, or a local shell host if h is nil.
func configHost(h Host, shell string, logger log15.Logger) Host {
	if h != nil {
		return h
	}
	if shell == "" {
		shell = defaultShell
	}
	return &localHost{logger: logger, shell: shell}
}
