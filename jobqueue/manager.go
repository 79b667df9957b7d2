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

// This file contains the Manager, which drives jobs through a job scheduler.

import (
	"context"
	"strconv"
	"time"

	sync "github.com/sasha-s/go-deadlock"

	"github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
	"github.com/gofrs/uuid"
	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"
)

// Exit codes. A run's exit code is the number of failed jobs, up to
// MaxFailedExitCode; the codes above that describe failures to talk to the
// job scheduler at all.
const (
	MaxFailedExitCode    = 250
	ExitWaitFailed       = 251
	ExitSubmissionFailed = 252
	ExitIllegalOperation = 253
)

const (
	maxResubmitAttempts = 100
	minResubmitWait     = 2 * time.Second
	defaultPollInterval = 30 * time.Second
	jobNameTimeFormat   = "060102_150405"
)

// Err* constants are found in the returned Errors under err.Err, so you can
// cast and check if it's a certain type of error.
var (
	ErrUnknownJob       = "unknown job"
	ErrBadParent        = "parent jobs must be added before their children"
	ErrIllegalOperation = "read-out jobs can't be run"
	ErrAlreadyRun       = "job has already been run"
	ErrBadParameter     = "job has a parameter the job scheduler can't take"
	ErrSubmissionFailed = "submission failed"
	ErrNotArray         = "not an array job"
	ErrWaitFailed       = "failed to query job states"
	ErrUnknownRun       = "no history for run"
	ErrNoHistory        = "no history file configured"
)

// Error records an error and the operation and job that caused it.
type Error struct {
	Op    string // name of the method
	Job   string // the job's name, may be empty
	Err   string // one of our Err* vars
	Cause error  // the underlying error, if any
}

func (e Error) Error() string {
	msg := "jobqueue " + e.Op + "(" + e.Job + "): " + e.Err
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Listener is notified whenever a job's state changes. Calls may come from
// the status polling goroutine as well as from whatever goroutine is
// submitting jobs, so implementations must be safe for concurrent use and
// should return quickly.
type Listener interface {
	JobStatusChanged(job Job, oldState, newState scheduler.JobState)
}

// ListenerFunc lets an ordinary function be a Listener.
type ListenerFunc func(job Job, oldState, newState scheduler.JobState)

// JobStatusChanged calls f.
func (f ListenerFunc) JobStatusChanged(job Job, oldState, newState scheduler.JobState) {
	f(job, oldState, newState)
}

// Config describes how a Manager should be set up.
type Config struct {
	// SchedulerName is one of "pbs", "sge" or "direct".
	SchedulerName string

	// SchedulerConfig is the matching scheduler config, eg. a
	// *scheduler.ConfigPBS.
	SchedulerConfig interface{}

	// PollInterval is how often job states are queried while waiting, and the
	// default interval of the status daemon.
	PollInterval time.Duration

	// WaitGracePeriod is how long WaitForJobsToFinish() waits before its first
	// query, to give the job scheduler time to register new jobs.
	WaitGracePeriod time.Duration

	// ResubmitOnError enables retrying failed submissions up to
	// ResubmitAttempts times (<= 0 means as many as we allow), waiting at
	// least ResubmitWait (and never less than 2s) between attempts.
	ResubmitOnError  bool
	ResubmitAttempts int
	ResubmitWait     time.Duration

	// ReadOutUnknownIsOK stops read-out jobs of unknown state from counting as
	// failed in ExitCode().
	ReadOutUnknownIsOK bool

	// HistoryFile, if set, is a database that every job state change gets
	// recorded in, and that read-out jobs are loaded from.
	HistoryFile string

	// RunID identifies this run in the history. A random one is made if not
	// supplied.
	RunID string
}

// Manager builds, submits and tracks the jobs of a single workflow run. Create
// one with NewManager() and pass it to everything that needs it.
type Manager struct {
	config    Config
	sched     *scheduler.Scheduler
	runID     string
	jobs      []*Job
	commands  []*Command
	listeners []Listener
	history   *History
	daemon    *daemon
	minWait   time.Duration // least wait between submission attempts
	mu        sync.RWMutex
	log15.Logger
}

// NewManager creates a Manager that uses the configured job scheduler.
//
// Providing a logger allows for debug messages to be logged somewhere, along
// with any "harmless" or unreturnable errors. If not supplied, we use a default
// logger that discards all log messages.
func NewManager(config Config, logger ...log15.Logger) (*Manager, error) {
	var l log15.Logger
	if len(logger) == 1 {
		l = logger[0].New()
	} else {
		l = log15.New()
		l.SetHandler(log15.DiscardHandler())
	}

	sched, err := scheduler.New(config.SchedulerName, config.SchedulerConfig, l)
	if err != nil {
		return nil, err
	}

	runID := config.RunID
	if runID == "" {
		u, erru := uuid.NewV4()
		if erru != nil {
			return nil, erru
		}
		runID = u.String()
	}

	m := &Manager{
		config:  config,
		sched:   sched,
		runID:   runID,
		minWait: minResubmitWait,
		Logger:  l.New("run", runID),
	}

	if config.HistoryFile != "" {
		m.history, err = OpenHistory(config.HistoryFile)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RunID returns the identifier of this run.
func (m *Manager) RunID() string {
	return m.runID
}

// Scheduler returns the job scheduler this Manager uses.
func (m *Manager) Scheduler() *scheduler.Scheduler {
	return m.sched
}

// AddListener registers a Listener for job state changes.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// AddJob adds a copy of the given job to this Manager, returning its key. All
// the job's parents must already have been added. The job's Key, ID and State
// are ignored; it starts off Unstarted.
func (m *Manager) AddJob(job Job) (JobKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range job.Parents {
		if _, err := m.lookup(e.Parent, "AddJob"); err != nil {
			return NoJob, Error{Op: "AddJob", Job: job.Name, Err: ErrBadParent}
		}
	}

	key := JobKey(len(m.jobs))
	j := job.clone()
	j.Key = key
	j.ID = scheduler.DependencyID{Job: int(key), Backend: m.sched.Name}
	j.State = scheduler.Unstarted
	j.Submitted, j.Finished = time.Time{}, time.Time{}
	j.readOut = false
	if j.Type == JobTypeStandard && len(j.ArrayIndices) > 0 {
		j.Type = JobTypeArrayHead
	}
	if j.Type != JobTypeArrayChild {
		j.ArrayParent = NoJob
	}
	m.jobs = append(m.jobs, &j)
	return key, nil
}

// Job returns a copy of the job with the given key.
func (m *Manager) Job(key JobKey) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, err := m.lookup(key, "Job")
	if err != nil {
		return Job{}, false
	}
	return j.clone(), true
}

// Jobs returns copies of all jobs, in key order.
func (m *Manager) Jobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]Job, len(m.jobs))
	for i, j := range m.jobs {
		jobs[i] = j.clone()
	}
	return jobs
}

// State returns the current state of the job with the given key.
func (m *Manager) State(key JobKey) scheduler.JobState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, err := m.lookup(key, "State")
	if err != nil {
		return scheduler.Unknown
	}
	return j.State
}

// Commands returns every Command this Manager has created, in order.
func (m *Manager) Commands() []*Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Command(nil), m.commands...)
}

// ConvertResourceSet renders the job scheduler flags for the given resources.
func (m *Manager) ConvertResourceSet(rs scheduler.ResourceSet) scheduler.ProcessingCommand {
	return m.sched.ConvertResourceSet(rs)
}

// TranslateDependencies renders the dependency flags for the given job's
// parents, returning the ids of the parents actually depended upon. Parents
// without a valid id (not submitted, or submission failed) are left out.
func (m *Manager) TranslateDependencies(key JobKey) (scheduler.DependencyFlags, []scheduler.DependencyID, error) {
	m.mu.RLock()
	j, err := m.lookup(key, "TranslateDependencies")
	if err != nil {
		m.mu.RUnlock()
		return "", nil, err
	}
	deps := m.dependenciesOf(j)
	override, _ := scheduler.FindDependencyOverride(j.ProcessingCommands)
	m.mu.RUnlock()

	flags, ids := m.sched.TranslateDependencies(deps, override)
	return flags, ids, nil
}

// CreateCommand assembles a Command for the given job from the supplied parts
// and records it in this Manager's list of commands. It does not submit
// anything.
func (m *Manager) CreateCommand(key JobKey, name string, pcs []scheduler.ProcessingCommand, toolPath string, params []scheduler.Parameter, deps []scheduler.Dependency, arrayIndices []string) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.lookup(key, "CreateCommand")
	if err != nil {
		return nil, err
	}
	if j.readOut {
		return nil, Error{Op: "CreateCommand", Job: j.Name, Err: ErrIllegalOperation}
	}

	if errp := m.sched.CheckParameters(params); errp != nil {
		return nil, Error{Op: "CreateCommand", Job: j.Name, Err: ErrBadParameter, Cause: errp}
	}

	override, _ := scheduler.FindDependencyOverride(pcs)
	flags, ids := m.sched.TranslateDependencies(deps, override)

	cmd := newCommand(key, m.runID, name)
	cmd.ToolPath = toolPath
	cmd.Parameters = params
	cmd.ResourceCommands = pcs
	cmd.DependencyFlags = flags
	cmd.DependencyIDs = ids
	cmd.ArrayIndices = arrayIndices
	cmd.Rendered = m.sched.Render(cmd.submission())

	m.commands = append(m.commands, cmd)
	return cmd, nil
}

// CreateDummyCommand records a Command for a job that is planned but will not
// be run. The job gets a fake id that dependents will ignore, and the Dummy
// state.
func (m *Manager) CreateDummyCommand(key JobKey) (*Command, error) {
	m.mu.Lock()
	j, err := m.lookup(key, "CreateDummyCommand")
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if j.readOut {
		m.mu.Unlock()
		return nil, Error{Op: "CreateDummyCommand", Job: j.Name, Err: ErrIllegalOperation}
	}

	cmd := newCommand(key, m.runID, j.Name)
	cmd.Dummy = true
	cmd.ToolPath = j.ToolPath
	cmd.Parameters = m.parametersFor(j)
	cmd.ArrayIndices = j.ArrayIndices
	cmd.Rendered = m.sched.Render(cmd.submission())
	m.commands = append(m.commands, cmd)
	fake := scheduler.NewFakeDependencyID(int(key), j.Name, scheduler.FakeNotExecuted, len(j.ArrayIndices) > 0)
	m.mu.Unlock()

	m.setState(key, scheduler.Dummy, &fake)
	return cmd, nil
}

// Run builds the Command for the given job and submits it, retrying failed
// submissions if so configured. On success the job has its id and is Queued,
// or for direct execution is already OK or Failed.
//
// Running a read-out job is an error of type ErrIllegalOperation, and running
// a job that isn't Unstarted (eg. one already submitted) is an error of type
// ErrAlreadyRun. Neither does anything at all.
func (m *Manager) Run(ctx context.Context, key JobKey) (*Command, error) {
	m.mu.RLock()
	j, err := m.lookup(key, "Run")
	if err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	if j.readOut {
		m.mu.RUnlock()
		return nil, Error{Op: "Run", Job: j.Name, Err: ErrIllegalOperation}
	}
	if j.State != scheduler.Unstarted {
		m.mu.RUnlock()
		return nil, Error{Op: "Run", Job: j.Name, Err: ErrAlreadyRun}
	}
	pcs := append([]scheduler.ProcessingCommand{m.sched.ConvertResourceSet(j.Resources)}, j.ProcessingCommands...)
	params := m.parametersFor(j)
	deps := m.dependenciesOf(j)
	name, tool, indices := j.Name, j.ToolPath, j.ArrayIndices
	m.mu.RUnlock()

	cmd, err := m.CreateCommand(key, name, pcs, tool, params, deps, indices)
	if err != nil {
		return nil, err
	}

	id, state, err := m.submit(ctx, cmd.Rendered)
	if err != nil {
		m.Error("job submission failed", "job", name, "err", err)
		m.setState(key, scheduler.Failed, nil)
		return cmd, Error{Op: "Run", Job: name, Err: ErrSubmissionFailed, Cause: err}
	}
	id.Job = int(key)
	m.setState(key, state, &id)
	return cmd, nil
}

// submit submits the rendered command, retrying on failure if configured to.
func (m *Manager) submit(ctx context.Context, rendered string) (scheduler.DependencyID, scheduler.JobState, error) {
	retries, wait := m.resubmitPolicy()
	b := &backoff.Backoff{Min: wait, Max: 10 * wait, Factor: 2, Jitter: false}

	for attempt := 0; ; attempt++ {
		id, state, err := m.sched.Submit(ctx, rendered)
		if err == nil || attempt >= retries {
			return id, state, err
		}

		d := b.Duration()
		m.Warn("submission failed, will retry", "attempt", attempt+1, "wait", d, "err", err)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return id, state, ctx.Err()
		}
	}
}

// resubmitPolicy gives the number of times a failed submission is retried, and
// the wait before the first retry, which is never less than 2 seconds.
// ResubmitAttempts <= 0 means the most we allow.
func (m *Manager) resubmitPolicy() (int, time.Duration) {
	retries := 0
	if m.config.ResubmitOnError {
		retries = m.config.ResubmitAttempts
		if retries <= 0 || retries > maxResubmitAttempts {
			retries = maxResubmitAttempts
		}
	}

	wait := m.config.ResubmitWait
	if wait < m.minWait {
		wait = m.minWait
	}
	return retries, wait
}

// QueryJobStatus asks the job scheduler for the states of the given jobs,
// keyed on their ShortID(). Children of array jobs take the state of their
// array while it is listed. Jobs no longer listed by the scheduler that were
// last seen queued, running, held or unknown are assumed to have finished: OK,
// unless exit code probing is enabled and says otherwise. Other unlisted jobs
// keep their current state.
//
// This doesn't change any job's state.
func (m *Manager) QueryJobStatus(ctx context.Context, ids []scheduler.DependencyID) (map[string]scheduler.JobState, error) {
	heads := m.arrayHeads(ids)
	query := ids
	if len(heads) > 0 {
		query = append([]scheduler.DependencyID(nil), ids...)
		for _, head := range heads {
			query = append(query, head)
		}
	}
	listed, err := m.sched.QueryJobStatus(ctx, query)
	if err != nil {
		return nil, err
	}

	states := make(map[string]scheduler.JobState, len(ids))
	for _, id := range ids {
		short := id.ShortID()
		if state, found := listed[short]; found {
			states[short] = state
			continue
		}

		// array children aren't listed themselves; they share their array's
		// state until the array leaves the listing
		if head, isChild := heads[short]; isChild {
			if state, found := listed[head.ShortID()]; found && !state.IsTerminal() {
				states[short] = state
				continue
			}
		}

		prev := m.previousState(id)
		switch prev {
		case scheduler.Queued, scheduler.Running, scheduler.Hold, scheduler.Unknown, scheduler.UnknownSubmitted:
			state := scheduler.OK
			if code, found := m.sched.ProbeExitCode(ctx, id); found && code != 0 {
				state = scheduler.Failed
			}
			states[short] = state
		default:
			states[short] = prev
		}
	}
	return states, nil
}

// arrayHeads gives the ids of the array jobs that any array children amongst
// the given ids belong to, keyed on the child's ShortID().
func (m *Manager) arrayHeads(ids []scheduler.DependencyID) map[string]scheduler.DependencyID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	heads := make(map[string]scheduler.DependencyID)
	for _, id := range ids {
		if id.Job < 0 || id.Job >= len(m.jobs) {
			continue
		}
		j := m.jobs[id.Job]
		if j.Type != JobTypeArrayChild || j.ArrayParent < 0 || int(j.ArrayParent) >= len(m.jobs) {
			continue
		}
		if head := m.jobs[j.ArrayParent].ID; head.IsValid() {
			heads[id.ShortID()] = head
		}
	}
	return heads
}

// previousState finds the current state of the job the id belongs to.
func (m *Manager) previousState(id scheduler.DependencyID) scheduler.JobState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id.Job >= 0 && id.Job < len(m.jobs) {
		return m.jobs[id.Job].State
	}
	short := id.ShortID()
	for _, j := range m.jobs {
		if j.ID.ShortID() == short {
			return j.State
		}
	}
	return scheduler.Unknown
}

// update queries the state of all tracked unfinished jobs and applies any
// changes.
func (m *Manager) update(ctx context.Context) error {
	ids := m.trackedIDs()
	if len(ids) == 0 {
		return nil
	}
	states, err := m.QueryJobStatus(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if state, found := states[id.ShortID()]; found {
			m.setState(JobKey(id.Job), state, nil)
		}
	}
	return nil
}

// trackedIDs gives the ids of submitted jobs that haven't finished.
func (m *Manager) trackedIDs() []scheduler.DependencyID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []scheduler.DependencyID
	for _, j := range m.jobs {
		if j.readOut || j.State.IsTerminal() || j.State == scheduler.Unstarted || j.State == scheduler.Dummy || !j.ID.IsValid() {
			continue
		}
		ids = append(ids, j.ID)
	}
	return ids
}

// QueryJobAbortion asks the job scheduler to kill the given jobs. This is best
// effort: failures are logged, and jobs are only marked Aborted if the kill
// request was accepted.
func (m *Manager) QueryJobAbortion(ctx context.Context, keys []JobKey) {
	var ids []scheduler.DependencyID
	var abortable []JobKey
	m.mu.RLock()
	for _, key := range keys {
		j, err := m.lookup(key, "QueryJobAbortion")
		if err != nil || j.readOut || j.State.IsTerminal() {
			continue
		}
		abortable = append(abortable, key)
		ids = append(ids, j.ID)
	}
	m.mu.RUnlock()

	if err := m.sched.Abort(ctx, ids); err != nil {
		m.Warn("job abortion failed", "err", err)
		return
	}
	for _, key := range abortable {
		m.setState(key, scheduler.Aborted, nil)
	}
}

// WaitForJobsToFinish blocks until every submitted job has finished, then
// returns ExitCode(). It first waits for the configured grace period, then
// polls at the configured interval. If polling fails, or ctx is cancelled, it
// returns ExitWaitFailed and an error.
//
// For direct execution all jobs have already finished, so it returns
// immediately.
func (m *Manager) WaitForJobsToFinish(ctx context.Context) (int, error) {
	if m.sched.ExecutesWithoutJobSystem() {
		return m.ExitCode(), nil
	}

	if m.config.WaitGracePeriod > 0 {
		select {
		case <-time.After(m.config.WaitGracePeriod):
		case <-ctx.Done():
			return ExitWaitFailed, Error{Op: "WaitForJobsToFinish", Err: ErrWaitFailed, Cause: ctx.Err()}
		}
	}

	ticker := time.NewTicker(m.pollInterval())
	defer ticker.Stop()
	for {
		if err := m.update(ctx); err != nil {
			m.Error("waiting for jobs failed", "err", err)
			return ExitWaitFailed, Error{Op: "WaitForJobsToFinish", Err: ErrWaitFailed, Cause: err}
		}
		if len(m.trackedIDs()) == 0 {
			return m.ExitCode(), nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ExitWaitFailed, Error{Op: "WaitForJobsToFinish", Err: ErrWaitFailed, Cause: ctx.Err()}
		}
	}
}

// ExitCode is the number of failed jobs, clamped to [0, MaxFailedExitCode].
// Read-out jobs of unknown state count as failed unless ReadOutUnknownIsOK
// was configured.
func (m *Manager) ExitCode() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	failed := 0
	for _, j := range m.jobs {
		switch {
		case j.State == scheduler.Failed:
			failed++
		case j.State == scheduler.UnknownReadOut && !m.config.ReadOutUnknownIsOK:
			failed++
		}
	}
	return clampExitCode(failed)
}

func clampExitCode(failed int) int {
	if failed < 0 {
		return 0
	}
	if failed > MaxFailedExitCode {
		return MaxFailedExitCode
	}
	return failed
}

// ArrayChild creates a job for the sub-job with the given index of an array
// job, with an id derived from the array's, and tracks it like any other job.
func (m *Manager) ArrayChild(parent JobKey, index string) (JobKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(parent, "ArrayChild")
	if err != nil {
		return NoJob, err
	}
	if p.Type != JobTypeArrayHead {
		return NoJob, Error{Op: "ArrayChild", Job: p.Name, Err: ErrNotArray}
	}

	key := JobKey(len(m.jobs))
	child := Job{
		Key:         key,
		Name:        p.Name + "[" + index + "]",
		ToolID:      p.ToolID,
		ToolPath:    p.ToolPath,
		Parameters:  append([]scheduler.Parameter(nil), p.Parameters...),
		Resources:   p.Resources,
		Type:        JobTypeArrayChild,
		ArrayParent: parent,
		ID:          p.ID.ArrayChild(index),
		State:       p.State,
		Submitted:   p.Submitted,
		readOut:     p.readOut,
	}
	child.ID.Job = int(key)
	if child.State.IsTerminal() {
		child.Finished = p.Finished
	}
	m.jobs = append(m.jobs, &child)
	return key, nil
}

// LogFileName gives the name of the log file the job scheduler writes for the
// given job.
func (m *Manager) LogFileName(key JobKey) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, err := m.lookup(key, "LogFileName")
	if err != nil {
		return ""
	}
	id := j.ID.ShortID()
	if !j.ID.IsValid() {
		id = m.sched.LogFileWildcard()
	}
	return j.Name + ".o" + id
}

// CreateJobName makes a job name from the time of the run, the dataset being
// processed and the tool, like "r210314_093000_patient1_align".
func CreateJobName(runTime time.Time, datasetID, toolName string) string {
	return "r" + runTime.Format(jobNameTimeFormat) + "_" + datasetID + "_" + toolName
}

// Close stops the status daemon, lets go of the exec host and closes the
// history.
func (m *Manager) Close() error {
	m.StopUpdateDaemon()
	m.sched.Close()
	if m.history != nil {
		return m.history.Close()
	}
	return nil
}

// setState changes a job's state (and optionally id), recording the change in
// the history and telling listeners. Illegal transitions are ignored.
func (m *Manager) setState(key JobKey, state scheduler.JobState, id *scheduler.DependencyID) {
	m.mu.Lock()
	j, err := m.lookup(key, "setState")
	if err != nil {
		m.mu.Unlock()
		return
	}
	old := j.State
	if id != nil {
		j.ID = *id
	}
	if old == state && id == nil {
		m.mu.Unlock()
		return
	}
	if !old.CanTransitionTo(state) {
		m.mu.Unlock()
		m.Debug("ignoring illegal state change", "job", j.Name, "from", old, "to", state)
		return
	}

	j.State = state
	now := time.Now()
	if j.Submitted.IsZero() && state != scheduler.Unstarted && state != scheduler.Dummy {
		j.Submitted = now
	}
	if state.IsTerminal() && j.Finished.IsZero() {
		j.Finished = now
	}
	snapshot := j.clone()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if m.history != nil {
		if errr := m.history.record(m.runID, &snapshot); errr != nil {
			m.Warn("failed to record job state", "job", snapshot.Name, "err", errr)
		}
	}

	if old == state {
		return
	}
	m.Debug("job state changed", "job", snapshot.Name, "id", snapshot.ID.Raw, "from", old, "to", state)
	for _, l := range listeners {
		l.JobStatusChanged(snapshot, old, state)
	}
}

// lookup finds a job by key; you must hold the lock.
func (m *Manager) lookup(key JobKey, op string) (*Job, error) {
	if key < 0 || int(key) >= len(m.jobs) {
		return nil, Error{Op: op, Job: strconv.Itoa(int(key)), Err: ErrUnknownJob}
	}
	return m.jobs[key], nil
}

// dependenciesOf resolves a job's edges to their parents' current ids; you
// must hold the lock.
func (m *Manager) dependenciesOf(j *Job) []scheduler.Dependency {
	deps := make([]scheduler.Dependency, 0, len(j.Parents))
	for _, e := range j.Parents {
		p := m.jobs[e.Parent]
		id := p.ID
		if e.ArrayIndex != "" {
			id = id.ArrayChild(e.ArrayIndex)
		}
		if !id.IsValid() {
			m.Warn("dependency omitted since parent has no valid id", "job", j.Name, "parent", p.Name, "state", p.State)
		}
		deps = append(deps, scheduler.Dependency{ID: id, Type: e.Type})
	}
	return deps
}

// parametersFor gives the job's parameters followed by the scheduler's
// settings that the job doesn't already set; you must hold the lock.
func (m *Manager) parametersFor(j *Job) []scheduler.Parameter {
	params := append([]scheduler.Parameter(nil), j.Parameters...)
	for _, s := range m.sched.SpecificSettings() {
		if _, set := j.parameter(s.Key); !set {
			params = append(params, s)
		}
	}
	return params
}

func (m *Manager) pollInterval() time.Duration {
	if m.config.PollInterval > 0 {
		return m.config.PollInterval
	}
	return defaultPollInterval
}
