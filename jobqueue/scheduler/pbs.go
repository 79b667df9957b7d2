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

// This file contains a backendi implementation for 'pbs': submitting jobs to
// a PBS/Torque cluster via qsub, and following them with qstat.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/inconshreveable/log15"
)

// pbs is our implementer of backendi. Everything that differs between it and
// similar schedulers is held in the strategy fields, which sge swaps out.
type pbs struct {
	name      string
	config    *ConfigPBS
	hst       Host
	flags     flagTable
	deps      dependencyTable
	resources resourceRenderer
	ids       idFormat
	jobID     func(output string) string
	states    stateVocabulary
	columns   statusColumns
	probe     func(id DependencyID) string
	settings  []Parameter
	directive string
	raw       func(text string) []ProcessingCommand
	log15.Logger
}

// ConfigPBS represents the configuration options required by the PBS
// scheduler. Empty exe names and resource names get the usual PBS defaults.
type ConfigPBS struct {
	// Shell is the shell to use to run the commands to interact with your job
	// scheduler; 'bash' is recommended.
	Shell string

	// Host is where scheduler commands are run. If nil, they're run on the
	// local machine using Shell.
	Host Host

	// MemoryResource is the name of the resource used to request memory.
	MemoryResource string

	// SubmitExe, StatusExe, KillExe and AccountingExe are the scheduler's
	// command line tools.
	SubmitExe     string
	StatusExe     string
	KillExe       string
	AccountingExe string

	// ProbeExitCodes makes jobs that leave the queue get their final state
	// from their exit code, instead of being assumed to have succeeded.
	ProbeExitCodes bool

	// LogDir, if set, is where job output logs (stdout and stderr joined) are
	// written.
	LogDir string

	// Email, GroupList and Umask are passed through to every submission when
	// set.
	Email     string
	GroupList string
	Umask     string

	// StatusCacheTime is how long a status listing is reused for.
	StatusCacheTime time.Duration
}

// flagTable holds the spellings of submission flags.
type flagTable struct {
	name       string
	additional string // always given
	joinLog    string
	logDir     string
	email      string
	groupList  string // empty if unsupported
	umask      string // empty if unsupported
	array      string
	env        string
}

var pbsFlags = flagTable{
	name:      "-N",
	joinLog:   "-j oe",
	logDir:    "-o",
	email:     "-M",
	groupList: "-W group_list=",
	umask:     "-W umask=",
	array:     "-t",
	env:       "-v",
}

// dependencyTable holds how dependency flags are spelled.
type dependencyTable struct {
	param       string
	arrayParam  string
	optionSep   string // between a param and its value
	typeSep     string // between a dependency type and its ids; empty if untyped
	idSep       string
	groupSep    string // between type groups
	arraySuffix string // appended to the type of array parents when typed
}

var pbsDependencies = dependencyTable{
	param:       "-W depend=",
	arrayParam:  "-W depend=",
	typeSep:     ":",
	idSep:       ":",
	groupSep:    ",",
	arraySuffix: "array",
}

// resourceRenderer renders each field of a ResourceSet separately. A renderer
// returning "" means the field is not rendered.
type resourceRenderer struct {
	lead     string
	memory   func(rs ResourceSet) string
	nodes    func(rs ResourceSet) string
	walltime func(rs ResourceSet) string
	storage  func(rs ResourceSet) string
	queue    func(rs ResourceSet) string
}

func (r resourceRenderer) render(rs ResourceSet) ResourceFlags {
	var parts []string
	if r.lead != "" {
		parts = append(parts, r.lead)
	}
	for _, field := range []func(ResourceSet) string{r.memory, r.nodes, r.walltime, r.storage, r.queue} {
		if field == nil {
			continue
		}
		if f := field(rs); f != "" {
			parts = append(parts, f)
		}
	}
	return ResourceFlags(strings.Join(parts, " "))
}

// statusColumns are the 0-based columns of the job id and state in a status
// listing.
type statusColumns struct {
	id    int
	state int
}

var pbsStates = stateVocabulary{
	"Q": Queued,
	"W": Queued,
	"H": Hold,
	"S": Hold,
	"R": Running,
	"E": Running,
	"T": Running,
	// finished; Scheduler.QueryJobStatus looks up the real exit code
	"C": OK,
	"F": OK,
}

var exitStatusRegex = regexp.MustCompile(`exit_status\s*=?\s*(-?\d+)`)

// initialize sets up the pbs strategies.
func (s *pbs) initialize(config interface{}, logger log15.Logger) error {
	c, ok := config.(*ConfigPBS)
	if !ok {
		return Error{Scheduler: "pbs", Op: "initialize", Err: ErrBadConfig}
	}
	s.setup("pbs", c, "mem", logger)
	return nil
}

// setup fills in everything with pbs behaviour, using a copy of the given
// config with defaults applied.
func (s *pbs) setup(name string, config *ConfigPBS, defaultMemory string, logger log15.Logger) {
	c := *config
	if c.SubmitExe == "" {
		c.SubmitExe = "qsub"
	}
	if c.StatusExe == "" {
		c.StatusExe = "qstat"
	}
	if c.KillExe == "" {
		c.KillExe = "qdel"
	}
	if c.AccountingExe == "" {
		c.AccountingExe = "qacct"
	}
	if c.MemoryResource == "" {
		c.MemoryResource = defaultMemory
	}

	s.name = name
	s.config = &c
	s.Logger = logger.New("scheduler", name)
	s.hst = configHost(c.Host, c.Shell, s.Logger)
	s.flags = pbsFlags
	s.deps = pbsDependencies
	s.resources = resourceRenderer{
		memory:   memoryFlag(c.MemoryResource),
		nodes:    nodesFlag,
		walltime: pbsWalltimeFlag,
		storage:  noFlag,
		queue:    queueFlag,
	}
	s.ids = idFormats[name]
	s.jobID = firstLine
	s.states = pbsStates
	s.columns = statusColumns{id: 0, state: 4}
	s.probe = func(id DependencyID) string {
		return c.StatusExe + " -f " + id.ShortID()
	}
	s.directive = "#PBS"
	s.raw = func(text string) []ProcessingCommand {
		return []ProcessingCommand{Raw{Text: text}}
	}
}

func (s *pbs) host() Host {
	return s.hst
}

func (s *pbs) statusCacheTime() time.Duration {
	return s.config.StatusCacheTime
}

func (s *pbs) submissionCommand() string {
	return s.config.SubmitExe
}

func (s *pbs) executesWithoutJobSystem() bool {
	return false
}

func (s *pbs) convertResources(rs ResourceSet) ResourceFlags {
	return s.resources.render(rs)
}

// dependencyFlags renders the given dependencies, grouping them by parameter
// and then (when typed) by dependency type, in order of first appearance.
func (s *pbs) dependencyFlags(deps []Dependency) DependencyFlags {
	type group struct {
		key string
		ids []string
	}
	var params []string
	groups := make(map[string][]*group)
	for _, dep := range deps {
		param, key := s.deps.param, ""
		if dep.ID.IsArrayJob() {
			param = s.deps.arrayParam
		}
		if s.deps.typeSep != "" {
			key = string(dep.Type)
			if dep.ID.IsArrayJob() {
				key += s.deps.arraySuffix
			}
		}
		if _, seen := groups[param]; !seen {
			params = append(params, param)
		}
		var g *group
		for _, existing := range groups[param] {
			if existing.key == key {
				g = existing
				break
			}
		}
		if g == nil {
			g = &group{key: key}
			groups[param] = append(groups[param], g)
		}
		g.ids = append(g.ids, dep.ID.ShortID())
	}

	flags := make([]string, 0, len(params))
	for _, param := range params {
		rendered := make([]string, 0, len(groups[param]))
		for _, g := range groups[param] {
			ids := strings.Join(g.ids, s.deps.idSep)
			if g.key != "" {
				ids = g.key + s.deps.typeSep + ids
			}
			rendered = append(rendered, ids)
		}
		flags = append(flags, param+s.deps.optionSep+strings.Join(rendered, s.deps.groupSep))
	}
	return DependencyFlags(strings.Join(flags, " "))
}

// render assembles the qsub command line: binary, job options, resource
// flags, dependency flags, array indices, environment and finally the tool.
func (s *pbs) render(sub *Submission) string {
	parts := []string{s.config.SubmitExe}
	if sub.Name != "" {
		parts = append(parts, s.flags.name+" "+sub.Name)
	}
	if s.flags.additional != "" {
		parts = append(parts, s.flags.additional)
	}
	if s.config.LogDir != "" {
		parts = append(parts, s.flags.joinLog, s.flags.logDir+" "+s.config.LogDir)
	}
	if s.config.Email != "" {
		parts = append(parts, s.flags.email+" "+s.config.Email)
	}
	if s.config.GroupList != "" && s.flags.groupList != "" {
		parts = append(parts, s.flags.groupList+s.config.GroupList)
	}
	if s.config.Umask != "" && s.flags.umask != "" {
		parts = append(parts, s.flags.umask+s.config.Umask)
	}
	if f := joinFlags(sub.Processing); f != "" {
		parts = append(parts, f)
	}
	if f := strings.TrimSpace(sub.Dependencies.Flags()); f != "" {
		parts = append(parts, f)
	}
	if len(sub.ArrayIndices) > 0 {
		parts = append(parts, s.flags.array+" "+strings.Join(sub.ArrayIndices, ","))
	}
	if len(sub.Parameters) > 0 {
		env := make([]string, len(sub.Parameters))
		for i, p := range sub.Parameters {
			env[i] = p.Key + "=" + shellQuote(p.Value)
		}
		parts = append(parts, s.flags.env+" "+strings.Join(env, ","))
	}
	parts = append(parts, sub.ToolPath)
	return strings.Join(parts, " ")
}

func (s *pbs) parseJobID(output string) DependencyID {
	return DependencyID{Job: NoJob, Raw: s.jobID(output), Backend: s.name}
}

func (s *pbs) submitted(id DependencyID, runErr error) (JobState, error) {
	if runErr != nil {
		return Unstarted, Error{Scheduler: s.name, Op: "Submit", Err: ErrSubmission}
	}
	if !id.IsValid() {
		return Unstarted, Error{Scheduler: s.name, Op: "Submit", Err: ErrBadJobID, Detail: fmt.Sprintf("got %q", id.Raw)}
	}
	return Queued, nil
}

func (s *pbs) statusCommand() string {
	return s.config.StatusExe
}

// parseStatus reads a tabular listing, skipping headers, separator lines and
// anything else whose id column doesn't look like a job id.
func (s *pbs) parseStatus(listing string) map[string]JobState {
	states := make(map[string]JobState)
	need := s.columns.id
	if s.columns.state > need {
		need = s.columns.state
	}
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) <= need {
			continue
		}
		rawID := fields[s.columns.id]
		if !unicode.IsDigit(rune(rawID[0])) {
			continue
		}
		states[s.ids.short(rawID)] = s.states.lookup(fields[s.columns.state])
	}
	return states
}

func (s *pbs) probeCommand(id DependencyID) string {
	if !s.config.ProbeExitCodes || !id.IsValid() {
		return ""
	}
	return s.probe(id)
}

func (s *pbs) parseProbe(output string) (int, bool) {
	matches := exitStatusRegex.FindStringSubmatch(output)
	if len(matches) != 2 {
		return 0, false
	}
	code, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

func (s *pbs) abortCommand(ids []DependencyID) string {
	if len(ids) == 0 {
		return ""
	}
	short := make([]string, len(ids))
	for i, id := range ids {
		short[i] = id.ShortID()
	}
	return s.config.KillExe + " " + strings.Join(short, " ")
}

func (s *pbs) specificSettings() []Parameter {
	return s.settings
}

func (s *pbs) logFileWildcard() string {
	return "*.o*"
}

func (s *pbs) directivePrefix() string {
	return s.directive
}

func (s *pbs) checkParameter(p Parameter) error {
	if strings.Contains(p.Value, ",") {
		return Error{Scheduler: s.name, Op: "CheckParameters", Err: ErrBadParameter, Detail: p.Key + " contains a comma"}
	}
	return nil
}

func (s *pbs) rawCommands(text string) []ProcessingCommand {
	if s.raw == nil {
		return nil
	}
	return s.raw(text)
}

// memoryFlag renders memory in MB against the named resource.
func memoryFlag(resource string) func(ResourceSet) string {
	return func(rs ResourceSet) string {
		if !rs.MemorySet() {
			return ""
		}
		return fmt.Sprintf("-l %s=%dM", resource, rs.MemoryMB())
	}
}

// nodesFlag substitutes 1 for whichever of nodes and cores is missing.
func nodesFlag(rs ResourceSet) string {
	if !rs.NodesSet() && !rs.CoresSet() {
		return ""
	}
	nodes, cores := 1, 1
	if rs.NodesSet() {
		nodes = rs.Nodes
	}
	if rs.CoresSet() {
		cores = rs.Cores
	}
	return fmt.Sprintf("-l nodes=%d:ppn=%d", nodes, cores)
}

func pbsWalltimeFlag(rs ResourceSet) string {
	if !rs.WalltimeSet() {
		return ""
	}
	days, hours, mins, secs := splitWalltime(rs.Walltime)
	return fmt.Sprintf("-l walltime=%02d:%02d:%02d:%02d", days, hours, mins, secs)
}

func queueFlag(rs ResourceSet) string {
	if !rs.QueueSet() {
		return ""
	}
	return "-q " + rs.Queue
}

func noFlag(ResourceSet) string {
	return ""
}

// firstLine returns the first non-blank line of output, trimmed.
func firstLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// shellQuote single-quotes s if it contains anything a shell would interpret.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(`'"$\;&|<>(){}*?!~#`+"`", r)
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
