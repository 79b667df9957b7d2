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
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
	"github.com/inconshreveable/log15"
	. "github.com/smartystreets/goconvey/convey"
)

var testLogger = log15.New()

func init() {
	testLogger.SetHandler(log15.LvlFilterHandler(log15.LvlWarn, log15.StderrHandler))
}

type mockResponse struct {
	stdout string
	stderr string
	err    error
}

// mockHost responds to commands based on the longest matching command prefix,
// optionally failing the first few matching commands.
type mockHost struct {
	sync.Mutex
	responses map[string]mockResponse
	failures  map[string]int
	cmds      []string
	closed    int
}

func newMockHost() *mockHost {
	return &mockHost{responses: make(map[string]mockResponse), failures: make(map[string]int)}
}

func (h *mockHost) respond(prefix, stdout, stderr string, err error) {
	h.Lock()
	defer h.Unlock()
	h.responses[prefix] = mockResponse{stdout, stderr, err}
}

func (h *mockHost) failFirst(prefix string, n int) {
	h.Lock()
	defer h.Unlock()
	h.failures[prefix] = n
}

func (h *mockHost) RunCmd(ctx context.Context, cmd string, background bool) (string, string, error) {
	h.Lock()
	defer h.Unlock()
	h.cmds = append(h.cmds, cmd)
	best := ""
	for prefix := range h.responses {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if n := h.failures[best]; n > 0 {
		h.failures[best] = n - 1
		return "", "temporarily unavailable", errors.New("exit status 1")
	}
	if best == "" {
		return "", "", nil
	}
	r := h.responses[best]
	return r.stdout, r.stderr, r.err
}

func (h *mockHost) Close() {
	h.Lock()
	defer h.Unlock()
	h.closed++
}

func (h *mockHost) ran(prefix string) []string {
	h.Lock()
	defer h.Unlock()
	var cmds []string
	for _, cmd := range h.cmds {
		if strings.HasPrefix(cmd, prefix) {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

func pbsManager(h *mockHost, configure ...func(*Config)) *Manager {
	config := Config{
		SchedulerName: "pbs",
		SchedulerConfig: &scheduler.ConfigPBS{
			Host:            h,
			StatusCacheTime: time.Millisecond,
		},
		PollInterval: 10 * time.Millisecond,
	}
	for _, c := range configure {
		c(&config)
	}
	m, err := NewManager(config, testLogger)
	So(err, ShouldBeNil)
	m.minWait = time.Millisecond
	return m
}

func addJob(m *Manager, name string, parents ...JobKey) JobKey {
	job := Job{Name: name, ToolPath: "/tools/" + name + ".sh"}
	for _, p := range parents {
		job.Parents = append(job.Parents, Edge{Parent: p})
	}
	key, err := m.AddJob(job)
	So(err, ShouldBeNil)
	return key
}

func TestManagerDirect(t *testing.T) {
	ctx := context.Background()

	Convey("With direct execution", t, func() {
		m, err := NewManager(Config{SchedulerName: "direct", SchedulerConfig: &scheduler.ConfigDirect{Shell: "bash"}}, testLogger)
		So(err, ShouldBeNil)
		defer m.Close()

		Convey("A chain of jobs runs to completion in order", func() {
			a, err := m.AddJob(Job{Name: "a", ToolPath: "printenv SAMPLE", Parameters: []scheduler.Parameter{{Key: "SAMPLE", Value: "s1"}}})
			So(err, ShouldBeNil)
			b, err := m.AddJob(Job{Name: "b", ToolPath: "echo b", Parents: []Edge{{Parent: a}}})
			So(err, ShouldBeNil)
			c, err := m.AddJob(Job{Name: "c", ToolPath: "echo c", Parents: []Edge{{Parent: b}}})
			So(err, ShouldBeNil)

			for _, key := range []JobKey{a, b, c} {
				cmd, errr := m.Run(ctx, key)
				So(errr, ShouldBeNil)
				So(cmd.DependencyFlags, ShouldEqual, "")
				So(m.State(key), ShouldEqual, scheduler.OK)
			}

			job, found := m.Job(a)
			So(found, ShouldBeTrue)
			So(job.ID.Raw, ShouldEqual, "s1")
			So(job.ID.Job, ShouldEqual, int(a))
			So(job.Submitted.IsZero(), ShouldBeFalse)
			So(job.Finished.IsZero(), ShouldBeFalse)

			So(m.Commands(), ShouldHaveLength, 3)
			So(m.Commands()[0].Rendered, ShouldEqual, "SAMPLE=s1 printenv SAMPLE")

			code, err := m.WaitForJobsToFinish(ctx)
			So(err, ShouldBeNil)
			So(code, ShouldEqual, 0)
		})

		Convey("Failing tools make failed jobs, counted in the exit code", func() {
			a := addJob(m, "a")
			job, _ := m.Job(a)
			So(job.State, ShouldEqual, scheduler.Unstarted)

			_, err := m.AddJob(Job{Name: "x", ToolPath: "false"})
			So(err, ShouldBeNil)
			_, err = m.Run(ctx, 1)
			So(err, ShouldBeNil)
			So(m.State(1), ShouldEqual, scheduler.Failed)
			So(m.ExitCode(), ShouldEqual, 1)
		})

		Convey("The update daemon isn't needed", func() {
			m.CreateUpdateDaemon(0)
			So(m.daemon, ShouldBeNil)
		})

		Convey("The log file wildcard is used for jobs without ids", func() {
			a := addJob(m, "a")
			So(m.LogFileName(a), ShouldEqual, "a.o*")
		})
	})
}

func TestManagerPBS(t *testing.T) {
	ctx := context.Background()

	Convey("With a pbs job scheduler", t, func() {
		h := newMockHost()
		h.respond("qsub", "1001.head\n", "", nil)
		h.respond("qstat", "", "", nil)
		m := pbsManager(h)
		defer m.Close()

		Convey("AddJob() needs parents to exist", func() {
			_, err := m.AddJob(Job{Name: "orphan", Parents: []Edge{{Parent: 5}}})
			So(err, ShouldNotBeNil)
			jqerr, ok := err.(Error)
			So(ok, ShouldBeTrue)
			So(jqerr.Err, ShouldEqual, ErrBadParent)

			_, found := m.Job(5)
			So(found, ShouldBeFalse)
			So(m.State(5), ShouldEqual, scheduler.Unknown)
		})

		Convey("Children depend on their submitted parents", func() {
			rs, err := scheduler.NewResourceSet(scheduler.SizeSmall, "1G", 2, 1, "1h", "", "")
			So(err, ShouldBeNil)
			a, err := m.AddJob(Job{Name: "a", ToolPath: "/tools/a.sh", Resources: rs})
			So(err, ShouldBeNil)
			b := addJob(m, "b", a)

			cmd, err := m.Run(ctx, a)
			So(err, ShouldBeNil)
			So(cmd.Rendered, ShouldStartWith, "qsub -N a ")
			So(cmd.Rendered, ShouldContainSubstring, "-l mem=1024M")
			So(cmd.Rendered, ShouldEndWith, "/tools/a.sh")
			So(m.State(a), ShouldEqual, scheduler.Queued)

			flags, ids, err := m.TranslateDependencies(b)
			So(err, ShouldBeNil)
			So(flags, ShouldEqual, "-W depend=afterok:1001")
			So(ids, ShouldHaveLength, 1)

			h.respond("qsub", "1002.head\n", "", nil)
			cmd, err = m.Run(ctx, b)
			So(err, ShouldBeNil)
			So(cmd.Rendered, ShouldContainSubstring, "-W depend=afterok:1001")
			So(cmd.ID, ShouldNotBeEmpty)
			So(cmd.RunID, ShouldEqual, m.RunID())
			So(m.LogFileName(b), ShouldEqual, "b.o1002")
		})

		Convey("Jobs can't be run twice", func() {
			a := addJob(m, "a")
			_, err := m.Run(ctx, a)
			So(err, ShouldBeNil)

			h.respond("qsub", "1002.head\n", "", nil)
			cmd, err := m.Run(ctx, a)
			So(err, ShouldNotBeNil)
			So(cmd, ShouldBeNil)
			So(err.(Error).Err, ShouldEqual, ErrAlreadyRun)
			So(h.ran("qsub"), ShouldHaveLength, 1)
			So(m.Commands(), ShouldHaveLength, 1)
			job, _ := m.Job(a)
			So(job.ID.Raw, ShouldEqual, "1001.head")
			So(m.State(a), ShouldEqual, scheduler.Queued)
		})

		Convey("Parameter values with commas are refused", func() {
			a, err := m.AddJob(Job{Name: "a", ToolPath: "/tools/a.sh", Parameters: []scheduler.Parameter{{Key: "LIST", Value: "x,y"}}})
			So(err, ShouldBeNil)
			cmd, err := m.Run(ctx, a)
			So(err, ShouldNotBeNil)
			So(cmd, ShouldBeNil)
			So(err.(Error).Err, ShouldEqual, ErrBadParameter)
			So(err.Error(), ShouldContainSubstring, "LIST")
			So(h.ran("qsub"), ShouldBeEmpty)
			So(m.Commands(), ShouldBeEmpty)
			So(m.State(a), ShouldEqual, scheduler.Unstarted)
		})

		Convey("Close() lets go of the exec host", func() {
			So(m.Close(), ShouldBeNil)
			h.Lock()
			defer h.Unlock()
			So(h.closed, ShouldEqual, 1)
		})

		Convey("Dependency overrides and edge types are honoured", func() {
			a := addJob(m, "a")
			_, err := m.Run(ctx, a)
			So(err, ShouldBeNil)

			b, err := m.AddJob(Job{
				Name:               "b",
				Parents:            []Edge{{Parent: a}},
				ProcessingCommands: []scheduler.ProcessingCommand{scheduler.DependencyOverride(scheduler.AfterFail)},
			})
			So(err, ShouldBeNil)
			flags, _, err := m.TranslateDependencies(b)
			So(err, ShouldBeNil)
			So(flags, ShouldEqual, "-W depend=afterfail:1001")

			c, err := m.AddJob(Job{Name: "c", Parents: []Edge{{Parent: a, Type: scheduler.After}}})
			So(err, ShouldBeNil)
			flags, _, err = m.TranslateDependencies(c)
			So(err, ShouldBeNil)
			So(flags, ShouldEqual, "-W depend=after:1001")
		})

		Convey("Parents that were never submitted give no dependency", func() {
			a := addJob(m, "a")
			b := addJob(m, "b", a)
			flags, ids, err := m.TranslateDependencies(b)
			So(err, ShouldBeNil)
			So(flags, ShouldEqual, "")
			So(ids, ShouldBeEmpty)

			_, _, err = m.TranslateDependencies(42)
			So(err, ShouldNotBeNil)
		})

		Convey("Dummy commands get fake ids that dependents ignore", func() {
			a := addJob(m, "a")
			b := addJob(m, "b", a)
			cmd, err := m.CreateDummyCommand(a)
			So(err, ShouldBeNil)
			So(cmd.Dummy, ShouldBeTrue)
			So(cmd.String(), ShouldStartWith, "Dummy: ")

			job, _ := m.Job(a)
			So(job.State, ShouldEqual, scheduler.Dummy)
			So(job.ID.IsValid(), ShouldBeFalse)
			So(scheduler.IsFakeDependencyID(job.ID.Raw), ShouldBeTrue)

			flags, _, err := m.TranslateDependencies(b)
			So(err, ShouldBeNil)
			So(flags, ShouldEqual, "")
			So(h.ran("qsub"), ShouldBeEmpty)

			code, err := m.WaitForJobsToFinish(ctx)
			So(err, ShouldBeNil)
			So(code, ShouldEqual, 0)
		})

		Convey("Scheduler settings don't override job parameters", func() {
			hs := newMockHost()
			hs.respond("qsub", "Your job 77 (\"a\") has been submitted\n", "", nil)
			ms, err := NewManager(Config{SchedulerName: "sge", SchedulerConfig: &scheduler.ConfigSGE{ConfigPBS: scheduler.ConfigPBS{Host: hs}}}, testLogger)
			So(err, ShouldBeNil)
			a, err := ms.AddJob(Job{Name: "a", ToolPath: "/tools/a.sh", Parameters: []scheduler.Parameter{{Key: "BATCHQ_AUTOCLEANUP_SCRATCH", Value: "false"}}})
			So(err, ShouldBeNil)
			cmd, err := ms.Run(ctx, a)
			So(err, ShouldBeNil)
			So(cmd.Rendered, ShouldContainSubstring, "BATCHQ_AUTOCLEANUP_SCRATCH=false")
			So(cmd.Rendered, ShouldNotContainSubstring, "BATCHQ_AUTOCLEANUP_SCRATCH=true")
			So(cmd.Rendered, ShouldContainSubstring, "BATCHQ_JOBID=")
			job, _ := ms.Job(a)
			So(job.ID.Raw, ShouldEqual, "77")
		})
	})
}

func TestManagerResubmission(t *testing.T) {
	ctx := context.Background()

	Convey("When submission fails", t, func() {
		h := newMockHost()
		h.respond("qsub", "1001.head\n", "", nil)

		Convey("Without resubmission the job fails at once", func() {
			h.failFirst("qsub", 1)
			m := pbsManager(h)
			a := addJob(m, "a")
			_, err := m.Run(ctx, a)
			So(err, ShouldNotBeNil)
			jqerr, ok := err.(Error)
			So(ok, ShouldBeTrue)
			So(jqerr.Err, ShouldEqual, ErrSubmissionFailed)
			So(jqerr.Cause.Error(), ShouldContainSubstring, "temporarily unavailable")
			So(h.ran("qsub"), ShouldHaveLength, 1)
			So(m.State(a), ShouldEqual, scheduler.Failed)
			So(m.ExitCode(), ShouldEqual, 1)
		})

		Convey("With resubmission it is retried until it works", func() {
			h.failFirst("qsub", 2)
			m := pbsManager(h, func(c *Config) {
				c.ResubmitOnError = true
				c.ResubmitAttempts = 3
			})
			a := addJob(m, "a")
			_, err := m.Run(ctx, a)
			So(err, ShouldBeNil)
			So(h.ran("qsub"), ShouldHaveLength, 3)
			So(m.State(a), ShouldEqual, scheduler.Queued)
		})

		Convey("Resubmission gives up after the configured attempts", func() {
			h.failFirst("qsub", 10)
			m := pbsManager(h, func(c *Config) {
				c.ResubmitOnError = true
				c.ResubmitAttempts = 2
			})
			a := addJob(m, "a")
			_, err := m.Run(ctx, a)
			So(err, ShouldNotBeNil)
			So(h.ran("qsub"), ShouldHaveLength, 3)
			So(m.State(a), ShouldEqual, scheduler.Failed)
		})

		Convey("Retries wait at least 2 seconds, and are capped", func() {
			for _, wait := range []time.Duration{0, time.Second, 2 * time.Second} {
				mw, err := NewManager(Config{
					SchedulerName:    "pbs",
					SchedulerConfig:  &scheduler.ConfigPBS{Host: h},
					ResubmitOnError:  true,
					ResubmitAttempts: 0,
					ResubmitWait:     wait,
				})
				So(err, ShouldBeNil)
				retries, d := mw.resubmitPolicy()
				So(retries, ShouldEqual, maxResubmitAttempts)
				So(d, ShouldEqual, 2*time.Second)
			}

			mw, err := NewManager(Config{
				SchedulerName:    "pbs",
				SchedulerConfig:  &scheduler.ConfigPBS{Host: h},
				ResubmitOnError:  true,
				ResubmitAttempts: -3,
				ResubmitWait:     5 * time.Second,
			})
			So(err, ShouldBeNil)
			retries, d := mw.resubmitPolicy()
			So(retries, ShouldEqual, 100)
			So(d, ShouldEqual, 5*time.Second)

			mw.config.ResubmitAttempts = 500
			retries, _ = mw.resubmitPolicy()
			So(retries, ShouldEqual, 100)

			mw.config.ResubmitAttempts = 7
			retries, _ = mw.resubmitPolicy()
			So(retries, ShouldEqual, 7)

			mw.config.ResubmitOnError = false
			retries, _ = mw.resubmitPolicy()
			So(retries, ShouldEqual, 0)
		})

		Convey("Unparseable output counts as a failure", func() {
			h.respond("qsub", "qsub: would exceed queue limit\n", "", nil)
			m := pbsManager(h)
			a := addJob(m, "a")
			_, err := m.Run(ctx, a)
			So(err, ShouldNotBeNil)
			So(m.State(a), ShouldEqual, scheduler.Failed)
		})
	})
}

func TestManagerStatus(t *testing.T) {
	ctx := context.Background()

	Convey("Given submitted pbs jobs", t, func() {
		h := newMockHost()
		h.respond("qsub", "1001.head\n", "", nil)
		h.respond("qstat", "1001.head a u 0 R batch\n", "", nil)
		m := pbsManager(h)
		defer m.Close()
		a := addJob(m, "a")
		_, err := m.Run(ctx, a)
		So(err, ShouldBeNil)
		job, _ := m.Job(a)

		Convey("QueryJobStatus() is repeatable and changes nothing", func() {
			first, err := m.QueryJobStatus(ctx, []scheduler.DependencyID{job.ID})
			So(err, ShouldBeNil)
			second, err := m.QueryJobStatus(ctx, []scheduler.DependencyID{job.ID})
			So(err, ShouldBeNil)
			So(first, ShouldResemble, second)
			So(first["1001"], ShouldEqual, scheduler.Running)
			So(m.State(a), ShouldEqual, scheduler.Queued)
		})

		Convey("Jobs that leave the listing are assumed to be OK", func() {
			h.respond("qstat", "", "", nil)
			m.Scheduler().ForgetStatus()
			states, err := m.QueryJobStatus(ctx, []scheduler.DependencyID{job.ID})
			So(err, ShouldBeNil)
			So(states["1001"], ShouldEqual, scheduler.OK)
		})

		Convey("Unless probing their exit code says otherwise", func() {
			hp := newMockHost()
			hp.respond("qsub", "2001.head\n", "", nil)
			hp.respond("qstat", "", "", nil)
			hp.respond("qstat -f", "Job Id: 2001.head\n    exit_status = 3\n", "", nil)
			mp := pbsManager(hp, func(c *Config) {
				c.SchedulerConfig.(*scheduler.ConfigPBS).ProbeExitCodes = true
			})
			b := addJob(mp, "b")
			_, err := mp.Run(ctx, b)
			So(err, ShouldBeNil)

			code, err := mp.WaitForJobsToFinish(ctx)
			So(err, ShouldBeNil)
			So(code, ShouldEqual, 1)
			So(mp.State(b), ShouldEqual, scheduler.Failed)
			So(hp.ran("qstat -f 2001"), ShouldHaveLength, 1)
		})

		Convey("Jobs listed as completed get their exit code looked up too", func() {
			hp := newMockHost()
			hp.respond("qsub", "2001.head\n", "", nil)
			hp.respond("qstat", "2001.head b u 00:00:10 C batch\n", "", nil)
			hp.respond("qstat -f", "Job Id: 2001.head\n    exit_status = 3\n", "", nil)
			mp := pbsManager(hp, func(c *Config) {
				c.SchedulerConfig.(*scheduler.ConfigPBS).ProbeExitCodes = true
			})
			defer mp.Close()
			b := addJob(mp, "b")
			_, err := mp.Run(ctx, b)
			So(err, ShouldBeNil)

			code, err := mp.WaitForJobsToFinish(ctx)
			So(err, ShouldBeNil)
			So(code, ShouldEqual, 1)
			So(mp.State(b), ShouldEqual, scheduler.Failed)
			So(hp.ran("qstat -f 2001"), ShouldHaveLength, 1)
		})

		Convey("WaitForJobsToFinish() polls until everything is done", func() {
			var mu sync.Mutex
			var seen []scheduler.JobState
			m.AddListener(ListenerFunc(func(job Job, oldState, newState scheduler.JobState) {
				mu.Lock()
				seen = append(seen, newState)
				mu.Unlock()
				if newState == scheduler.Running {
					h.respond("qstat", "", "", nil)
				}
			}))

			code, err := m.WaitForJobsToFinish(ctx)
			So(err, ShouldBeNil)
			So(code, ShouldEqual, 0)
			So(m.State(a), ShouldEqual, scheduler.OK)
			mu.Lock()
			So(seen, ShouldResemble, []scheduler.JobState{scheduler.Running, scheduler.OK})
			mu.Unlock()
		})

		Convey("WaitForJobsToFinish() fails when status can't be queried", func() {
			h.respond("qstat", "", "qstat: cannot connect to server", errors.New("exit status 1"))
			code, err := m.WaitForJobsToFinish(ctx)
			So(err, ShouldNotBeNil)
			So(code, ShouldEqual, ExitWaitFailed)
			So(err.(Error).Err, ShouldEqual, ErrWaitFailed)
		})

		Convey("WaitForJobsToFinish() gives up when cancelled", func() {
			cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			code, err := m.WaitForJobsToFinish(cctx)
			So(err, ShouldNotBeNil)
			So(code, ShouldEqual, ExitWaitFailed)
		})

		Convey("The update daemon updates states in the background", func() {
			done := make(chan bool, 1)
			m.AddListener(ListenerFunc(func(job Job, oldState, newState scheduler.JobState) {
				if newState == scheduler.Running {
					h.respond("qstat", "", "", nil)
				}
				if newState.IsTerminal() {
					done <- true
				}
			}))
			m.CreateUpdateDaemon(5 * time.Millisecond)
			m.CreateUpdateDaemon(5 * time.Millisecond)

			var finished bool
			select {
			case finished = <-done:
			case <-time.After(5 * time.Second):
			}
			m.StopUpdateDaemon()
			So(finished, ShouldBeTrue)
			So(m.State(a), ShouldEqual, scheduler.OK)
		})

		Convey("Jobs can be aborted", func() {
			h.respond("qdel", "", "", nil)
			m.QueryJobAbortion(ctx, []JobKey{a})
			So(h.ran("qdel 1001"), ShouldHaveLength, 1)
			So(m.State(a), ShouldEqual, scheduler.Aborted)
			So(m.ExitCode(), ShouldEqual, 0)
		})

		Convey("Failed abortion leaves jobs as they were", func() {
			h.respond("qdel", "", "qdel: Unauthorized Request", errors.New("exit status 1"))
			m.QueryJobAbortion(ctx, []JobKey{a})
			So(m.State(a), ShouldEqual, scheduler.Queued)
		})
	})
}

func TestManagerArrays(t *testing.T) {
	ctx := context.Background()

	Convey("Array jobs have children", t, func() {
		h := newMockHost()
		h.respond("qsub", "3001[].head\n", "", nil)
		m := pbsManager(h)
		a, err := m.AddJob(Job{Name: "arr", ToolPath: "/tools/arr.sh", ArrayIndices: []string{"1", "2", "3"}})
		So(err, ShouldBeNil)
		job, _ := m.Job(a)
		So(job.Type, ShouldEqual, JobTypeArrayHead)

		cmd, err := m.Run(ctx, a)
		So(err, ShouldBeNil)
		So(cmd.Rendered, ShouldContainSubstring, "-t 1,2,3")

		child, err := m.ArrayChild(a, "2")
		So(err, ShouldBeNil)
		cjob, _ := m.Job(child)
		So(cjob.Type, ShouldEqual, JobTypeArrayChild)
		So(cjob.ArrayParent, ShouldEqual, a)
		So(cjob.ID.Raw, ShouldEqual, "3001[2].head")
		So(cjob.ID.Job, ShouldEqual, int(child))
		So(cjob.State, ShouldEqual, scheduler.Queued)
		So(cjob.Name, ShouldEqual, "arr[2]")

		b, err := m.AddJob(Job{Name: "b", Parents: []Edge{{Parent: a}}})
		So(err, ShouldBeNil)
		flags, _, err := m.TranslateDependencies(b)
		So(err, ShouldBeNil)
		So(flags, ShouldEqual, "-W depend=afterokarray:3001[]")

		c, err := m.AddJob(Job{Name: "c", Parents: []Edge{{Parent: a, ArrayIndex: "3"}}})
		So(err, ShouldBeNil)
		flags, _, err = m.TranslateDependencies(c)
		So(err, ShouldBeNil)
		So(flags, ShouldEqual, "-W depend=afterok:3001[3]")

		_, err = m.ArrayChild(c, "1")
		So(err, ShouldNotBeNil)
		So(err.(Error).Err, ShouldEqual, ErrNotArray)

		Convey("Children share their array's state while it is listed", func() {
			h.respond("qstat", "3001[].head arr u 00:00:10 R batch\n", "", nil)
			child, err := m.ArrayChild(a, "1")
			So(err, ShouldBeNil)

			So(m.update(ctx), ShouldBeNil)
			So(m.State(a), ShouldEqual, scheduler.Running)
			So(m.State(child), ShouldEqual, scheduler.Running)

			h.respond("qstat", "", "", nil)
			m.Scheduler().ForgetStatus()
			So(m.update(ctx), ShouldBeNil)
			So(m.State(a), ShouldEqual, scheduler.OK)
			So(m.State(child), ShouldEqual, scheduler.OK)
		})
	})
}

func TestManagerHistory(t *testing.T) {
	ctx := context.Background()

	Convey("With a history file", t, func() {
		tmpdir, err := ioutil.TempDir("", "batchq_jobqueue_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(tmpdir)
		historyFile := filepath.Join(tmpdir, "sub", "history.db")

		h := newMockHost()
		h.respond("qsub", "1001.head\n", "", nil)
		h.respond("qstat", "1001.head a u 0 R batch\n", "", nil)
		m := pbsManager(h, func(c *Config) {
			c.HistoryFile = historyFile
			c.RunID = "run1"
		})
		So(m.RunID(), ShouldEqual, "run1")

		a := addJob(m, "a")
		b := addJob(m, "b", a)
		c := addJob(m, "c", b)
		_, err = m.Run(ctx, a)
		So(err, ShouldBeNil)
		h.respond("qsub", "1002.head\n", "", nil)
		_, err = m.Run(ctx, b)
		So(err, ShouldBeNil)
		_, err = m.CreateDummyCommand(c)
		So(err, ShouldBeNil)
		m.setState(a, scheduler.Running, nil)
		m.setState(a, scheduler.OK, nil)

		Convey("State changes are logged", func() {
			entries, err := m.History().StateLog("run1")
			So(err, ShouldBeNil)
			So(entries, ShouldHaveLength, 5)
			So(entries[0], ShouldStartWith, "1001:255:")
			So(entries[len(entries)-1], ShouldStartWith, "1001:C:")

			_, err = m.History().StateLog("nope")
			So(err, ShouldNotBeNil)
		})

		Convey("Runs can be summarised", func() {
			runs, err := m.History().Runs()
			So(err, ShouldBeNil)
			So(runs, ShouldHaveLength, 1)
			So(runs[0].RunID, ShouldEqual, "run1")
			So(runs[0].Jobs, ShouldEqual, 3)
			So(runs[0].Created.IsZero(), ShouldBeFalse)

			summary, err := m.History().Summary("run1")
			So(err, ShouldBeNil)
			So(summary.Jobs, ShouldEqual, 3)
			So(summary.States[scheduler.OK], ShouldEqual, 1)
			So(summary.States[scheduler.Queued], ShouldEqual, 1)
			So(summary.States[scheduler.Dummy], ShouldEqual, 1)
			So(summary.MeanRuntime, ShouldBeGreaterThanOrEqualTo, time.Duration(0))
		})

		Convey("Jobs can be read back in as read-out jobs", func() {
			So(m.Close(), ShouldBeNil)

			var notified bool
			m2 := pbsManager(h, func(c *Config) {
				c.HistoryFile = historyFile
			})
			defer m2.Close()
			m2.AddListener(ListenerFunc(func(job Job, oldState, newState scheduler.JobState) {
				notified = true
			}))
			other := addJob(m2, "other")

			keys, err := m2.LoadReadOutJobs("run1")
			So(err, ShouldBeNil)
			So(keys, ShouldResemble, []JobKey{other + 1, other + 2, other + 3})

			ra, _ := m2.Job(keys[0])
			So(ra.IsReadOut(), ShouldBeTrue)
			So(ra.State, ShouldEqual, scheduler.OK)
			So(ra.ID.Raw, ShouldEqual, "1001.head")

			rb, _ := m2.Job(keys[1])
			So(rb.State, ShouldEqual, scheduler.UnknownReadOut)
			So(rb.Parents, ShouldResemble, []Edge{{Parent: keys[0]}})

			rc, _ := m2.Job(keys[2])
			So(rc.State, ShouldEqual, scheduler.Dummy)

			So(m2.ExitCode(), ShouldEqual, 1)
			m2.config.ReadOutUnknownIsOK = true
			So(m2.ExitCode(), ShouldEqual, 0)

			cmd, err := m2.Run(ctx, keys[0])
			So(err, ShouldNotBeNil)
			So(cmd, ShouldBeNil)
			So(err.(Error).Err, ShouldEqual, ErrIllegalOperation)
			So(m2.Commands(), ShouldBeEmpty)
			So(notified, ShouldBeFalse)

			_, err = m2.CreateCommand(keys[0], "x", nil, "x", nil, nil, nil)
			So(err, ShouldNotBeNil)

			_, err = m2.LoadReadOutJobs("nope")
			So(err, ShouldNotBeNil)
		})

		Reset(func() {
			m.Close()
		})
	})

	Convey("Without a history file read-out jobs can't be loaded", t, func() {
		m := pbsManager(newMockHost())
		_, err := m.LoadReadOutJobs("run1")
		So(err, ShouldNotBeNil)
		So(err.(Error).Err, ShouldEqual, ErrNoHistory)
	})
}

func TestExitCode(t *testing.T) {
	Convey("The exit code counts failed jobs", t, func() {
		m := pbsManager(newMockHost())
		for i := 0; i < 7; i++ {
			key := addJob(m, "j")
			state := scheduler.OK
			if i < 2 {
				state = scheduler.Failed
			}
			m.setState(key, state, nil)
		}
		So(m.ExitCode(), ShouldEqual, 2)

		So(clampExitCode(300), ShouldEqual, MaxFailedExitCode)
		So(clampExitCode(-1), ShouldEqual, 0)
		So(clampExitCode(250), ShouldEqual, 250)
	})

	Convey("Job names and errors are formatted", t, func() {
		when := time.Date(2021, 3, 14, 9, 30, 0, 0, time.UTC)
		So(CreateJobName(when, "patient1", "align"), ShouldEqual, "r210314_093000_patient1_align")

		err := Error{Op: "Run", Job: "a", Err: ErrSubmissionFailed, Cause: errors.New("boom")}
		So(err.Error(), ShouldEqual, "jobqueue Run(a): submission failed: boom")
	})

	Convey("NewManager() rejects bad schedulers", t, func() {
		_, err := NewManager(Config{SchedulerName: "lsf"})
		So(err, ShouldNotBeNil)
		_, err = NewManager(Config{SchedulerName: "pbs", SchedulerConfig: &scheduler.ConfigDirect{}})
		So(err, ShouldNotBeNil)
	})
}
