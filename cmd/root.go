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

// this is the cobra file that enables subcommands and handles command-line args

import (
	"fmt"
	"os"

	"github.com/VertebrateResequencing/batchq/internal"
	"github.com/VertebrateResequencing/batchq/jobqueue"
	"github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
	"github.com/VertebrateResequencing/batchq/ssh"
	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
	"github.com/spf13/cobra"
)

// appLogger is used for logging events in our commands
var appLogger = log15.New()

// these variables are accessible by all subcommands.
var deployment string
var config internal.Config
var debug bool

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "batchq",
	Short: "batchq submits workflows to batch job schedulers.",
	Long: `batchq submits workflows to batch job schedulers and tracks them.

You describe the jobs of a workflow, with their resource needs and the jobs
they depend on, in a TOML file. batchq then submits them to your PBS or SGE
cluster (or just runs them one after another with the direct scheduler),
translating resources and dependencies in to the right qsub flags:
$ batchq submit workflow.toml

It waits for the jobs to finish and exits with the number of jobs that failed.
Every state change is recorded, so you can check up on runs later:
$ batchq history
$ batchq status [run id]

Configure which scheduler to use and how with the files described by:
$ batchq conf --default`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once to
// the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		die(err.Error())
	}
}

func init() {
	// set up logging to stderr
	appLogger.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StderrHandler))

	// global flags
	RootCmd.PersistentFlags().StringVar(&deployment, "deployment", internal.DefaultDeployment(appLogger), "use production or development config")
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log debug messages, with their origin in the code")

	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config = internal.ConfigLoad(deployment, false, appLogger)
}

// info is a convenience to log a message at the Info level.
func info(msg string, a ...interface{}) {
	appLogger.Info(fmt.Sprintf(msg, a...))
}

// warn is a convenience to log a message at the Warn level.
func warn(msg string, a ...interface{}) {
	appLogger.Warn(fmt.Sprintf(msg, a...))
}

// die is a convenience to log a message at the Error level and exit non zero.
func die(msg string, a ...interface{}) {
	appLogger.Error(fmt.Sprintf(msg, a...))
	os.Exit(1)
}

// createWorkingDir ensures the main working directory is available
func createWorkingDir() {
	_, err := os.Stat(config.ManagerDir)
	if err != nil {
		if os.IsNotExist(err) {
			// try and create the directory
			err = os.MkdirAll(config.ManagerDir, os.ModePerm)
			if err != nil {
				die("could not create the working directory '%s': %v", config.ManagerDir, err)
			}
		} else {
			die("could not access or create the working directory '%s': %v", config.ManagerDir, err)
		}
	}
}

// setupLogging is a function to provide a new logger who's logging depends on
// debug.
func setupLogging(debug bool) log15.Logger {
	myLogger := log15.New()
	logLevel := log15.LvlWarn
	if debug {
		logLevel = log15.LvlDebug
	}
	myLogger.SetHandler(log15.LvlFilterHandler(logLevel, l15h.CallerInfoHandler(log15.StderrHandler)))
	return myLogger
}

// execHost gives the Host that scheduler commands should be run on: nil for
// the local machine, or an ssh.Host if ExecHost is configured.
func execHost(c internal.Config, logger log15.Logger) scheduler.Host {
	if c.ExecHost == "" {
		return nil
	}
	return ssh.New(ssh.Config{
		Host:           c.ExecHost,
		User:           c.ExecUser,
		PrivateKeyPath: c.PrivateKeyPath,
		KnownHostsFile: c.ExecKnownHosts,
	}, logger)
}

// schedulerConfig converts our config in to the config struct the configured
// job scheduler needs.
func schedulerConfig(c internal.Config, host scheduler.Host) interface{} {
	pbs := scheduler.ConfigPBS{
		Shell:           c.ExecShell,
		Host:            host,
		MemoryResource:  c.PBSMemoryResource,
		SubmitExe:       c.SubmitExe,
		StatusExe:       c.StatusExe,
		KillExe:         c.KillExe,
		AccountingExe:   c.AccountingExe,
		ProbeExitCodes:  c.ProbeExitCodes,
		LogDir:          c.LogDir,
		Email:           c.Email,
		GroupList:       c.GroupList,
		Umask:           c.Umask,
		StatusCacheTime: internal.Seconds(c.StatusCacheTime),
	}

	switch c.Scheduler {
	case "sge":
		pbs.MemoryResource = c.SGEMemoryResource
		return &scheduler.ConfigSGE{
			ConfigPBS:       pbs,
			StorageResource: c.SGEStorageResource,
			NodeFlags:       c.SGENodeFlags,
		}
	case "direct":
		return &scheduler.ConfigDirect{Shell: c.ExecShell, Host: host}
	}
	return &pbs
}

// managerConfig converts our config in to a jobqueue.Config for the given run.
func managerConfig(c internal.Config, runID string, host scheduler.Host) jobqueue.Config {
	return jobqueue.Config{
		SchedulerName:      c.Scheduler,
		SchedulerConfig:    schedulerConfig(c, host),
		PollInterval:       internal.Seconds(c.PollInterval),
		WaitGracePeriod:    internal.Seconds(c.WaitGracePeriod),
		ResubmitOnError:    c.ResubmitOnError,
		ResubmitAttempts:   c.ResubmitAttempts,
		ResubmitWait:       internal.Seconds(c.ResubmitWait),
		ReadOutUnknownIsOK: c.ReadOutUnknownIsOK,
		HistoryFile:        c.HistoryFile,
		RunID:              runID,
	}
}

// newManager gives you a Manager for the given run (a new one if runID is
// empty), with the history open. Dies on error.
func newManager(runID string, logger log15.Logger) *jobqueue.Manager {
	createWorkingDir()
	m, err := jobqueue.NewManager(managerConfig(config, runID, execHost(config, logger)), logger)
	if err != nil {
		die("could not set up the job scheduler: %s", err)
	}
	return m
}
