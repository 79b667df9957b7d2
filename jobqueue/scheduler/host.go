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

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"

	"github.com/VertebrateResequencing/batchq/internal"
	"github.com/inconshreveable/log15"
)

// localHost implements the Host interface.
type localHost struct {
	logger log15.Logger
	shell  string
}

// NewLocalHost returns a Host that runs commands on this machine using the
// given shell.
func NewLocalHost(shell string, logger ...log15.Logger) Host {
	var l log15.Logger
	if len(logger) == 1 {
		l = logger[0].New("host", "localhost")
	} else {
		l = log15.New()
		l.SetHandler(log15.DiscardHandler())
	}
	return configHost(nil, shell, l)
}

// RunCmd runs the given command on localhost, optionally in the background.
// You get the command's STDOUT and STDERR as strings, even if the command
// exited non-zero, in which case err is also set. If ctx is cancelled the
// command and everything it started are killed, and RunCmd returns once they
// have gone.
func (l *localHost) RunCmd(ctx context.Context, cmd string, background bool) (stdout, stderr string, err error) {
	if background {
		cmd = "sh -c 'nohup " + cmd + " > /dev/null 2>&1 &'"
	}

	ec := exec.Command(l.shell, "-c", cmd) // #nosec
	ec.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var outb, errb bytes.Buffer
	ec.Stdout = &outb
	ec.Stderr = &errb
	if err = ec.Start(); err != nil {
		return "", "", err
	}

	done := make(chan error, 1)
	go func() {
		defer internal.LogPanic(l.logger, "localHost RunCmd", false)
		done <- ec.Wait()
	}()

	select {
	case err = <-done:
		return outb.String(), errb.String(), err
	case <-ctx.Done():
		pid := ec.Process.Pid
		if errk := syscall.Kill(-pid, syscall.SIGKILL); errk != nil {
			l.logger.Debug("failed to kill process group", "pid", pid, "err", errk)
		}
		<-done
		return outb.String(), errb.String(), ctx.Err()
	}
}
