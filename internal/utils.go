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

package internal

// this file has general utility functions

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/inconshreveable/log15"
)

var username string

// LogPanic is for use in goroutines, so that panics are logged (with a stack
// trace) instead of silently killing the program. Use it like:
//
//     go func() {
//         defer internal.LogPanic(logger, "my goroutine", false)
//         ...
//     }()
//
// If die is true, the program exits after logging.
func LogPanic(logger log15.Logger, desc string, die bool) {
	if err := recover(); err != nil {
		logger.Crit(desc+" panic", "err", err, "stack", string(debug.Stack()))
		if die {
			os.Exit(1)
		}
	}
}

// TildaToHome converts a path beginning with ~/ to the absolute path based in
// the current home directory. If that cannot be determined, path is returned
// unaltered.
func TildaToHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

// Username returns the username of the current user. This avoids problems
// with static compilation as it avoids the use of os/user. It will only work
// on linux-like systems where 'id -u -n' works.
func Username() (uname string, err error) {
	if username == "" {
		username, err = parseIDCmd("-u", "-n")
		if err != nil {
			return
		}
	}
	uname = username
	return
}

func parseIDCmd(idopts ...string) (user string, err error) {
	idcmd := exec.Command("id", idopts...) // #nosec
	var idout []byte
	idout, err = idcmd.Output()
	if err != nil {
		return
	}
	user = strings.TrimSuffix(string(idout), "\n")
	return
}
