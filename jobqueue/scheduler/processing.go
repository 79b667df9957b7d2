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
	"bufio"
	"os"
	"strings"
)

// DependencyType says under which condition of a parent job a dependent job
// is allowed to start.
type DependencyType string

// The supported dependency types. DefaultDependency is used for every edge
// that isn't explicitly overridden.
const (
	After     DependencyType = "after"
	AfterOK   DependencyType = "afterok"
	AfterFail DependencyType = "afterfail"
	Before    DependencyType = "before"
	BeforeOK  DependencyType = "beforeok"

	DefaultDependency = AfterOK
)

// Valid tells you if t is one of the supported types.
func (t DependencyType) Valid() bool {
	switch t {
	case After, AfterOK, AfterFail, Before, BeforeOK:
		return true
	}
	return false
}

// ProcessingCommand is a fragment of a backend command line: resource flags,
// a dependency type override, or raw pass-through text.
type ProcessingCommand interface {
	// Flags returns the text to place on the submission command line, which
	// may be empty but is never missing.
	Flags() string
}

// ResourceFlags is a ProcessingCommand holding rendered resource flags.
type ResourceFlags string

// Flags returns the rendered flags.
func (r ResourceFlags) Flags() string { return string(r) }

func (r ResourceFlags) String() string { return string(r) }

// DependencyFlags is a ProcessingCommand holding rendered dependency flags.
type DependencyFlags string

// Flags returns the rendered flags.
func (d DependencyFlags) Flags() string { return string(d) }

// DependencyOverride is a ProcessingCommand that changes the dependency type
// used for a job's parent edges from the default.
type DependencyOverride DependencyType

// Flags is always empty; the override affects dependency rendering instead.
func (d DependencyOverride) Flags() string { return "" }

// Type returns the overriding dependency type.
func (d DependencyOverride) Type() DependencyType { return DependencyType(d) }

func (d DependencyOverride) String() string { return "depend:" + string(d) }

// Raw is a ProcessingCommand that passes text through untouched. A Raw with
// Dummy set is kept for bookkeeping but never rendered; backends that can't
// use raw options produce these.
type Raw struct {
	Text  string
	Dummy bool
}

// Flags returns the raw text, or nothing for dummies.
func (r Raw) Flags() string {
	if r.Dummy {
		return ""
	}
	return r.Text
}

func (r Raw) String() string {
	if r.Dummy {
		return "Dummy: " + r.Text
	}
	return r.Text
}

// FindDependencyOverride returns the type of the last valid DependencyOverride
// in pcs.
func FindDependencyOverride(pcs []ProcessingCommand) (DependencyType, bool) {
	var found DependencyType
	for _, pc := range pcs {
		if d, ok := pc.(DependencyOverride); ok && d.Type().Valid() {
			found = d.Type()
		}
	}
	return found, found != ""
}

// joinFlags joins the non-empty flags of pcs with single spaces.
func joinFlags(pcs []ProcessingCommand) string {
	parts := make([]string, 0, len(pcs))
	for _, pc := range pcs {
		if pc == nil {
			continue
		}
		if f := strings.TrimSpace(pc.Flags()); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " ")
}

// readDirectives returns the text following prefix on every line of the file
// at path that starts with prefix.
func readDirectives(path, prefix string) ([]string, error) {
	f, err := os.Open(path) // #nosec
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var directives []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, prefix) {
			if d := strings.TrimSpace(strings.TrimPrefix(line, prefix)); d != "" {
				directives = append(directives, d)
			}
		}
	}
	return directives, scanner.Err()
}
