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
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dgryski/go-farm"
)

// unsetSentinel is the literal some configurations and schedulers use to mean
// "no value".
const unsetSentinel = "none"

// NoJob is the Job value of a DependencyID that isn't owned by any job.
const NoJob = -1

// FakeReason says why a job got a fake id instead of a real one.
type FakeReason string

// The reasons for a job not being executed.
const (
	FakeNotExecuted FakeReason = "NOT_EXECUTED"
	FakeFileExisted FakeReason = "FILE_EXISTED"
	FakeUndefined   FakeReason = "UNDEFINED"
)

// backendFake is the Backend of DependencyIDs made by NewFakeDependencyID.
const backendFake = "fake"

// DependencyID is the identifier a job scheduler gave a submitted job. How it
// is interpreted depends on the Backend that produced it.
type DependencyID struct {
	Job     int    // arena key of the owning job, or NoJob
	Raw     string // the id exactly as the scheduler reported it
	Backend string // name of the scheduler that produced it
}

// idFormat is implemented per backend to interpret raw ids.
type idFormat interface {
	valid(raw string) bool
	isArray(raw string) bool
	short(raw string) string
	arrayChild(raw, index string) string
}

var idFormats = map[string]idFormat{
	"pbs":       pbsIDs{},
	"sge":       sgeIDs{},
	"direct":    directIDs{},
	backendFake: fakeIDs{},
}

func (id DependencyID) format() idFormat {
	if f, ok := idFormats[id.Backend]; ok {
		return f
	}
	return directIDs{}
}

// IsValid is false for ids of jobs that were never (successfully) submitted.
func (id DependencyID) IsValid() bool {
	raw := strings.TrimSpace(id.Raw)
	if raw == "" || raw == unsetSentinel {
		return false
	}
	return id.format().valid(raw)
}

// IsArrayJob tells you if the id is that of an array job as a whole.
func (id DependencyID) IsArrayJob() bool {
	return id.format().isArray(strings.TrimSpace(id.Raw))
}

// ShortID gives the id without any backend-specific suffixes.
func (id DependencyID) ShortID() string {
	return id.format().short(strings.TrimSpace(id.Raw))
}

// ArrayChild derives the id of the sub-job with the given index of this array
// job. If this is not an array job, the id is returned unchanged.
func (id DependencyID) ArrayChild(index string) DependencyID {
	if !id.IsArrayJob() {
		return id
	}
	child := id
	child.Raw = id.format().arrayChild(strings.TrimSpace(id.Raw), index)
	return child
}

func (id DependencyID) String() string {
	return id.ShortID()
}

// NewFakeDependencyID creates an id that is never valid, for jobs that were
// not submitted. name is used to make it distinguishable in logs.
func NewFakeDependencyID(job int, name string, reason FakeReason, array bool) DependencyID {
	if reason == "" {
		reason = FakeUndefined
	}
	h := farm.Hash32([]byte(fmt.Sprintf("%s:%d", name, time.Now().UnixNano())))
	raw := fmt.Sprintf("0x%08X", h)
	if array {
		raw += "[]"
	}
	return DependencyID{Job: job, Raw: raw + "." + string(reason), Backend: backendFake}
}

// IsFakeDependencyID tells you if a raw id string came from
// NewFakeDependencyID.
func IsFakeDependencyID(raw string) bool {
	return strings.HasPrefix(raw, "0x")
}

// pbsIDs: ids like "1234.server.domain" or "1234[].server" for arrays.
type pbsIDs struct{}

var pbsIDRegex = regexp.MustCompile(`^\d+(\[\d*\])?(\.\S+)?$`)

func (pbsIDs) valid(raw string) bool   { return pbsIDRegex.MatchString(raw) }
func (pbsIDs) isArray(raw string) bool { return strings.Contains(raw, "[]") }
func (pbsIDs) short(raw string) string { return strings.SplitN(raw, ".", 2)[0] }
func (pbsIDs) arrayChild(raw, index string) string {
	return strings.Replace(raw, "[]", "["+index+"]", 1)
}

// sgeIDs: plain numbers, or for arrays "1234.1-10:1" as qsub reports them.
type sgeIDs struct{}

var (
	sgeIDRegex      = regexp.MustCompile(`^\d+(\.\S+)?$`)
	sgeArrayIDRegex = regexp.MustCompile(`^\d+\.\d+-\d+(:\d+)?$`)
)

func (sgeIDs) valid(raw string) bool   { return sgeIDRegex.MatchString(raw) }
func (sgeIDs) isArray(raw string) bool { return sgeArrayIDRegex.MatchString(raw) }
func (sgeIDs) short(raw string) string { return strings.SplitN(raw, ".", 2)[0] }
func (s sgeIDs) arrayChild(raw, index string) string {
	return s.short(raw) + "." + index
}

// directIDs are whatever the command printed; never arrays.
type directIDs struct{}

func (directIDs) valid(raw string) bool            { return true }
func (directIDs) isArray(raw string) bool          { return false }
func (directIDs) short(raw string) string          { return raw }
func (directIDs) arrayChild(raw, _ string) string { return raw }

// fakeIDs are never valid.
type fakeIDs struct{}

func (fakeIDs) valid(raw string) bool            { return false }
func (fakeIDs) isArray(raw string) bool          { return false }
func (fakeIDs) short(raw string) string          { return strings.SplitN(raw, ".", 2)[0] }
func (fakeIDs) arrayChild(raw, _ string) string { return raw }
