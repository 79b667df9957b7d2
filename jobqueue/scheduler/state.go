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

// This file contains the canonical job states that all backends map their
// own state tokens on to.

// JobState is the canonical state of a job, independent of backend.
type JobState int

// The possible JobStates. Unstarted is the zero value so that a freshly
// created job is in it without any initialisation.
const (
	Unstarted JobState = iota
	Queued
	Hold
	Running
	OK
	Failed
	Unknown
	UnknownReadOut
	UnknownSubmitted
	Dummy
	Aborted
	FailedPossible
)

var stateNames = [...]string{
	Unstarted:        "UNSTARTED",
	Queued:           "QUEUED",
	Hold:             "HOLD",
	Running:          "RUNNING",
	OK:               "OK",
	Failed:           "FAILED",
	Unknown:          "UNKNOWN",
	UnknownReadOut:   "UNKNOWN_READOUT",
	UnknownSubmitted: "UNKNOWN_SUBMITTED",
	Dummy:            "DUMMY",
	Aborted:          "ABORTED",
	FailedPossible:   "FAILED_POSSIBLE",
}

func (s JobState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "INVALID"
	}
	return stateNames[s]
}

// ParseJobState is the inverse of JobState.String(). Unrecognised names give
// Unknown.
func ParseJobState(name string) JobState {
	for i, n := range stateNames {
		if n == name {
			return JobState(i)
		}
	}
	return Unknown
}

// IsTerminal tells you if no further state change is expected.
func (s JobState) IsTerminal() bool {
	return s == OK || s == Failed || s == Aborted
}

// IsPlannedOrRunning is true for jobs that are waiting to run or running.
func (s JobState) IsPlannedOrRunning() bool {
	return s == Unstarted || s == Running || s == Queued || s == Hold
}

// IsUnknown is true for all flavours of unknown.
func (s JobState) IsUnknown() bool {
	return s == Unknown || s == UnknownReadOut || s == UnknownSubmitted
}

// IsRunning is true only for Running.
func (s JobState) IsRunning() bool {
	return s == Running
}

// IsDummy is true for jobs that were planned but deliberately not run.
func (s JobState) IsDummy() bool {
	return s == Dummy
}

// CanTransitionTo tells you if moving from s to next is a legal move in the
// job state machine. Terminal states never change, Unknown may resolve to
// anything, and UnknownReadOut is only ever assigned when reading history, so
// live jobs can't move in to it.
func (s JobState) CanTransitionTo(next JobState) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}

	switch next {
	case UnknownReadOut:
		return false
	case Unknown, Aborted:
		return true
	}

	switch s {
	case Unstarted, UnknownSubmitted:
		return next != Unstarted
	case Queued:
		return next == Hold || next == Running || next == OK || next == Failed || next == FailedPossible
	case Hold:
		return next == Queued || next == Running || next == OK || next == Failed || next == FailedPossible
	case Running:
		return next == OK || next == Failed || next == FailedPossible
	case Unknown, UnknownReadOut, FailedPossible:
		return true
	case Dummy:
		return false
	}

	return false
}

// StateCode gives the single character code used in job state logs: N for
// unstarted, A for aborted, C for completed, E for failed and 255 for
// everything else.
func (s JobState) StateCode() string {
	switch s {
	case Unstarted:
		return "N"
	case Aborted:
		return "A"
	case OK:
		return "C"
	case Failed:
		return "E"
	}
	return "255"
}

// stateVocabulary maps a backend's raw state tokens to JobStates.
type stateVocabulary map[string]JobState

// lookup never fails: tokens not in the vocabulary are Unknown.
func (v stateVocabulary) lookup(token string) JobState {
	if state, found := v[token]; found {
		return state
	}
	return Unknown
}
