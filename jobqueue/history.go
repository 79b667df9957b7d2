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

// This file contains functions for interacting with our history database,
// which is boltdb. Each run gets its own bucket, holding the latest record of
// every job and a log of every state change.

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/VertebrateResequencing/batchq/jobqueue/scheduler"
	"github.com/carbocation/runningvariance"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ugorji/go/codec"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns    = []byte("runs")
	bucketJobs    = []byte("jobs")
	bucketLog     = []byte("log")
	keyRunCreated = []byte("created")
)

const runCacheSize = 16

// historyRecord is how a Job is stored.
type historyRecord struct {
	Key         int
	Name        string
	ToolID      string
	ToolPath    string
	Parents     []int
	RawID       string
	Backend     string
	State       int
	Type        int
	ArrayParent int
	Submitted   int64
	Finished    int64
}

func newHistoryRecord(j *Job) historyRecord {
	r := historyRecord{
		Key:         int(j.Key),
		Name:        j.Name,
		ToolID:      j.ToolID,
		ToolPath:    j.ToolPath,
		RawID:       j.ID.Raw,
		Backend:     j.ID.Backend,
		State:       int(j.State),
		Type:        int(j.Type),
		ArrayParent: int(j.ArrayParent),
	}
	for _, e := range j.Parents {
		r.Parents = append(r.Parents, int(e.Parent))
	}
	if !j.Submitted.IsZero() {
		r.Submitted = j.Submitted.UnixNano()
	}
	if !j.Finished.IsZero() {
		r.Finished = j.Finished.UnixNano()
	}
	return r
}

// job converts the record back to a read-out Job.
func (r historyRecord) job() Job {
	j := Job{
		Key:         JobKey(r.Key),
		Name:        r.Name,
		ToolID:      r.ToolID,
		ToolPath:    r.ToolPath,
		ID:          scheduler.DependencyID{Job: r.Key, Raw: r.RawID, Backend: r.Backend},
		State:       scheduler.JobState(r.State),
		Type:        JobType(r.Type),
		ArrayParent: JobKey(r.ArrayParent),
		readOut:     true,
	}
	for _, p := range r.Parents {
		j.Parents = append(j.Parents, Edge{Parent: JobKey(p)})
	}
	if r.Submitted != 0 {
		j.Submitted = time.Unix(0, r.Submitted)
	}
	if r.Finished != 0 {
		j.Finished = time.Unix(0, r.Finished)
	}
	return j
}

// RunInfo describes a run recorded in a History.
type RunInfo struct {
	RunID   string
	Created time.Time
	Jobs    int
}

// RunSummary gives the state counts and runtime statistics of a run's jobs.
type RunSummary struct {
	RunID         string
	Jobs          int
	States        map[scheduler.JobState]int
	MeanRuntime   time.Duration
	StdDevRuntime time.Duration
}

// History is a database of the jobs of past and present runs.
type History struct {
	bolt  *bolt.DB
	cache *lru.ARCCache
	ch    codec.Handle
}

// OpenHistory opens (creating if necessary) the history database at path.
func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	boltdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}

	err = boltdb.Update(func(tx *bolt.Tx) error {
		_, errc := tx.CreateBucketIfNotExists(bucketRuns)
		if errc != nil {
			return fmt.Errorf("create bucket %s: %s", bucketRuns, errc)
		}
		return nil
	})
	if err != nil {
		errc := boltdb.Close()
		if errc != nil {
			err = fmt.Errorf("%s (and closing failed: %s)", err, errc)
		}
		return nil, err
	}

	cache, err := lru.NewARC(runCacheSize)
	if err != nil {
		return nil, err
	}

	return &History{bolt: boltdb, cache: cache, ch: new(codec.BincHandle)}, nil
}

// record stores the job's current details under the given run, and appends
// its state to the run's log.
func (h *History) record(runID string, j *Job) error {
	var encoded []byte
	enc := codec.NewEncoderBytes(&encoded, h.ch)
	if err := enc.Encode(newHistoryRecord(j)); err != nil {
		return err
	}

	err := h.bolt.Batch(func(tx *bolt.Tx) error {
		rb, err := tx.Bucket(bucketRuns).CreateBucketIfNotExists([]byte(runID))
		if err != nil {
			return err
		}
		if rb.Get(keyRunCreated) == nil {
			now := strconv.FormatInt(time.Now().UnixNano(), 10)
			if err = rb.Put(keyRunCreated, []byte(now)); err != nil {
				return err
			}
		}

		jb, err := rb.CreateBucketIfNotExists(bucketJobs)
		if err != nil {
			return err
		}
		if err = jb.Put(jobRecordKey(j.Key), encoded); err != nil {
			return err
		}

		lb, err := rb.CreateBucketIfNotExists(bucketLog)
		if err != nil {
			return err
		}
		seq, err := lb.NextSequence()
		if err != nil {
			return err
		}
		entry := fmt.Sprintf("%s:%s:%d", j.ID.ShortID(), j.State.StateCode(), time.Now().Unix())
		return lb.Put([]byte(fmt.Sprintf("%020d", seq)), []byte(entry))
	})
	h.cache.Remove(runID)
	return err
}

func jobRecordKey(key JobKey) []byte {
	return []byte(fmt.Sprintf("%010d", key))
}

// load returns the latest records of all the jobs of a run, in key order.
func (h *History) load(runID string) ([]historyRecord, error) {
	if cached, found := h.cache.Get(runID); found {
		return cached.([]historyRecord), nil
	}

	var records []historyRecord
	err := h.bolt.View(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRuns).Bucket([]byte(runID))
		if rb == nil {
			return Error{Op: "load", Job: runID, Err: ErrUnknownRun}
		}
		jb := rb.Bucket(bucketJobs)
		if jb == nil {
			return nil
		}
		return jb.ForEach(func(k, v []byte) error {
			var r historyRecord
			dec := codec.NewDecoderBytes(v, h.ch)
			if err := dec.Decode(&r); err != nil {
				return err
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	h.cache.Add(runID, records)
	return records, nil
}

// StateLog returns the run's log of state changes, oldest first, each entry
// being "id:code:unixtime".
func (h *History) StateLog(runID string) ([]string, error) {
	var entries []string
	err := h.bolt.View(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRuns).Bucket([]byte(runID))
		if rb == nil {
			return Error{Op: "StateLog", Job: runID, Err: ErrUnknownRun}
		}
		lb := rb.Bucket(bucketLog)
		if lb == nil {
			return nil
		}
		return lb.ForEach(func(k, v []byte) error {
			entries = append(entries, string(v))
			return nil
		})
	})
	return entries, err
}

// Runs returns details of every recorded run, oldest first.
func (h *History) Runs() ([]RunInfo, error) {
	var runs []RunInfo
	err := h.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			rb := tx.Bucket(bucketRuns).Bucket(k)
			info := RunInfo{RunID: string(k)}
			if created := rb.Get(keyRunCreated); created != nil {
				nanos, err := strconv.ParseInt(string(created), 10, 64)
				if err == nil {
					info.Created = time.Unix(0, nanos)
				}
			}
			if jb := rb.Bucket(bucketJobs); jb != nil {
				info.Jobs = jb.Stats().KeyN
			}
			runs = append(runs, info)
			return nil
		})
	})
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].Created.Before(runs[j].Created)
	})
	return runs, err
}

// Summary counts the run's jobs per state, and gives the mean and standard
// deviation of the runtimes of its finished jobs.
func (h *History) Summary(runID string) (*RunSummary, error) {
	records, err := h.load(runID)
	if err != nil {
		return nil, err
	}

	s := &RunSummary{RunID: runID, Jobs: len(records), States: make(map[scheduler.JobState]int)}
	rs := runningvariance.NewRunningStat()
	for _, r := range records {
		s.States[scheduler.JobState(r.State)]++
		if r.Submitted != 0 && r.Finished != 0 && r.Finished >= r.Submitted {
			rs.Push(float64(r.Finished - r.Submitted))
		}
	}
	if rs.NumDataValues() > 0 {
		s.MeanRuntime = time.Duration(rs.Mean())
		s.StdDevRuntime = time.Duration(rs.StandardDeviation())
	}
	return s, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.bolt.Close()
}

// LoadReadOutJobs adds the jobs of an earlier run to this Manager as read-out
// jobs, returning their new keys in the order they were originally added.
// Jobs that had finished keep their final state, as do dummies; all others
// become UNKNOWN_READOUT. Read-out jobs can't be run, and are not recorded in the
// history or reported to listeners.
func (m *Manager) LoadReadOutJobs(runID string) ([]JobKey, error) {
	if m.history == nil {
		return nil, Error{Op: "LoadReadOutJobs", Job: runID, Err: ErrNoHistory}
	}
	records, err := m.history.load(runID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	offset := len(m.jobs)
	remap := make(map[int]JobKey, len(records))
	for i, r := range records {
		remap[r.Key] = JobKey(offset + i)
	}

	keys := make([]JobKey, 0, len(records))
	for _, r := range records {
		j := r.job()
		j.Key = remap[r.Key]
		j.ID.Job = int(j.Key)
		if !j.State.IsTerminal() && j.State != scheduler.Dummy {
			j.State = scheduler.UnknownReadOut
		}

		parents := j.Parents[:0]
		for _, e := range j.Parents {
			if k, found := remap[int(e.Parent)]; found {
				parents = append(parents, Edge{Parent: k})
			}
		}
		j.Parents = parents
		if k, found := remap[int(j.ArrayParent)]; found {
			j.ArrayParent = k
		} else {
			j.ArrayParent = NoJob
		}

		m.jobs = append(m.jobs, &j)
		keys = append(keys, j.Key)
	}
	return keys, nil
}

// History returns the Manager's history database, or nil if not configured.
func (m *Manager) History() *History {
	return m.history
}
