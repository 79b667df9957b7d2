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
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
)

// SizeClass is the named size of a ResourceSet, as chosen by a workflow's
// configuration.
type SizeClass string

// The size classes a configuration can pick between.
const (
	SizeTiny   SizeClass = "t"
	SizeSmall  SizeClass = "s"
	SizeMedium SizeClass = "m"
	SizeLarge  SizeClass = "l"
	SizeXLarge SizeClass = "xl"
)

// ResourceSet describes the resources a job wants from the job scheduler.
// Every field is optional: zero (or negative) numbers and the empty Queue mean
// "not set", and backends only render what is set and what they support.
type ResourceSet struct {
	Size     SizeClass
	Memory   uint64        // bytes
	Cores    int           // processor cores per node
	Nodes    int           // number of nodes
	Walltime time.Duration // wall clock limit
	Storage  uint64        // bytes of local disk
	Queue    string        // queue or class name
}

// NewResourceSet creates a ResourceSet from the kind of strings found in
// configuration files, eg. memory "3.5G", storage "20G", walltime "2h". Empty
// strings leave the corresponding fields unset.
func NewResourceSet(size SizeClass, memory string, cores, nodes int, walltime string, storage string, queue string) (ResourceSet, error) {
	rs := ResourceSet{Size: size, Cores: cores, Nodes: nodes, Queue: strings.TrimSpace(queue)}

	var err error
	if memory != "" {
		rs.Memory, err = bytefmt.ToBytes(memory)
		if err != nil {
			return rs, fmt.Errorf("bad memory value %q: %s", memory, err)
		}
	}
	if storage != "" {
		rs.Storage, err = bytefmt.ToBytes(storage)
		if err != nil {
			return rs, fmt.Errorf("bad storage value %q: %s", storage, err)
		}
	}
	if walltime != "" {
		rs.Walltime, err = time.ParseDuration(walltime)
		if err != nil {
			return rs, fmt.Errorf("bad walltime value %q: %s", walltime, err)
		}
	}
	return rs, nil
}

// MemorySet tells you if Memory should be rendered.
func (rs ResourceSet) MemorySet() bool { return rs.Memory > 0 }

// CoresSet tells you if Cores should be rendered.
func (rs ResourceSet) CoresSet() bool { return rs.Cores > 0 }

// NodesSet tells you if Nodes should be rendered.
func (rs ResourceSet) NodesSet() bool { return rs.Nodes > 0 }

// WalltimeSet tells you if Walltime should be rendered.
func (rs ResourceSet) WalltimeSet() bool { return rs.Walltime > 0 }

// StorageSet tells you if Storage should be rendered.
func (rs ResourceSet) StorageSet() bool { return rs.Storage > 0 }

// QueueSet tells you if Queue should be rendered.
func (rs ResourceSet) QueueSet() bool { return rs.Queue != "" && rs.Queue != unsetSentinel }

// MemoryMB gives Memory in whole megabytes (1G is 1024M).
func (rs ResourceSet) MemoryMB() uint64 {
	return rs.Memory / bytefmt.MEGABYTE
}

// StorageMB gives Storage in whole megabytes.
func (rs ResourceSet) StorageMB() uint64 {
	return rs.Storage / bytefmt.MEGABYTE
}

// String is for logging.
func (rs ResourceSet) String() string {
	var parts []string
	if rs.MemorySet() {
		parts = append(parts, "mem="+bytefmt.ByteSize(rs.Memory))
	}
	if rs.CoresSet() {
		parts = append(parts, fmt.Sprintf("cores=%d", rs.Cores))
	}
	if rs.NodesSet() {
		parts = append(parts, fmt.Sprintf("nodes=%d", rs.Nodes))
	}
	if rs.WalltimeSet() {
		parts = append(parts, "walltime="+rs.Walltime.String())
	}
	if rs.StorageSet() {
		parts = append(parts, "storage="+bytefmt.ByteSize(rs.Storage))
	}
	if rs.QueueSet() {
		parts = append(parts, "queue="+rs.Queue)
	}
	return fmt.Sprintf("[%s] %s", rs.Size, strings.Join(parts, " "))
}

// splitWalltime breaks d in to days, hours, minutes and seconds.
func splitWalltime(d time.Duration) (days, hours, mins, secs int) {
	total := int(d / time.Second)
	days = total / 86400
	total -= days * 86400
	hours = total / 3600
	total -= hours * 3600
	mins = total / 60
	secs = total - mins*60
	return
}
