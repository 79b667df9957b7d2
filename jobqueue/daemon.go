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

// This file contains the background status polling.

import (
	"context"
	"time"

	"github.com/VertebrateResequencing/batchq/internal"
	"github.com/VividCortex/ewma"
	"github.com/inconshreveable/log15"
)

// daemon periodically updates the states of a Manager's jobs until stopped.
type daemon struct {
	m        *Manager
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	latency  ewma.MovingAverage
	log15.Logger
}

func newDaemon(m *Manager, interval time.Duration) *daemon {
	return &daemon{
		m:        m,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		latency:  ewma.NewMovingAverage(),
		Logger:   m.Logger.New("daemon", "status"),
	}
}

func (d *daemon) run() {
	defer close(d.done)
	defer internal.LogPanic(d.Logger, "status daemon", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.poll(ctx)
		case <-d.stop:
			return
		}
	}
}

func (d *daemon) poll(ctx context.Context) {
	start := time.Now()
	err := d.m.update(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.Warn("status update failed", "err", err)
		}
		return
	}

	d.latency.Add(time.Since(start).Seconds())
	if avg := d.latency.Value(); avg > d.interval.Seconds() {
		d.Warn("status queries are slower than the polling interval", "avg", avg, "interval", d.interval)
	}
}

func (d *daemon) shutdown() {
	close(d.stop)
	<-d.done
}

// CreateUpdateDaemon starts a goroutine that updates job states every interval
// (the configured PollInterval if interval is 0), notifying listeners of
// changes. It does nothing for direct execution, where jobs have finished by
// the time Run() returns, or if the daemon is already running.
func (m *Manager) CreateUpdateDaemon(interval time.Duration) {
	if m.sched.ExecutesWithoutJobSystem() {
		return
	}
	if interval <= 0 {
		interval = m.pollInterval()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.daemon != nil {
		return
	}
	m.daemon = newDaemon(m, interval)
	go m.daemon.run()
}

// StopUpdateDaemon stops the goroutine started by CreateUpdateDaemon() and
// waits for it to exit.
func (m *Manager) StopUpdateDaemon() {
	m.mu.Lock()
	d := m.daemon
	m.daemon = nil
	m.mu.Unlock()

	if d != nil {
		d.shutdown()
	}
}
