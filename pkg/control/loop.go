// Copyright 2025 East Asian Observatory
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package control runs the periodic maintenance loop of a bus participant.
// Roster entries expire unless re-announced, so every task that wants to
// stay eligible for cohort membership heartbeats through this loop. The
// loop is single-threaded and tick-driven; a tick that arrives much later
// than scheduled is logged, since it means the process is starved.
package control

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eaobservatory/rtsclient/pkg/logger"
	"github.com/eaobservatory/rtsclient/pkg/metrics"
)

// Announcer is where heartbeats land, normally the bus roster.
type Announcer interface {
	Announce(task string)
}

// starvationFactor flags a tick that arrived this many intervals late.
const starvationFactor = 3

// Loop re-announces a set of tasks at a fixed interval.
type Loop struct {
	announcer Announcer
	logger    *zap.SugaredLogger
	interval  time.Duration

	mu    sync.Mutex
	tasks map[string]struct{}

	currentTick uint64
}

// NewLoop creates a heartbeat loop announcing to a at the given interval.
// The interval should be well below the roster TTL; a third of it is a
// reasonable choice.
func NewLoop(a Announcer, interval time.Duration, tasks ...string) *Loop {
	l := &Loop{
		announcer: a,
		interval:  interval,
		logger:    logger.For(logger.ComponentHeartbeat),
		tasks:     make(map[string]struct{}, len(tasks)),
	}
	for _, task := range tasks {
		l.tasks[task] = struct{}{}
	}
	return l
}

// Add registers another task to heartbeat. Safe to call while running.
func (l *Loop) Add(task string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks[task] = struct{}{}
}

// Remove stops heartbeating a task. Its roster entry then lapses on its own.
func (l *Loop) Remove(task string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tasks, task)
}

// Tick returns the number of completed heartbeat rounds.
func (l *Loop) Tick() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTick
}

// Run announces every registered task once per interval until ctx is done.
// It blocks; run it on its own goroutine.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Infow("Starting heartbeat loop", "interval", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Heartbeat loop stopped")
			return ctx.Err()
		case now := <-ticker.C:
			if lag := now.Sub(last) - l.interval; lag > starvationFactor*l.interval {
				l.logger.Warnw("Heartbeat tick starved", "lag", lag)
			}
			last = now
			l.beat()
		}
	}
}

func (l *Loop) beat() {
	l.mu.Lock()
	tasks := make([]string, 0, len(l.tasks))
	for task := range l.tasks {
		tasks = append(tasks, task)
	}
	l.currentTick++
	l.mu.Unlock()

	for _, task := range tasks {
		l.announcer.Announce(task)
		metrics.IncHeartbeats(task)
	}
}
