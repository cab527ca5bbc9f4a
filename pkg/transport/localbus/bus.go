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

// Package localbus is an in-process message bus for control tasks. Named
// tasks register action handlers and publish parameters; peers obey and kick
// those actions and subscribe to the parameters. Each task processes its
// inbox on a single goroutine, which gives every action the serial,
// in-order delivery the coordination layer is written against.
package localbus

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eaobservatory/rtsclient/pkg/logger"
	"github.com/eaobservatory/rtsclient/pkg/rtserrors"
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

// DefaultRosterTTL is how long a roster entry outlives its last announcement.
const DefaultRosterTTL = 30 * time.Second

// Options configures a Bus.
type Options struct {
	// RosterTTL overrides DefaultRosterTTL when positive.
	RosterTTL time.Duration
}

// Bus owns the task registry and the liveness roster.
type Bus struct {
	log    *zap.SugaredLogger
	roster *Roster

	mu    sync.RWMutex
	tasks map[string]*Task
}

// New creates an empty bus.
func New(opts Options) *Bus {
	ttl := opts.RosterTTL
	if ttl <= 0 {
		ttl = DefaultRosterTTL
	}
	return &Bus{
		log:    logger.For(logger.ComponentBus),
		roster: NewRoster(ttl),
		tasks:  make(map[string]*Task),
	}
}

// Roster returns the bus's task liveness roster.
func (b *Bus) Roster() *Roster {
	return b.roster
}

// AddTask creates a named task, starts its inbox loop and announces it in
// the roster.
func (b *Bus) AddTask(name string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[name]; ok {
		return nil, rtserrors.New(rtserrors.CodeBadArgument, "task %s already on bus", name)
	}
	t := newTask(name, b)
	b.tasks[name] = t
	b.roster.Announce(name)
	b.log.Infow("task added", "task", name)
	return t, nil
}

// RemoveTask stops a task and detaches it from the bus. Owners of
// subscriptions on its parameters receive KindPeerEnded. The roster entry is
// left to expire on its own.
func (b *Bus) RemoveTask(name string) error {
	b.mu.Lock()
	t, ok := b.tasks[name]
	if ok {
		delete(b.tasks, name)
	}
	b.mu.Unlock()
	if !ok {
		return rtserrors.New(rtserrors.CodeBadArgument, "no task %s on bus", name)
	}
	t.stop()
	b.log.Infow("task removed", "task", name)
	return nil
}

// Task returns the named task if it is on the bus.
func (b *Bus) Task(name string) (*Task, bool) {
	return b.lookup(name)
}

// Tasks returns the names of all tasks on the bus, sorted.
func (b *Bus) Tasks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.tasks))
	for name := range b.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Bus) lookup(name string) (*Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[name]
	return t, ok
}

// Obey starts an activation of the named action, delivering args as the
// start payload. Delivery is asynchronous; the returned channel yields the
// activation's terminal error (nil on success) exactly once.
func (b *Bus) Obey(task, action string, args map[string]any) (<-chan error, error) {
	t, ok := b.lookup(task)
	if !ok {
		return nil, rtserrors.New(rtserrors.CodeBadArgument, "no task %s on bus", task)
	}
	reply := make(chan error, 1)
	t.enqueue(delivery{
		action: action,
		msg: transport.Message{
			Kind:    transport.KindStart,
			Payload: copyPayload(args),
		},
		reply: reply,
	})
	return reply, nil
}

// ObeyWait obeys the action and blocks until the activation ends or ctx is
// done.
func (b *Bus) ObeyWait(ctx context.Context, task, action string, args map[string]any) error {
	reply, err := b.Obey(task, action, args)
	if err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kick asks the named action's running activation to abort. Delivered as a
// KindCancelRequest; if the action is idle when it arrives, it is dropped.
func (b *Bus) Kick(task, action string) error {
	t, ok := b.lookup(task)
	if !ok {
		return rtserrors.New(rtserrors.CodeBadArgument, "no task %s on bus", task)
	}
	t.enqueue(delivery{
		action: action,
		msg:    transport.Message{Kind: transport.KindCancelRequest},
	})
	return nil
}

// Shutdown stops every task on the bus.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	tasks := make([]*Task, 0, len(b.tasks))
	for name, t := range b.tasks {
		delete(b.tasks, name)
		tasks = append(tasks, t)
	}
	b.mu.Unlock()
	for _, t := range tasks {
		t.stop()
	}
	b.log.Info("bus shut down")
}

func copyPayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = copyValue(v)
	}
	return out
}
