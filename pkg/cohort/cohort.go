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

// Package cohort waits on a dynamic set of remote tasks until each reports a
// designated success or failure value on a single watched parameter. The
// enclosing action feeds every message into CheckMonitors, opens monitors
// for newly added tasks with StartMonitors, and polls Waiting to decide
// whether to request another reentry.
package cohort

import (
	"sort"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"

	"github.com/eaobservatory/rtsclient/pkg/logger"
	"github.com/eaobservatory/rtsclient/pkg/rtserrors"
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

// Roster restricts cohort membership to tasks known to be alive. Tasks in
// the wait set but absent from the roster are marked done without ever being
// subscribed to.
type Roster interface {
	Contains(task string) bool
}

// RosterFunc adapts a function to the Roster interface.
type RosterFunc func(task string) bool

// Contains implements Roster.
func (f RosterFunc) Contains(task string) bool { return f(task) }

type taskSub struct {
	task string
	sub  transport.SubscriptionID
}

// Tracker waits for every task in its wait set to publish the success value
// (or the failure value, which aborts the wait) on the target parameter.
type Tracker struct {
	client transport.Subscriber
	roster Roster
	log    *zap.SugaredLogger

	subs    map[transport.TransactionID]*taskSub
	tracked map[string]struct{}
	waitSet map[string]struct{}
	doneSet map[string]struct{}

	param        string
	successValue int64
	failureValue int64
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithRoster restricts membership to tasks the roster knows.
func WithRoster(r Roster) Option {
	return func(t *Tracker) { t.roster = r }
}

// NewTracker creates a tracker watching param on each cohort task until it
// reports successValue, or failureValue which fails the whole cohort.
func NewTracker(client transport.Subscriber, param string, successValue, failureValue int64, opts ...Option) *Tracker {
	t := &Tracker{
		client:       client,
		param:        param,
		successValue: successValue,
		failureValue: failureValue,
		subs:         make(map[transport.TransactionID]*taskSub),
		tracked:      make(map[string]struct{}),
		waitSet:      make(map[string]struct{}),
		doneSet:      make(map[string]struct{}),
		log:          logger.For(logger.ComponentCohort),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SuccessValue returns the value that marks a task complete.
func (t *Tracker) SuccessValue() int64 {
	return t.successValue
}

// AddToWaitSet adds tasks to the cohort. New tasks are picked up by the next
// StartMonitors call.
func (t *Tracker) AddToWaitSet(tasks ...string) {
	for _, task := range tasks {
		t.waitSet[task] = struct{}{}
	}
}

// WaitSet returns the cohort members, sorted for stable iteration.
func (t *Tracker) WaitSet() []string {
	out := make([]string, 0, len(t.waitSet))
	for task := range t.waitSet {
		out = append(out, task)
	}
	sort.Strings(out)
	return out
}

// DoneSet returns a deep copy of the completed tasks. Callbacks receive this
// copy so they can mark extra tasks done but never un-done one; the caller
// merges additions back with MergeDone.
func (t *Tracker) DoneSet() map[string]struct{} {
	var out map[string]struct{}
	if err := deepcopy.Copy(&out, t.doneSet); err != nil {
		// The source is a plain map of empty structs; a copy failure would
		// mean memory corruption. Fall back to a manual copy.
		out = make(map[string]struct{}, len(t.doneSet))
		for task := range t.doneSet {
			out[task] = struct{}{}
		}
	}
	if out == nil {
		out = make(map[string]struct{})
	}
	return out
}

// MergeDone folds caller-added entries back into the done set. Entries are
// only ever added: the done set grows monotonically within one activation,
// which keeps Waiting from oscillating.
func (t *Tracker) MergeDone(done map[string]struct{}) {
	for task := range done {
		t.doneSet[task] = struct{}{}
	}
}

// StartMonitors opens a subscription for every wait-set task not yet
// tracked. Tasks the roster does not know are marked done immediately.
func (t *Tracker) StartMonitors() error {
	for task := range t.waitSet {
		if _, ok := t.tracked[task]; ok {
			continue
		}
		t.tracked[task] = struct{}{}

		if t.roster != nil && !t.roster.Contains(task) {
			t.log.Infof("task %s not in roster, marking done", task)
			t.doneSet[task] = struct{}{}
			continue
		}

		tid, err := t.client.Subscribe(task, t.param)
		if err != nil {
			return err
		}
		t.subs[tid] = &taskSub{task: task}
		t.log.Debugf("watching %s.%s (transaction %s)", task, t.param, tid)
	}
	return nil
}

// CheckMonitors updates the tracker from one incoming message. A task
// reporting the failure value yields a CohortFailureError naming it.
func (t *Tracker) CheckMonitors(msg transport.Message) error {
	if msg.Kind != transport.KindNotify {
		return nil
	}
	entry, ok := t.subs[msg.Transaction]
	if !ok {
		return nil
	}

	switch msg.Status {
	case transport.SubAck:
		entry.sub = msg.SubscriptionID()

	case transport.SubChanged:
		raw, ok := msg.Value(t.param)
		if !ok {
			return nil
		}
		value, ok := transport.AsInt64(raw)
		if !ok {
			t.log.Warnf("task %s published non-numeric %s: %v", entry.task, t.param, raw)
			return nil
		}
		if value != t.successValue && value != t.failureValue {
			return nil
		}

		delete(t.subs, msg.Transaction)
		t.doneSet[entry.task] = struct{}{}
		if entry.sub != "" {
			if err := t.client.CancelSubscription(entry.task, entry.sub); err != nil {
				t.log.Errorf("cancel %s.%s subscription: %v", entry.task, t.param, err)
			}
		}

		if value == t.failureValue {
			return &rtserrors.CohortFailureError{Task: entry.task, Param: t.param, Value: value}
		}
		t.log.Infof("task %s done (%s=%d)", entry.task, t.param, value)
	}

	return nil
}

// Waiting reports whether any wait-set task has not completed yet.
func (t *Tracker) Waiting() bool {
	for task := range t.waitSet {
		if _, ok := t.doneSet[task]; !ok {
			return true
		}
	}
	return false
}

// CancelAll tears down every live subscription. Used when the owning
// activation is cancelled before the cohort completes.
func (t *Tracker) CancelAll() {
	for tid, entry := range t.subs {
		delete(t.subs, tid)
		if entry.sub == "" {
			continue
		}
		if err := t.client.CancelSubscription(entry.task, entry.sub); err != nil {
			t.log.Errorf("cancel %s.%s subscription: %v", entry.task, t.param, err)
		}
	}
}
