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

// Package activation tracks the lifecycle of one command activation: the
// span from the initiating message to the terminal message, across every
// reentry in between.
package activation

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Lifecycle states of one activation.
const (
	// StateIdle is the state before the initiating message arrives.
	StateIdle = "idle"
	// StateValidating covers precondition checks and argument parsing.
	StateValidating = "validating"
	// StateWaiting covers the reentry phase: the activation is parked until
	// its cohort completes or its subscription ends.
	StateWaiting = "waiting"
	// StateCompleted is the terminal success state.
	StateCompleted = "completed"
	// StateFailed is the terminal error state.
	StateFailed = "failed"
	// StateCancelled is the terminal state after a cancel request.
	StateCancelled = "cancelled"
)

// Lifecycle events of one activation.
const (
	EventStart    = "start"
	EventWait     = "wait"
	EventComplete = "complete"
	EventFail     = "fail"
	EventCancel   = "cancel"
)

// Machine wraps the state machine tracking one activation's lifecycle.
// Concrete actions hold one Machine per in-flight command and drive it from
// their message handler.
type Machine struct {
	fsm       *fsm.FSM
	callbacks map[string]fsm.Callback
	logger    *zap.SugaredLogger
	id        string
}

// New creates a Machine in StateIdle.
func New(id string, logger *zap.SugaredLogger) *Machine {
	m := &Machine{
		id:        id,
		callbacks: make(map[string]fsm.Callback),
		logger:    logger,
	}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventStart, Src: []string{StateIdle}, Dst: StateValidating},
			{Name: EventWait, Src: []string{StateValidating, StateWaiting}, Dst: StateWaiting},
			{Name: EventComplete, Src: []string{StateValidating, StateWaiting}, Dst: StateCompleted},
			{Name: EventFail, Src: []string{StateIdle, StateValidating, StateWaiting}, Dst: StateFailed},
			{Name: EventCancel, Src: []string{StateValidating, StateWaiting}, Dst: StateCancelled},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				if cb, ok := m.callbacks["enter_"+e.Dst]; ok {
					cb(ctx, e)
				}
			},
		},
	)

	return m
}

// AddCallback registers a callback for a given event name, e.g.
// "enter_waiting".
func (m *Machine) AddCallback(eventName string, callback fsm.Callback) {
	m.callbacks[eventName] = callback
}

// Current returns the current lifecycle state.
func (m *Machine) Current() string {
	return m.fsm.Current()
}

// Event drives one lifecycle transition. Re-entering StateWaiting via
// EventWait is legal on every reentry pass.
func (m *Machine) Event(event string) error {
	if event == EventWait && m.fsm.Current() == StateWaiting {
		// Self-loop; looplab treats same-state events as no-transition.
		return nil
	}
	if err := m.fsm.Event(context.Background(), event); err != nil {
		m.logger.Debugf("activation %s: event %s in state %s: %v", m.id, event, m.fsm.Current(), err)
		return err
	}
	return nil
}

// Terminal reports whether the activation has reached a terminal state.
func (m *Machine) Terminal() bool {
	switch m.fsm.Current() {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}
