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

// Package rtsclient implements the four reentrant commands a monitor-style
// control client exposes — INITIALISE, CONFIGURE, SETUP_SEQUENCE and
// SEQUENCE — on top of the cohort and sequence primitives. The commands
// gate each other through published progress parameters: peers watch those
// parameters to coordinate with this task, and this task's cohort waits
// watch the same parameters on its peers.
package rtsclient

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/eaobservatory/rtsclient/pkg/constants"
	"github.com/eaobservatory/rtsclient/pkg/logger"
	"github.com/eaobservatory/rtsclient/pkg/metrics"
	"github.com/eaobservatory/rtsclient/pkg/rtserrors"
	"github.com/eaobservatory/rtsclient/pkg/sequence"
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

// Registrar registers named actions on the embedding task.
type Registrar interface {
	RegisterAction(name string, handler transport.Handler) error
}

// Client holds the per-task coordination state: the registered callbacks
// and the in-flight activation of each command. All methods run on the
// task's single message loop; there is no locking.
type Client struct {
	store transport.Store
	log   *zap.SugaredLogger

	callbacks Callbacks
	opts      Options

	init      *initActivation
	configure *cohortActivation
	setup     *cohortActivation
	sequence  *sequenceActivation
}

// New creates a Client over the given store.
func New(store transport.Store, callbacks Callbacks, opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		store:     store,
		callbacks: callbacks,
		opts:      opts,
		log:       logger.For(logger.ComponentClient),
	}
}

func defaultSequencerTask() string {
	return constants.DefaultSequencerTask
}

// Register publishes the initial parameter set and registers the four
// command handlers on the registrar.
func (c *Client) Register(r Registrar) error {
	initial := []struct {
		value any
		name  string
	}{
		{constants.IdleID, constants.ParamConfigureID},
		{constants.IdleID, constants.ParamSetupSeqID},
		{constants.IdleID, constants.ParamSequenceID},
		{int64(0), constants.ParamEnginMode},
		{int64(0), constants.ParamSimulate},
		{int64(0), constants.ParamInitialised},
		{int64(0), constants.ParamConfigured},
		{int64(0), constants.ParamSetup},
		{int64(0), constants.ParamInSequence},
		{int64(0), constants.ParamStsplIndex},
		{int64(0), constants.ParamStsplTotal},
		{int64(0), constants.ParamStsplStart},
		{int64(0), constants.ParamStsplPublish},
		{int64(0), constants.ParamStsplBuffcount},
		{"", constants.ParamTasks},
		{[]sequence.Frame{{Number: 0}}, constants.ParamState},
	}
	for _, p := range initial {
		if err := c.store.SetParam(p.name, p.value); err != nil {
			return err
		}
	}

	handlers := map[string]func(transport.Context, transport.Message) error{
		ActionInitialise:    c.Initialise,
		ActionConfigure:     c.Configure,
		ActionSetupSequence: c.SetupSequence,
		ActionSequence:      c.Sequence,
	}
	for name, h := range handlers {
		if err := r.RegisterAction(name, c.instrument(name, h)); err != nil {
			return err
		}
	}
	return nil
}

// instrument wraps a handler with logging and metrics.
func (c *Client) instrument(name string, h func(transport.Context, transport.Message) error) transport.Handler {
	return func(tc transport.Context, msg transport.Message) error {
		started := time.Now()
		metrics.IncMessagesHandled(name)
		c.log.Debugf("%s: %s", name, msg.Kind)

		err := h(tc, msg)

		metrics.ObserveHandlerTime(name, time.Since(started))
		if tc.ReinvokeRequested() {
			metrics.IncReschedules(name)
		}
		if err != nil {
			c.log.Errorf("%s: %v", name, err)
		}
		return err
	}
}

// requireFlag checks one progress-flag precondition.
func (c *Client) requireFlag(name string, code rtserrors.Code, action string) error {
	set, err := transport.BoolParam(c.store, name)
	if err != nil {
		return err
	}
	if !set {
		return rtserrors.New(code, "%s: %s not set", action, name)
	}
	return nil
}

// requireNotInSequence rejects commands issued while a sequence is active.
func (c *Client) requireNotInSequence(action string) error {
	active, err := transport.BoolParam(c.store, constants.ParamInSequence)
	if err != nil {
		return err
	}
	if active {
		return rtserrors.New(rtserrors.CodeActionWhileSeqActive, "%s: sequence still active", action)
	}
	return nil
}

// countCohortFailure bumps the cohort-failure metric when err is one.
func countCohortFailure(err error) error {
	var cf *rtserrors.CohortFailureError
	if errors.As(err, &cf) {
		metrics.IncCohortFailures()
	}
	return err
}
