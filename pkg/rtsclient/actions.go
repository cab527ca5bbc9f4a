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

package rtsclient

import (
	"github.com/eaobservatory/rtsclient/internal/activation"
	"github.com/eaobservatory/rtsclient/pkg/cohort"
	"github.com/eaobservatory/rtsclient/pkg/constants"
	"github.com/eaobservatory/rtsclient/pkg/rtserrors"
	"github.com/eaobservatory/rtsclient/pkg/sequence"
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

// Initialise resets the progress parameters, applies the spool arguments,
// invokes the user callback and, once no reentry is pending, publishes
// INITIALISED=1.
func (c *Client) Initialise(tc transport.Context, msg transport.Message) error {
	if msg.Kind == transport.KindStart {
		act := &initActivation{machine: activation.New(ActionInitialise, c.log)}
		if err := act.machine.Event(activation.EventStart); err != nil {
			return err
		}
		c.init = act

		args, err := parseInitialiseArgs(msg.Payload)
		if err != nil {
			c.init = nil
			return err
		}
		reset := []struct {
			name  string
			value int64
		}{
			{constants.ParamInitialised, 0},
			{constants.ParamConfigured, 0},
			{constants.ParamSetup, 0},
			{constants.ParamInSequence, 0},
			{constants.ParamSimulate, args.Simulate},
			{constants.ParamStsplTotal, args.SpoolTotal},
			{constants.ParamStsplStart, args.SpoolStart},
		}
		for _, p := range reset {
			if err := tc.SetParam(p.name, p.value); err != nil {
				c.init = nil
				return err
			}
		}
	}

	act := c.init
	if act == nil {
		c.log.Debugf("INITIALISE: %s with no activation", msg.Kind)
		return nil
	}

	if cb := c.callbacks.OnInitialise; cb != nil {
		if err := cb(tc, msg); err != nil {
			_ = act.machine.Event(activation.EventFail)
			c.init = nil
			tc.SuppressReinvoke()
			return err
		}
	}

	if msg.Kind == transport.KindCancelRequest {
		_ = act.machine.Event(activation.EventCancel)
		c.init = nil
		tc.SuppressReinvoke()
		return rtserrors.New(rtserrors.CodeGeneral, "cancelled during INITIALISE")
	}

	if tc.ReinvokeRequested() {
		_ = act.machine.Event(activation.EventWait)
		return nil
	}

	if err := tc.SetParam(constants.ParamInitialised, int64(1)); err != nil {
		return err
	}
	_ = act.machine.Event(activation.EventComplete)
	c.init = nil
	c.log.Infof("INITIALISE: done")
	return nil
}

// Configure loads the named configuration document, waits for its cohort,
// and announces completion by publishing CONFIGURE_ID. Any failure writes
// the failure sentinel to CONFIGURE_ID before the error surfaces, so peers
// cohort-waiting on this task observe the failure deterministically.
func (c *Client) Configure(tc transport.Context, msg transport.Message) (err error) {
	defer func() {
		if err == nil {
			return
		}
		_ = tc.SetParam(constants.ParamConfigureID, constants.FailureSentinel)
		if c.configure != nil {
			_ = c.configure.machine.Event(activation.EventFail)
			c.configure.tracker.CancelAll()
			c.configure = nil
		}
		tc.SuppressReinvoke()
	}()

	if msg.Kind == transport.KindStart {
		if err = c.requireFlag(constants.ParamInitialised, rtserrors.CodeNotInitialised, ActionConfigure); err != nil {
			return err
		}
		if err = c.requireNotInSequence(ActionConfigure); err != nil {
			return err
		}

		var args configureArgs
		if args, err = parseConfigureArgs(msg.Payload); err != nil {
			return err
		}
		if err = tc.SetParam(constants.ParamConfigured, int64(0)); err != nil {
			return err
		}
		if err = tc.SetParam(constants.ParamConfigureID, constants.IdleID); err != nil {
			return err
		}
		if err = tc.SetParam(constants.ParamEnginMode, args.EnginMode); err != nil {
			return err
		}
		if args.Configuration != "" {
			var doc map[string]any
			var digest uint64
			if doc, digest, err = c.opts.LoadConfiguration(args.Configuration); err != nil {
				return err
			}
			if err = tc.SetParam(constants.ParamConfiguration, doc); err != nil {
				return err
			}
			if err = tc.SetParam(constants.ParamConfigurationDigest, digest); err != nil {
				return err
			}
		}

		act := &cohortActivation{
			machine:  activation.New(ActionConfigure, c.log),
			tracker:  c.newCohortTracker(constants.ParamConfigureID, args.ConfigureID),
			targetID: args.ConfigureID,
		}
		if err = act.machine.Event(activation.EventStart); err != nil {
			return err
		}
		c.configure = act
	}

	err = c.runCohortStep(tc, msg, c.configure, ActionConfigure, c.callbacks.OnConfigure,
		constants.ParamConfigureID, constants.ParamConfigured,
		func() { c.configure = nil })
	return err
}

// SetupSequence absorbs the documented setup parameters, waits for its
// cohort, and publishes SETUP_SEQ_ID and SETUP on completion. Failures
// poison SETUP_SEQ_ID the same way Configure poisons CONFIGURE_ID.
func (c *Client) SetupSequence(tc transport.Context, msg transport.Message) (err error) {
	defer func() {
		if err == nil {
			return
		}
		_ = tc.SetParam(constants.ParamSetupSeqID, constants.FailureSentinel)
		if c.setup != nil {
			_ = c.setup.machine.Event(activation.EventFail)
			c.setup.tracker.CancelAll()
			c.setup = nil
		}
		tc.SuppressReinvoke()
	}()

	if msg.Kind == transport.KindStart {
		if err = c.requireFlag(constants.ParamInitialised, rtserrors.CodeNotInitialised, ActionSetupSequence); err != nil {
			return err
		}
		if err = c.requireFlag(constants.ParamConfigured, rtserrors.CodeNotConfigured, ActionSetupSequence); err != nil {
			return err
		}
		if err = c.requireNotInSequence(ActionSetupSequence); err != nil {
			return err
		}

		var args setupSequenceArgs
		if args, err = parseSetupSequenceArgs(msg.Payload); err != nil {
			return err
		}
		if err = tc.SetParam(constants.ParamSetup, int64(0)); err != nil {
			return err
		}
		if err = tc.SetParam(constants.ParamSetupSeqID, constants.IdleID); err != nil {
			return err
		}
		if err = tc.SetParam(constants.ParamTasks, args.Tasks); err != nil {
			return err
		}
		if err = absorbSetupParams(tc, msg.Payload); err != nil {
			return err
		}

		act := &cohortActivation{
			machine:  activation.New(ActionSetupSequence, c.log),
			tracker:  c.newCohortTracker(constants.ParamSetupSeqID, args.SetupSeqID),
			targetID: args.SetupSeqID,
		}
		if err = act.machine.Event(activation.EventStart); err != nil {
			return err
		}
		c.setup = act
	}

	err = c.runCohortStep(tc, msg, c.setup, ActionSetupSequence, c.callbacks.OnSetupSequence,
		constants.ParamSetupSeqID, constants.ParamSetup,
		func() { c.setup = nil })
	return err
}

// newCohortTracker builds the wait cohort for one command activation:
// every member must publish this client's target id on the watched
// parameter, while the failure sentinel fails the cohort.
func (c *Client) newCohortTracker(param string, targetID int64) *cohort.Tracker {
	var opts []cohort.Option
	if c.opts.Roster != nil {
		opts = append(opts, cohort.WithRoster(c.opts.Roster))
	}
	return cohort.NewTracker(c.store, param, targetID, constants.FailureSentinel, opts...)
}

// runCohortStep is the shared reentry body of CONFIGURE and SETUP_SEQUENCE:
// update the cohort from the incoming message, give the user callback a
// chance to grow the wait set, open monitors for new members, then either
// park for another reentry or settle the progress parameters.
func (c *Client) runCohortStep(
	tc transport.Context,
	msg transport.Message,
	act *cohortActivation,
	action string,
	callback CohortCallback,
	idParam, flagParam string,
	drop func(),
) error {
	if act == nil {
		c.log.Debugf("%s: %s with no activation", action, msg.Kind)
		return nil
	}

	if msg.Kind == transport.KindCancelRequest {
		_ = act.machine.Event(activation.EventCancel)
		return rtserrors.New(rtserrors.CodeGeneral, "cancelled during %s", action)
	}

	if err := act.tracker.CheckMonitors(msg); err != nil {
		return countCohortFailure(err)
	}

	if callback != nil {
		done := act.tracker.DoneSet()
		if err := callback(tc, msg, act.tracker, done); err != nil {
			return err
		}
		act.tracker.MergeDone(done)
	}

	if err := act.tracker.StartMonitors(); err != nil {
		return err
	}

	if act.tracker.Waiting() {
		_ = act.machine.Event(activation.EventWait)
		tc.RequestReinvoke()
		return nil
	}
	if tc.ReinvokeRequested() {
		// The user callback parked us; finish on a later pass.
		_ = act.machine.Event(activation.EventWait)
		return nil
	}

	if err := tc.SetParam(idParam, act.targetID); err != nil {
		return err
	}
	if err := tc.SetParam(flagParam, int64(1)); err != nil {
		return err
	}
	_ = act.machine.Event(activation.EventComplete)
	drop()
	c.log.Infof("%s: done (%s=%d)", action, idParam, act.targetID)
	return nil
}

// Sequence drives one sequence run: it subscribes to the sequencer's STATE
// parameter, feeds every change through the sequence driver, and finishes
// when the subscription completes. On any failure the wake-then-clear rule
// applies: SEQUENCE_ID is first set to the start frame so peers blocked on
// it wake up, then IN_SEQUENCE and SEQUENCE_ID are cleared.
func (c *Client) Sequence(tc transport.Context, msg transport.Message) (err error) {
	defer func() {
		if err == nil {
			return
		}
		act := c.sequence
		if act != nil {
			_ = tc.SetParam(constants.ParamSequenceID, act.start)
		}
		_ = tc.SetParam(constants.ParamInSequence, int64(0))
		_ = tc.SetParam(constants.ParamSequenceID, constants.IdleID)
		if act != nil {
			_ = act.machine.Event(activation.EventFail)
			if act.subID != "" {
				_ = c.store.CancelSubscription(c.opts.SequencerTask, act.subID)
			}
			c.sequence = nil
		}
		tc.SuppressReinvoke()
	}()

	if msg.Kind == transport.KindStart {
		if err = c.requireFlag(constants.ParamInitialised, rtserrors.CodeNotInitialised, ActionSequence); err != nil {
			return err
		}
		if err = c.requireFlag(constants.ParamConfigured, rtserrors.CodeNotConfigured, ActionSequence); err != nil {
			return err
		}
		if err = c.requireFlag(constants.ParamSetup, rtserrors.CodeNotSetup, ActionSequence); err != nil {
			return err
		}

		var args sequenceArgs
		if args, err = parseSequenceArgs(msg.Payload); err != nil {
			return err
		}

		if err = tc.SetParam(constants.ParamInSequence, int64(0)); err != nil {
			return err
		}
		if err = tc.SetParam(constants.ParamStart, args.Start); err != nil {
			return err
		}
		if err = tc.SetParam(constants.ParamEnd, args.End); err != nil {
			return err
		}
		if err = tc.SetParam(constants.ParamDwell, args.Dwell); err != nil {
			return err
		}

		var total, spoolStart int64
		if total, err = transport.Int64Param(c.store, constants.ParamStsplTotal); err != nil {
			return err
		}
		if spoolStart, err = transport.Int64Param(c.store, constants.ParamStsplStart); err != nil {
			return err
		}
		if total < 1 {
			total = 1
		}

		act := &sequenceActivation{
			machine: activation.New(ActionSequence, c.log),
			start:   args.Start,
			end:     args.End,
			dwell:   args.Dwell,
		}
		c.sequence = act

		act.driver, err = sequence.NewDriver(sequence.Config{
			Params:     c.store,
			Start:      args.Start,
			End:        args.End,
			SpoolTotal: total,
			SpoolStart: spoolStart,
			FrameFn:    c.callbacks.OnSequenceFrame,
			BatchFn:    c.callbacks.OnSequenceBatch,
			OnEstablished: func() error {
				if err := c.store.SetParam(constants.ParamInSequence, int64(1)); err != nil {
					return err
				}
				return c.store.SetParam(constants.ParamSequenceID, args.Start)
			},
			OnReachEnd: func() error {
				if act.subID == "" {
					return nil
				}
				return c.store.CancelSubscription(c.opts.SequencerTask, act.subID)
			},
		})
		if err != nil {
			return err
		}

		if err = act.machine.Event(activation.EventStart); err != nil {
			return err
		}
		if act.transID, err = c.store.Subscribe(c.opts.SequencerTask, constants.ParamState); err != nil {
			return err
		}
	}

	act := c.sequence
	if act == nil {
		c.log.Debugf("SEQUENCE: %s with no activation", msg.Kind)
		return nil
	}

	if cb := c.callbacks.OnSequence; cb != nil {
		if err = cb(tc, msg); err != nil {
			return err
		}
	}

	if !tc.ReinvokeRequested() {
		tc.RequestReinvoke()
	}

	if msg.Kind == transport.KindNotify && msg.Transaction == act.transID {
		switch msg.Status {
		case transport.SubAck:
			act.subID = msg.SubscriptionID()
		case transport.SubChanged:
			if err = act.driver.HandleChange(msg); err != nil {
				return err
			}
		}
	}

	if msg.Kind == transport.KindComplete && msg.Transaction == act.transID {
		tc.SuppressReinvoke()
		if err = tc.SetParam(constants.ParamInSequence, int64(0)); err != nil {
			return err
		}
		if err = tc.SetParam(constants.ParamSequenceID, constants.IdleID); err != nil {
			return err
		}
		_ = act.machine.Event(activation.EventComplete)
		c.sequence = nil
		c.log.Infof("SEQUENCE: done")
		return nil
	}

	if msg.Kind == transport.KindCancelRequest {
		// Bail out; activation teardown cancels the live subscription.
		return rtserrors.New(rtserrors.CodeGeneral, "kicked during SEQUENCE")
	}

	_ = act.machine.Event(activation.EventWait)
	return nil
}
