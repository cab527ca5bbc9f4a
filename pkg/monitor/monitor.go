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

// Package monitor provides a subscription on one remote (task, parameter)
// pair that survives peer restarts. The owning action feeds every message it
// receives into Handle; the monitor resubscribes as needed on retry ticks
// and reports when the watched value changed. Nothing that happens here is
// fatal: every failure is either retried on a later tick or ignored.
package monitor

import (
	"time"

	"go.uber.org/zap"

	"github.com/eaobservatory/rtsclient/pkg/backoff"
	"github.com/eaobservatory/rtsclient/pkg/logger"
	"github.com/eaobservatory/rtsclient/pkg/metrics"
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

// HookFunc is an overridable reaction to one entry reason. The reason string
// is only used for logging.
type HookFunc func(reason string)

// ReconnectingMonitor tracks a single remote parameter subscription and
// re-establishes it whenever the connection is lost.
//
// Handle returns true on a changed-value notification for this monitor's
// transaction; the connection status is tracked in Connected.
//
// Behavior on cancel requests, retry ticks and orphaning can be rebound by
// assigning Nop, Cancel or Start to the corresponding hook field.
type ReconnectingMonitor struct {
	client transport.Subscriber
	log    *zap.SugaredLogger
	pacer  *backoff.Pacer

	// OnCancelRequest runs on KindCancelRequest. Default Cancel.
	OnCancelRequest HookFunc
	// OnRetryTick runs on KindRetryTick. Default Start.
	OnRetryTick HookFunc
	// OnOrphan runs on KindPeerEnded with no transaction, meaning the task
	// that started the owning action died. Default Nop.
	OnOrphan HookFunc

	task  string
	param string

	transID transport.TransactionID
	subID   transport.SubscriptionID

	connected bool

	// ignoreNextRetry suppresses the first retry tick after a (re)subscribe.
	// Sending a cancel before the peer has drained its notification backlog
	// crashes some publishers; consuming one tick avoids that at the cost of
	// one retry interval.
	ignoreNextRetry bool
}

// New creates a monitor for task's parameter using the given subscriber
// client. No subscription is opened until a KindStart message is handled or
// Start is called.
func New(client transport.Subscriber, task, param string) *ReconnectingMonitor {
	m := &ReconnectingMonitor{
		client:          client,
		task:            task,
		param:           param,
		log:             logger.For(logger.ComponentMonitor),
		pacer:           backoff.NewPacer(backoff.DefaultConfig(task+"."+param), logger.For(logger.ComponentMonitor)),
		ignoreNextRetry: true,
	}
	m.OnCancelRequest = m.Cancel
	m.OnRetryTick = m.Start
	m.OnOrphan = m.Nop
	return m
}

// Connected reports whether the subscription is currently live.
func (m *ReconnectingMonitor) Connected() bool {
	return m.connected
}

// Subscription returns the live subscription id, or "" if none.
func (m *ReconnectingMonitor) Subscription() transport.SubscriptionID {
	return m.subID
}

// Transaction returns the outstanding transaction id, or "" if none.
func (m *ReconnectingMonitor) Transaction() transport.TransactionID {
	return m.transID
}

// RetryDelay returns the escalating delay the owner should use when
// scheduling the next retry tick.
func (m *ReconnectingMonitor) RetryDelay() time.Duration {
	return m.pacer.NextDelay()
}

// Nop ignores the entry reason.
func (m *ReconnectingMonitor) Nop(reason string) {}

// Cancel ends the live subscription if any and marks the monitor
// disconnected. Idempotent: a monitor without a subscription id is left
// untouched.
func (m *ReconnectingMonitor) Cancel(reason string) {
	m.connected = false
	if m.subID == "" {
		m.log.Debugf("%s: no subscription to cancel on %s.%s", reason, m.task, m.param)
		return
	}
	m.log.Debugf("%s: cancelling %s.%s subscription %s", reason, m.task, m.param, m.subID)
	if err := m.client.CancelSubscription(m.task, m.subID); err != nil {
		m.log.Errorf("cancel %s.%s subscription %s: %v", m.task, m.param, m.subID, err)
	}
	m.subID = ""
}

// Start cancels any live subscription, then resubscribes unless a
// transaction is already outstanding.
func (m *ReconnectingMonitor) Start(reason string) {
	m.Cancel(reason)
	if m.transID != "" {
		m.log.Debugf("%s: outstanding transaction on %s.%s", reason, m.task, m.param)
		return
	}
	m.log.Debugf("%s: subscribing to %s.%s", reason, m.task, m.param)
	metrics.IncSubscriptionRetries(m.task)
	tid, err := m.client.Subscribe(m.task, m.param)
	if err != nil {
		// Not fatal; the next retry tick tries again.
		m.log.Errorf("subscribe %s.%s: %v", m.task, m.param, err)
		return
	}
	m.transID = tid
	m.ignoreNextRetry = true
}

// Clear forgets the transaction and subscription ids without sending a
// cancel. Used when the remote side ended the subscription itself.
func (m *ReconnectingMonitor) Clear(reason string) {
	m.log.Debugf("%s: clearing state for %s.%s", reason, m.task, m.param)
	m.transID = ""
	m.subID = ""
	m.connected = false
}

// Handle processes one message, retrying the subscription as needed.
// It returns true on a changed-value notification for this monitor.
func (m *ReconnectingMonitor) Handle(msg transport.Message) bool {
	switch {
	case msg.Kind == transport.KindStart:
		m.Clear("START")
		m.Start("START")

	case msg.Kind == transport.KindCancelRequest:
		m.OnCancelRequest("CANCEL_REQUEST")

	case msg.Kind == transport.KindRetryTick:
		if m.ignoreNextRetry {
			m.ignoreNextRetry = false
			m.log.Debugf("RETRY_TICK: consumed first tick for %s.%s", m.task, m.param)
		} else {
			m.OnRetryTick("RETRY_TICK")
		}

	case msg.Kind == transport.KindPeerEnded && msg.Transaction == "":
		m.OnOrphan("ORPHAN")

	case msg.Transaction != "" && msg.Transaction == m.transID:
		return m.handleOwn(msg)
	}

	return false
}

// handleOwn processes a message carrying this monitor's transaction id.
func (m *ReconnectingMonitor) handleOwn(msg transport.Message) bool {
	switch msg.Kind {
	case transport.KindComplete:
		// Normally only seen when the remote task hung long enough for us
		// to cancel, then came back. Safe to restart immediately.
		m.Clear("COMPLETE")
		m.Start("COMPLETE")

	case transport.KindPeerEnded:
		// Depending on how the task died we may see this on death or on
		// rebirth. Either way an immediate resubscribe would be refused, so
		// wait for the next retry tick.
		m.Clear("PEER_ENDED")

	case transport.KindRejected:
		// The task may not be up yet, or the parameter may not exist yet.
		// Wait for the next retry tick.
		m.log.Debugf("REJECTED: subscription %s.%s refused", m.task, m.param)
		m.Clear("REJECTED")

	case transport.KindNotify:
		m.ignoreNextRetry = true
		switch msg.Status {
		case transport.SubAck:
			if m.subID != "" {
				m.Cancel("ACK")
			}
			m.subID = msg.SubscriptionID()
			m.connected = true
			m.pacer.Reset()
			m.log.Infof("connected: %s.%s subscription %s", m.task, m.param, m.subID)
		case transport.SubChanged:
			m.connected = true
			return true
		default:
			m.log.Warnf("NOTIFY: %s.%s unhandled status %s", m.task, m.param, msg.Status)
		}
	}

	return false
}
