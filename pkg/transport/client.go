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

package transport

import "time"

// Subscriber is the minimal surface needed to open and close remote
// parameter subscriptions.
type Subscriber interface {
	// Subscribe opens a subscription on a remote task's parameter and
	// returns the transaction id identifying it. Delivery of the ack and
	// subsequent notifications is asynchronous.
	Subscribe(task, param string) (TransactionID, error)

	// CancelSubscription ends a live subscription. The owning activation
	// still receives a KindComplete for the transaction.
	CancelSubscription(task string, sub SubscriptionID) error
}

// ParamStore reads and writes this task's published parameters.
type ParamStore interface {
	// GetParam returns the current value of a local parameter.
	GetParam(name string) (any, error)

	// SetParam publishes a new value for a local parameter. Subscribers are
	// notified asynchronously.
	SetParam(name string, value any) error
}

// Store is the long-lived surface an action keeps between reentries.
type Store interface {
	Subscriber
	ParamStore
}

// Context is the per-delivery surface handed to an action handler. The
// reinvocation state resets at the start of every delivery; a handler that
// wants to be re-entered must request it again on each pass.
type Context interface {
	Store

	// RequestReinvoke keeps the activation alive awaiting further messages,
	// without scheduling a retry tick.
	RequestReinvoke()

	// RequestReinvokeAfter keeps the activation alive and schedules a
	// KindRetryTick delivery after d.
	RequestReinvokeAfter(d time.Duration)

	// SuppressReinvoke withdraws any reinvocation request made during this
	// delivery and cancels a pending retry tick.
	SuppressReinvoke()

	// ReinvokeRequested reports whether a reinvocation request is in effect
	// for this delivery.
	ReinvokeRequested() bool
}

// Handler processes one message for a named action. Returning a non-nil
// error ends the activation and surfaces the error to the initiator.
type Handler func(tc Context, msg Message) error

// Int64Param reads a local parameter and coerces it to int64.
func Int64Param(s ParamStore, name string) (int64, error) {
	v, err := s.GetParam(name)
	if err != nil {
		return 0, err
	}
	n, _ := AsInt64(v)
	return n, nil
}

// BoolParam reads a local parameter and interprets it as a flag.
func BoolParam(s ParamStore, name string) (bool, error) {
	n, err := Int64Param(s, name)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}
