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

import (
	"fmt"
	"time"
)

// SubscribeCall records one Subscribe invocation on the mock.
type SubscribeCall struct {
	Task        string
	Param       string
	Transaction TransactionID
}

// CancelCall records one CancelSubscription invocation on the mock.
type CancelCall struct {
	Task string
	Sub  SubscriptionID
}

// SetCall records one SetParam invocation on the mock, in order.
type SetCall struct {
	Value any
	Name  string
}

// MockClient is an in-memory Context for unit tests. It records every call
// and serves parameters from a plain map.
type MockClient struct {
	// Params backs GetParam/SetParam. Initialized lazily.
	Params map[string]any

	// SubscribeError, when set, is returned by Subscribe.
	SubscribeError error
	// CancelError, when set, is returned by CancelSubscription.
	CancelError error

	SubscribeCalls []SubscribeCall
	CancelCalls    []CancelCall
	SetCalls       []SetCall

	// RetryAfter is the deadline passed to the last RequestReinvokeAfter.
	RetryAfter time.Duration

	nextTransaction int
	reinvoke        bool
}

// NewMockClient creates a MockClient with an empty parameter store.
func NewMockClient() *MockClient {
	return &MockClient{Params: make(map[string]any)}
}

// Subscribe records the call and hands out a fresh transaction id.
func (m *MockClient) Subscribe(task, param string) (TransactionID, error) {
	if m.SubscribeError != nil {
		return "", m.SubscribeError
	}
	m.nextTransaction++
	tid := TransactionID(fmt.Sprintf("tid-%d", m.nextTransaction))
	m.SubscribeCalls = append(m.SubscribeCalls, SubscribeCall{Task: task, Param: param, Transaction: tid})
	return tid, nil
}

// CancelSubscription records the call.
func (m *MockClient) CancelSubscription(task string, sub SubscriptionID) error {
	if m.CancelError != nil {
		return m.CancelError
	}
	m.CancelCalls = append(m.CancelCalls, CancelCall{Task: task, Sub: sub})
	return nil
}

// GetParam returns the stored value, or nil if the parameter is unset.
func (m *MockClient) GetParam(name string) (any, error) {
	return m.Params[name], nil
}

// SetParam stores the value and records the call.
func (m *MockClient) SetParam(name string, value any) error {
	if m.Params == nil {
		m.Params = make(map[string]any)
	}
	m.Params[name] = value
	m.SetCalls = append(m.SetCalls, SetCall{Name: name, Value: value})
	return nil
}

// RequestReinvoke marks the activation as wanting another entry.
func (m *MockClient) RequestReinvoke() {
	m.reinvoke = true
}

// RequestReinvokeAfter marks the activation as wanting a retry tick.
func (m *MockClient) RequestReinvokeAfter(d time.Duration) {
	m.reinvoke = true
	m.RetryAfter = d
}

// SuppressReinvoke withdraws any reinvocation request.
func (m *MockClient) SuppressReinvoke() {
	m.reinvoke = false
	m.RetryAfter = 0
}

// ReinvokeRequested reports the current reinvocation state.
func (m *MockClient) ReinvokeRequested() bool {
	return m.reinvoke
}

// ResetDelivery clears per-delivery state, simulating the start of a new
// message delivery.
func (m *MockClient) ResetDelivery() {
	m.reinvoke = false
	m.RetryAfter = 0
}

// LastSubscription returns the transaction id of the most recent Subscribe.
func (m *MockClient) LastSubscription() TransactionID {
	if len(m.SubscribeCalls) == 0 {
		return ""
	}
	return m.SubscribeCalls[len(m.SubscribeCalls)-1].Transaction
}

// SetCallsFor returns the recorded SetParam calls for one parameter.
func (m *MockClient) SetCallsFor(name string) []SetCall {
	var out []SetCall
	for _, c := range m.SetCalls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}
