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

// Package transport defines the narrow surface between the coordination
// framework and the message-delivery layer underneath it: the message model
// delivered to action handlers and the client interface handlers use to
// subscribe, publish and request reinvocation.
package transport

import "strconv"

// Kind tells an action handler why it is being entered.
type Kind int

const (
	// KindStart initiates a new activation of the action.
	KindStart Kind = iota
	// KindCancelRequest asks the running activation to abort.
	KindCancelRequest
	// KindRetryTick is a scheduled reinvocation with no other cause.
	KindRetryTick
	// KindNotify carries a subscription event (ack or changed value).
	KindNotify
	// KindComplete reports that a transaction this activation owns has ended.
	KindComplete
	// KindPeerEnded reports that the remote side of a transaction went away.
	// A zero transaction id means the task that started us died.
	KindPeerEnded
	// KindRejected reports that a subscription request was refused, e.g.
	// because the target task or parameter does not exist yet.
	KindRejected
)

// String returns the symbolic name of the kind.
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "START"
	case KindCancelRequest:
		return "CANCEL_REQUEST"
	case KindRetryTick:
		return "RETRY_TICK"
	case KindNotify:
		return "NOTIFY"
	case KindComplete:
		return "COMPLETE"
	case KindPeerEnded:
		return "PEER_ENDED"
	case KindRejected:
		return "REJECTED"
	default:
		return "KIND_" + strconv.Itoa(int(k))
	}
}

// SubStatus qualifies a KindNotify message.
type SubStatus int

const (
	// SubNone is set on messages that are not subscription notifications.
	SubNone SubStatus = iota
	// SubAck acknowledges a subscription and carries its subscription id.
	// For any one transaction the ack is always observed before the first
	// changed-value notification.
	SubAck
	// SubChanged carries a new value of the subscribed parameter.
	SubChanged
)

// String returns the symbolic name of the status.
func (s SubStatus) String() string {
	switch s {
	case SubNone:
		return "NONE"
	case SubAck:
		return "SUB_ACK"
	case SubChanged:
		return "SUB_CHANGED"
	default:
		return "STATUS_" + strconv.Itoa(int(s))
	}
}

// TransactionID identifies one subscription request end to end. The zero
// value means "no transaction".
type TransactionID string

// SubscriptionID identifies a live subscription on the publishing side.
// It is only known after the ack arrives. The zero value means "none".
type SubscriptionID string

// PayloadKeySubscriptionID is the payload key carrying the subscription id
// on a SubAck notification.
const PayloadKeySubscriptionID = "SUBSCRIPTION_ID"

// Message is one event delivered to an action handler.
type Message struct {
	// Payload carries the command arguments on KindStart and the
	// notification data on KindNotify.
	Payload map[string]any

	// Transaction is the transaction this message belongs to, if any.
	Transaction TransactionID

	Kind   Kind
	Status SubStatus
}

// SubscriptionID extracts the subscription id from a SubAck payload.
func (m Message) SubscriptionID() SubscriptionID {
	if v, ok := m.Payload[PayloadKeySubscriptionID]; ok {
		switch s := v.(type) {
		case SubscriptionID:
			return s
		case string:
			return SubscriptionID(s)
		}
	}
	return ""
}

// Value returns the payload entry for the given parameter name.
func (m Message) Value(param string) (any, bool) {
	v, ok := m.Payload[param]
	return v, ok
}

// AsInt64 coerces a payload value to int64. Parameter values cross the
// transport as whichever numeric type the publisher used.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	}
	return 0, false
}

// AsFloat64 coerces a payload value to float64.
func AsFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
