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

package monitor

import (
	"github.com/eaobservatory/rtsclient/pkg/transport"
)

// WatchHandler returns an action handler that keeps a ReconnectingMonitor on
// task's parameter alive for as long as the activation runs: it feeds every
// delivery into the monitor and schedules the next retry tick at the
// monitor's escalating delay. Each changed value is passed to onChange.
//
// A cancel request ends the watch: the live subscription is cancelled, no
// further tick is scheduled, and the activation settles once the
// subscription's completion has been delivered.
func WatchHandler(task, param string, onChange func(value any)) transport.Handler {
	var (
		mon      *ReconnectingMonitor
		stopping bool
	)
	return func(tc transport.Context, msg transport.Message) error {
		if mon == nil {
			mon = New(tc, task, param)
		}
		if msg.Kind == transport.KindCancelRequest {
			stopping = true
		}
		if stopping {
			// Adopt a late ack so the cancel reaches the peer, but keep
			// terminal messages away from the monitor's restart paths.
			if msg.Kind == transport.KindNotify {
				mon.Handle(msg)
			}
			mon.Cancel("WATCH_END")
			return nil
		}
		if mon.Handle(msg) && onChange != nil {
			if v, ok := msg.Payload[param]; ok {
				onChange(v)
			}
		}
		tc.RequestReinvokeAfter(mon.RetryDelay())
		return nil
	}
}
