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

// Package metrics instruments the coordination framework with Prometheus
// counters and timings, exposed through the HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "rts"
	subsystem = "client"

	messagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_handled_total",
			Help:      "Total messages delivered to each action handler",
		},
		[]string{"action"},
	)

	handlerTime = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  namespace,
			Subsystem:  subsystem,
			Name:       "handler_duration_seconds",
			Help:       "Time spent inside each action handler",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"action"},
	)

	reschedules = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reschedules_total",
			Help:      "Total reinvocation requests issued by each action",
		},
		[]string{"action"},
	)

	subscriptionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscription_retries_total",
			Help:      "Total resubscribe attempts per remote task",
		},
		[]string{"task"},
	)

	batchesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_published_total",
			Help:      "Total frame batches published as STATE",
		},
	)

	cohortFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cohort_failures_total",
			Help:      "Total waited-on tasks that reported their failure value",
		},
	)

	heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "heartbeats_total",
			Help:      "Total roster re-announcements per task",
		},
		[]string{"task"},
	)

	sequenceAborts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sequence_aborts_total",
			Help:      "Total sequences aborted on a frame continuity violation",
		},
	)
)

// IncMessagesHandled counts one message delivered to an action handler.
func IncMessagesHandled(action string) {
	messagesHandled.WithLabelValues(action).Inc()
}

// ObserveHandlerTime records the time one handler entry took.
func ObserveHandlerTime(action string, d time.Duration) {
	handlerTime.WithLabelValues(action).Observe(d.Seconds())
}

// IncReschedules counts one reinvocation request by an action.
func IncReschedules(action string) {
	reschedules.WithLabelValues(action).Inc()
}

// IncSubscriptionRetries counts one resubscribe attempt to a remote task.
func IncSubscriptionRetries(task string) {
	subscriptionRetries.WithLabelValues(task).Inc()
}

// IncBatchesPublished counts one published STATE batch.
func IncBatchesPublished() {
	batchesPublished.Inc()
}

// IncCohortFailures counts one cohort member reporting failure.
func IncCohortFailures() {
	cohortFailures.Inc()
}

// IncHeartbeats counts one roster re-announcement for a task.
func IncHeartbeats(task string) {
	heartbeats.WithLabelValues(task).Inc()
}

// IncSequenceAborts counts one sequence aborted on a continuity violation.
func IncSequenceAborts() {
	sequenceAborts.Inc()
}
