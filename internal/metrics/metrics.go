/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TriggersTotal tracks canary trigger reports, by whether the
	// canary was late when the report arrived
	TriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coal_mine_triggers_total",
			Help: "Total number of canary trigger reports received",
		},
		[]string{"late"},
	)

	// NotificationsTotal tracks notification delivery outcomes
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coal_mine_notifications_total",
			Help: "Total number of notifications by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// DeadlinesFiredTotal tracks canaries marked late by the engine
	DeadlinesFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coal_mine_deadlines_fired_total",
			Help: "Total number of canaries marked late by the deadline engine",
		},
	)

	// NextDeadlineSeconds exposes the deadline the engine is armed for
	NextDeadlineSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coal_mine_next_deadline_seconds",
			Help: "Unix timestamp of the earliest upcoming canary deadline, 0 when idle",
		},
	)

	// RequestsTotal tracks API requests by endpoint and response status
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coal_mine_requests_total",
			Help: "Total number of API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		TriggersTotal,
		NotificationsTotal,
		DeadlinesFiredTotal,
		NextDeadlineSeconds,
		RequestsTotal,
	)
}

// RecordTrigger records a trigger report
func RecordTrigger(wasLate bool) {
	late := "false"
	if wasLate {
		late = "true"
	}
	TriggersTotal.WithLabelValues(late).Inc()
}

// RecordNotification records a notification delivery outcome
func RecordNotification(kind, outcome string) {
	NotificationsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordDeadlineFired records a canary going late
func RecordDeadlineFired() {
	DeadlinesFiredTotal.Inc()
}

// SetNextDeadline publishes the deadline the engine is armed for
func SetNextDeadline(t time.Time) {
	if t.IsZero() {
		NextDeadlineSeconds.Set(0)
		return
	}
	NextDeadlineSeconds.Set(float64(t.UnixNano()) / 1e9)
}

// RecordRequest records an API request outcome
func RecordRequest(endpoint, status string) {
	RequestsTotal.WithLabelValues(endpoint, status).Inc()
}
