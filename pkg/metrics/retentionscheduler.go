/*
Copyright 2026 Altaira Labs.

SPDX-License-Identifier: Apache-2.0

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
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RetentionSchedulerMetrics holds Prometheus metrics for the session
// retention and key rotation scheduler.
type RetentionSchedulerMetrics struct {
	// RunDurationSeconds tracks the total duration of a scheduler pass.
	RunDurationSeconds prometheus.Histogram
	// SessionsExpiredTotal counts sessions transitioned to expired/deleted.
	SessionsExpiredTotal prometheus.Counter
	// CheckpointsPrunedTotal counts checkpoints removed by retention.
	CheckpointsPrunedTotal prometheus.Counter
	// KeysRotatedTotal counts keys the scheduler found due for rotation.
	KeysRotatedTotal prometheus.Counter
	// SpaceFreedBytesTotal sums bytes freed by session/checkpoint deletion.
	SpaceFreedBytesTotal prometheus.Counter
	// ErrorsTotal counts errors by pass name.
	ErrorsTotal *prometheus.CounterVec
	// LastRunTimestamp records the timestamp of the last scheduler run.
	LastRunTimestamp prometheus.Gauge
}

// NewRetentionSchedulerMetrics creates and registers the scheduler's
// Prometheus metrics.
func NewRetentionSchedulerMetrics() *RetentionSchedulerMetrics {
	return &RetentionSchedulerMetrics{
		RunDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "workspace_scheduler_run_duration_seconds",
			Help:    "Duration of a retention/rotation scheduler pass in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		SessionsExpiredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "workspace_scheduler_sessions_expired_total",
			Help: "Total number of sessions expired or deleted by retention",
		}),
		CheckpointsPrunedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "workspace_scheduler_checkpoints_pruned_total",
			Help: "Total number of checkpoints pruned by retention",
		}),
		KeysRotatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "workspace_scheduler_keys_rotated_total",
			Help: "Total number of user encryption keys found due for rotation",
		}),
		SpaceFreedBytesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "workspace_scheduler_space_freed_bytes_total",
			Help: "Total bytes freed by session and checkpoint deletion",
		}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "workspace_scheduler_errors_total",
			Help: "Total number of scheduler errors by pass",
		}, []string{"pass"}),
		LastRunTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "workspace_scheduler_last_run_timestamp",
			Help: "Unix timestamp of the last scheduler run",
		}),
	}
}

// RecordDuration observes a scheduler run duration.
func (m *RetentionSchedulerMetrics) RecordDuration(d time.Duration) {
	m.RunDurationSeconds.Observe(d.Seconds())
}

// RecordSessionsExpired adds n to the sessions-expired counter.
func (m *RetentionSchedulerMetrics) RecordSessionsExpired(n int64) {
	m.SessionsExpiredTotal.Add(float64(n))
}

// RecordCheckpointsPruned adds n to the checkpoints-pruned counter.
func (m *RetentionSchedulerMetrics) RecordCheckpointsPruned(n int64) {
	m.CheckpointsPrunedTotal.Add(float64(n))
}

// RecordKeysRotated adds n to the keys-rotated counter.
func (m *RetentionSchedulerMetrics) RecordKeysRotated(n int64) {
	m.KeysRotatedTotal.Add(float64(n))
}

// RecordSpaceFreed adds bytes to the space-freed counter.
func (m *RetentionSchedulerMetrics) RecordSpaceFreed(bytes int64) {
	m.SpaceFreedBytesTotal.Add(float64(bytes))
}

// RecordError increments the error counter for the given pass.
func (m *RetentionSchedulerMetrics) RecordError(pass string) {
	m.ErrorsTotal.WithLabelValues(pass).Inc()
}

// RecordLastRun sets the last run timestamp to now.
func (m *RetentionSchedulerMetrics) RecordLastRun() {
	m.LastRunTimestamp.SetToCurrentTime()
}

// NewRetentionSchedulerMetricsWithRegistry creates scheduler metrics
// registered against an isolated registry, for tests and per-run binaries.
func NewRetentionSchedulerMetricsWithRegistry(reg *prometheus.Registry) *RetentionSchedulerMetrics {
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "workspace_scheduler_run_duration_seconds",
		Help:    "Duration of a retention/rotation scheduler pass in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	sessionsExpired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workspace_scheduler_sessions_expired_total",
		Help: "Total number of sessions expired or deleted by retention",
	})
	checkpointsPruned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workspace_scheduler_checkpoints_pruned_total",
		Help: "Total number of checkpoints pruned by retention",
	})
	keysRotated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workspace_scheduler_keys_rotated_total",
		Help: "Total number of user encryption keys found due for rotation",
	})
	spaceFreed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workspace_scheduler_space_freed_bytes_total",
		Help: "Total bytes freed by session and checkpoint deletion",
	})
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_scheduler_errors_total",
		Help: "Total number of scheduler errors by pass",
	}, []string{"pass"})
	lastRunTimestamp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workspace_scheduler_last_run_timestamp",
		Help: "Unix timestamp of the last scheduler run",
	})

	reg.MustRegister(runDuration, sessionsExpired, checkpointsPruned, keysRotated, spaceFreed, errorsTotal, lastRunTimestamp)

	return &RetentionSchedulerMetrics{
		RunDurationSeconds:     runDuration,
		SessionsExpiredTotal:   sessionsExpired,
		CheckpointsPrunedTotal: checkpointsPruned,
		KeysRotatedTotal:       keysRotated,
		SpaceFreedBytesTotal:   spaceFreed,
		ErrorsTotal:            errorsTotal,
		LastRunTimestamp:       lastRunTimestamp,
	}
}
