/*
Copyright 2025 The Malloc Authors.

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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const component = "adaptive_engine"

// Registry is the engine's metrics registry, served by the runner's metrics
// endpoint.
var Registry = prometheus.NewRegistry()

var (
	// EvaluationLatencyBuckets spans sub-millisecond evaluations up to the
	// full dispatch budget and a little beyond, so deadline overruns are
	// visible in the histogram rather than clipped by it.
	EvaluationLatencyBuckets = []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	evaluationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: component,
			Name:      "evaluation_duration_seconds",
			Help:      "Latency of one transition equation evaluation.",
			Buckets:   EvaluationLatencyBuckets,
		},
	)
	pipelineLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: component,
			Name:      "pipeline_duration_seconds",
			Help:      "Latency of the full produce-command-and-dispatch path.",
			Buckets:   EvaluationLatencyBuckets,
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: component,
			Name:      "queue_depth",
			Help:      "Current depth of the evaluation task queue.",
		},
	)
	droppedTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "dropped_tasks_total",
			Help:      "Count of evaluation tasks dropped before running, by reason.",
		},
		[]string{"reason"},
	)
	timedOutTasks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "timed_out_tasks_total",
			Help:      "Count of evaluation tasks that exceeded their hard deadline.",
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: component,
			Name:      "active_sessions",
			Help:      "Number of live learner sessions.",
		},
	)
	adaptationCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "adaptation_commands_total",
			Help:      "Count of emitted adaptation commands by learning event phase and command type.",
		},
		[]string{"phase", "type"},
	)
	sessionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "session_errors_total",
			Help:      "Count of per-session faults by canonical error code.",
		},
		[]string{"code"},
	)
	snapshotsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "snapshots_skipped_total",
			Help:      "Count of periodic state snapshots skipped under back-pressure.",
		},
	)
	outboundDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "outbound_messages_dropped_total",
			Help:      "Count of non-critical outbound messages dropped from full per-connection buffers.",
		},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(evaluationLatency)
		Registry.MustRegister(pipelineLatency)
		Registry.MustRegister(queueDepth)
		Registry.MustRegister(droppedTasks)
		Registry.MustRegister(timedOutTasks)
		Registry.MustRegister(activeSessions)
		Registry.MustRegister(adaptationCommands)
		Registry.MustRegister(sessionErrors)
		Registry.MustRegister(snapshotsSkipped)
		Registry.MustRegister(outboundDropped)
	})
}

// RecordEvaluationLatency observes the duration of one equation evaluation.
func RecordEvaluationLatency(d time.Duration) {
	evaluationLatency.Observe(d.Seconds())
}

// RecordPipelineLatency observes the duration of one full pipeline step.
func RecordPipelineLatency(d time.Duration) {
	pipelineLatency.Observe(d.Seconds())
}

// SetQueueDepth records the current task queue depth.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordDroppedTask records one dropped task with the given reason.
func RecordDroppedTask(reason string) {
	droppedTasks.WithLabelValues(reason).Inc()
}

// RecordTimedOutTask records one deadline overrun.
func RecordTimedOutTask() {
	timedOutTasks.Inc()
}

// SetActiveSessions records the live session count.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// RecordAdaptationCommand records one emitted command.
func RecordAdaptationCommand(phase, commandType string) {
	adaptationCommands.WithLabelValues(phase, commandType).Inc()
}

// RecordSessionError records one per-session fault.
func RecordSessionError(code string) {
	sessionErrors.WithLabelValues(code).Inc()
}

// RecordSnapshotSkipped records one snapshot skipped under back-pressure.
func RecordSnapshotSkipped() {
	snapshotsSkipped.Inc()
}

// RecordOutboundDropped records one dropped outbound message.
func RecordOutboundDropped() {
	outboundDropped.Inc()
}
