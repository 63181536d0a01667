// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for background
// calculations.
//
// # Description
//
// Metrics cover the result cache (lookups, writes, sweeps), the task
// backend (submissions, completions, durations), the runner outcomes and
// the status streams. They are exposed on the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is safe to call on a nil *Metrics, which records
// nothing.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "bgcalc"

const (
	cacheSubsystem  = "cache"
	tasksSubsystem  = "tasks"
	runnerSubsystem = "runner"
	streamSubsystem = "stream"
)

// Metrics holds all Prometheus collectors of the service.
//
// # Fields
//
//   - CacheLookups: Result cache reads. Labels: result (hit, miss).
//   - CacheWrites: Result cache writes. Labels: status (ok, error).
//   - SweepRemoved: Artifacts and markers removed by sweeps. Labels: kind.
//   - SweepErrors: Items a sweep failed to inspect or remove.
//   - TasksSubmitted: Submissions to the backend. Labels: task.
//   - TasksFinished: Terminal task observations. Labels: task, status.
//   - TaskDuration: Handler run time in seconds. Labels: task.
//   - TimeoutsSwept: Tasks failed by the local time limit sweep.
//   - RunOutcomes: Runner results. Labels: outcome.
//   - ActiveStreams: Open status streams. Labels: transport.
type Metrics struct {
	CacheLookups   *prometheus.CounterVec
	CacheWrites    *prometheus.CounterVec
	SweepRemoved   *prometheus.CounterVec
	SweepErrors    prometheus.Counter
	TasksSubmitted *prometheus.CounterVec
	TasksFinished  *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TimeoutsSwept  prometheus.Counter
	RunOutcomes    *prometheus.CounterVec
	ActiveStreams  *prometheus.GaugeVec
}

// DefaultMetrics is the process-wide instance registered by InitMetrics.
var DefaultMetrics *Metrics

var initOnce sync.Once

// InitMetrics registers the collectors with the default Prometheus
// registry. Subsequent calls return the same instance.
func InitMetrics() *Metrics {
	initOnce.Do(func() {
		DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewMetrics creates and registers all collectors with reg.
//
// Tests pass a fresh prometheus.NewRegistry() to stay isolated from the
// global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "lookups_total",
				Help:      "Result cache lookups by result",
			},
			[]string{"result"},
		),
		CacheWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "writes_total",
				Help:      "Result cache writes by status",
			},
			[]string{"status"},
		),
		SweepRemoved: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "sweep_removed_total",
				Help:      "Items removed by cache sweeps by kind",
			},
			[]string{"kind"},
		),
		SweepErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: cacheSubsystem,
				Name:      "sweep_errors_total",
				Help:      "Items a cache sweep failed to process",
			},
		),
		TasksSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: tasksSubsystem,
				Name:      "submitted_total",
				Help:      "Tasks submitted to the backend by task name",
			},
			[]string{"task"},
		),
		TasksFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: tasksSubsystem,
				Name:      "finished_total",
				Help:      "Tasks reaching a terminal state by task name and status",
			},
			[]string{"task", "status"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: tasksSubsystem,
				Name:      "duration_seconds",
				Help:      "Task handler run time in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"task"},
		),
		TimeoutsSwept: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: tasksSubsystem,
				Name:      "timeouts_total",
				Help:      "Tasks failed locally after exceeding the time limit",
			},
		),
		RunOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: runnerSubsystem,
				Name:      "outcomes_total",
				Help:      "Computation runner outcomes",
			},
			[]string{"outcome"},
		),
		ActiveStreams: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamSubsystem,
				Name:      "active",
				Help:      "Currently open status streams by transport",
			},
			[]string{"transport"},
		),
	}
}

// =============================================================================
// Recording Methods
// =============================================================================

// RecordCacheLookup counts a result cache read.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheWrite counts a result cache write.
func (m *Metrics) RecordCacheWrite(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.CacheWrites.WithLabelValues(status).Inc()
}

// RecordSweep adds the outcome of one cache sweep.
func (m *Metrics) RecordSweep(artifacts, markers, errs int) {
	if m == nil {
		return
	}
	m.SweepRemoved.WithLabelValues("artifact").Add(float64(artifacts))
	m.SweepRemoved.WithLabelValues("marker").Add(float64(markers))
	m.SweepErrors.Add(float64(errs))
}

// RecordSubmit counts a backend submission.
func (m *Metrics) RecordSubmit(task string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.WithLabelValues(task).Inc()
}

// RecordFinished counts a terminal task and its run time.
func (m *Metrics) RecordFinished(task, status string, seconds float64) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(task, status).Inc()
	if seconds >= 0 {
		m.TaskDuration.WithLabelValues(task).Observe(seconds)
	}
}

// RecordTimeouts counts tasks failed by the local time limit sweep.
func (m *Metrics) RecordTimeouts(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TimeoutsSwept.Add(float64(n))
}

// RecordOutcome counts a runner outcome (result, pending, error,
// partial_failure).
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.RunOutcomes.WithLabelValues(outcome).Inc()
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *Metrics) StreamEnded(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Dec()
}
