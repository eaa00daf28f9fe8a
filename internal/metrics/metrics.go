/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the control plane.
//
// Metrics register against a package-level Registry rather than the
// global default registry, so cmd/controlplane decides when and how
// to expose them (promhttp.HandlerFor, not promhttp.Handler).
//
// Metric naming follows Prometheus conventions:
//   - anumate_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the control plane's metrics registry.
var Registry = prometheus.NewRegistry()

var (
	// RunsTotal counts orchestrated runs by tenant and terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anumate_runs_total",
			Help: "Total number of orchestrated runs by tenant and status.",
		},
		[]string{"tenant_id", "status"},
	)

	// RunDurationSeconds is a histogram of run duration by tenant.
	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anumate_run_duration_seconds",
			Help:    "Duration of orchestrated runs in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"tenant_id"},
	)

	// StepsTotal counts step attempts by action and terminal status.
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anumate_steps_total",
			Help: "Total step attempts by action and status.",
		},
		[]string{"action", "status"},
	)

	// ToolInvocationsTotal counts tool invocations by action and error class.
	ToolInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anumate_tool_invocations_total",
			Help: "Total tool invocations by action and error class (empty for success).",
		},
		[]string{"action", "error_class"},
	)

	// ToolRetriesTotal counts retry attempts by action.
	ToolRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anumate_tool_retries_total",
			Help: "Total tool invocation retries by action.",
		},
		[]string{"action"},
	)

	// ApprovalsTotal counts approval request resolutions by policy and state.
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anumate_approvals_total",
			Help: "Total approval requests resolved by policy and final state.",
		},
		[]string{"policy", "state"},
	)

	// ReceiptsEmittedTotal counts signed receipts emitted by kind.
	ReceiptsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anumate_receipts_emitted_total",
			Help: "Total signed receipts emitted by kind.",
		},
		[]string{"kind"},
	)

	// ActiveRuns is the number of currently executing runs.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anumate_active_runs",
			Help: "Number of orchestrated runs currently executing.",
		},
	)
)

func init() {
	Registry.MustRegister(
		RunsTotal,
		RunDurationSeconds,
		StepsTotal,
		ToolInvocationsTotal,
		ToolRetriesTotal,
		ApprovalsTotal,
		ReceiptsEmittedTotal,
		ActiveRuns,
	)
}

// RecordRunComplete records metrics for a completed run.
func RecordRunComplete(tenantID, status string, duration time.Duration) {
	RunsTotal.WithLabelValues(tenantID, status).Inc()
	RunDurationSeconds.WithLabelValues(tenantID).Observe(duration.Seconds())
}

// RecordStep records the terminal status of one step attempt.
func RecordStep(action, status string) {
	StepsTotal.WithLabelValues(action, status).Inc()
}

// RecordToolInvocation records one tool call outcome. errorClass is
// empty on success.
func RecordToolInvocation(action, errorClass string) {
	ToolInvocationsTotal.WithLabelValues(action, errorClass).Inc()
}

// RecordToolRetry records a single retry attempt for action.
func RecordToolRetry(action string) {
	ToolRetriesTotal.WithLabelValues(action).Inc()
}

// RecordApproval records an approval request's final resolution.
func RecordApproval(policy, state string) {
	ApprovalsTotal.WithLabelValues(policy, state).Inc()
}

// RecordReceiptEmitted records one signed receipt emission.
func RecordReceiptEmitted(kind string) {
	ReceiptsEmittedTotal.WithLabelValues(kind).Inc()
}
