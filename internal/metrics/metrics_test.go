/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordRunComplete(t *testing.T) {
	RecordRunComplete("tenant-a", "succeeded", 42*time.Second)

	val := getCounterValue(RunsTotal, "tenant-a", "succeeded")
	if val < 1 {
		t.Errorf("RunsTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(RunDurationSeconds, "tenant-a")
	if count < 1 {
		t.Errorf("RunDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordStep(t *testing.T) {
	RecordStep("deploy.apply", "succeeded")
	RecordStep("deploy.apply", "succeeded")

	val := getCounterValue(StepsTotal, "deploy.apply", "succeeded")
	if val < 2 {
		t.Errorf("StepsTotal = %f, want >= 2", val)
	}
}

func TestRecordToolInvocation(t *testing.T) {
	RecordToolInvocation("notify.slack", "")
	RecordToolInvocation("notify.slack", "transient")

	ok := getCounterValue(ToolInvocationsTotal, "notify.slack", "")
	if ok < 1 {
		t.Errorf("ToolInvocationsTotal success = %f, want >= 1", ok)
	}
	transient := getCounterValue(ToolInvocationsTotal, "notify.slack", "transient")
	if transient < 1 {
		t.Errorf("ToolInvocationsTotal transient = %f, want >= 1", transient)
	}
}

func TestRecordToolRetry(t *testing.T) {
	RecordToolRetry("deploy.apply")
	RecordToolRetry("deploy.apply")

	val := getCounterValue(ToolRetriesTotal, "deploy.apply")
	if val < 2 {
		t.Errorf("ToolRetriesTotal = %f, want >= 2", val)
	}
}

func TestRecordApproval(t *testing.T) {
	RecordApproval("any", "approved")

	val := getCounterValue(ApprovalsTotal, "any", "approved")
	if val < 1 {
		t.Errorf("ApprovalsTotal = %f, want >= 1", val)
	}
}

func TestRecordReceiptEmitted(t *testing.T) {
	RecordReceiptEmitted("run.succeeded")

	val := getCounterValue(ReceiptsEmittedTotal, "run.succeeded")
	if val < 1 {
		t.Errorf("ReceiptsEmittedTotal = %f, want >= 1", val)
	}
}

func TestActiveRuns(t *testing.T) {
	ActiveRuns.Set(0)

	ActiveRuns.Inc()
	ActiveRuns.Inc()

	val := getGaugeValue(ActiveRuns)
	if val != 2 {
		t.Errorf("ActiveRuns = %f, want 2", val)
	}

	ActiveRuns.Dec()
	val = getGaugeValue(ActiveRuns)
	if val != 1 {
		t.Errorf("ActiveRuns after Dec = %f, want 1", val)
	}
}

func TestMultipleTenantsIsolated(t *testing.T) {
	RecordRunComplete("tenant-x", "succeeded", 10*time.Second)
	RecordRunComplete("tenant-y", "failed", 5*time.Second)

	xSucceeded := getCounterValue(RunsTotal, "tenant-x", "succeeded")
	yFailed := getCounterValue(RunsTotal, "tenant-y", "failed")
	xFailed := getCounterValue(RunsTotal, "tenant-x", "failed")

	if xSucceeded < 1 {
		t.Error("tenant-x succeeded should be >= 1")
	}
	if yFailed < 1 {
		t.Error("tenant-y failed should be >= 1")
	}
	if xFailed != 0 {
		t.Errorf("tenant-x failed = %f, want 0", xFailed)
	}
}
