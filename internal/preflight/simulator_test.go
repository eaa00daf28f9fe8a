package preflight

import (
	"context"
	"testing"
	"time"

	"github.com/anumate/controlplane/internal/plancompiler"
)

func samplePlan() *plancompiler.ExecutablePlan {
	return &plancompiler.ExecutablePlan{
		PlanHash: "abc123",
		Steps: []plancompiler.CompiledStep{
			{ID: "build", Action: "ci.build", Batch: 0, Mutating: true, Resources: plancompiler.ResourceEnvelope{EstDurationMS: 10}},
			{ID: "deploy", Action: "k8s.apply", Batch: 1, Mutating: true, Resources: plancompiler.ResourceEnvelope{EstDurationMS: 10}},
		},
		MaxParallelism: 2,
	}
}

func TestSimulateCompletesAndReportsSteps(t *testing.T) {
	sim := NewSimulator(nil)
	runID := sim.Simulate(context.Background(), samplePlan(), 2)

	var report *Report
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, ok := sim.GetReport(runID)
		if ok && r.Status != StatusRunning {
			report = r
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if report == nil {
		t.Fatal("simulation did not complete in time")
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", report.Status)
	}
	if len(report.Steps) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(report.Steps))
	}
}

func TestSimulateCancel(t *testing.T) {
	sim := NewSimulator(nil)
	plan := samplePlan()
	plan.Steps[0].Resources.EstDurationMS = 5000
	runID := sim.Simulate(context.Background(), plan, 1)

	if !sim.Cancel(runID) {
		t.Fatal("expected cancel to succeed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, ok := sim.GetReport(runID)
		if ok && r.Status == StatusCancelled {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected simulation to report cancelled")
}

func TestClassifyStepRiskDestructive(t *testing.T) {
	step := plancompiler.CompiledStep{Action: "k8s.delete_namespace", Mutating: true}
	if risk := classifyStepRisk(step); risk != RiskCritical {
		t.Fatalf("expected critical risk for destructive action, got %s", risk)
	}
}

func TestClassifyStepRiskReadOnly(t *testing.T) {
	step := plancompiler.CompiledStep{Action: "k8s.get_status", Mutating: false}
	if risk := classifyStepRisk(step); risk != RiskLow {
		t.Fatalf("expected low risk for read-only action, got %s", risk)
	}
}
