package plancompiler

import (
	"context"
	"testing"

	"github.com/anumate/controlplane/internal/capsule"
)

func sampleDef() *capsule.Definition {
	return &capsule.Definition{
		Metadata: capsule.Metadata{ID: "deploy-service", Name: "Deploy Service", Version: "1.0.0"},
		Inputs: []capsule.Input{
			{Name: "environment", Type: capsule.InputTypeString, Required: true},
		},
		Steps: []capsule.Step{
			{ID: "build", Action: "ci.build"},
			{ID: "deploy", Action: "k8s.apply", DependsOn: []string{"build"}, Parameters: map[string]any{
				"env": "{{ inputs.environment }}",
			}},
			{ID: "notify", Action: "notify.slack", DependsOn: []string{"deploy"}},
		},
		ExpectedOutcomes: []capsule.ExpectedOutcome{{ID: "deployed", StepID: "deploy", Required: true}},
	}
}

func TestCompileProducesDeterministicHash(t *testing.T) {
	c := NewCompiler(nil)
	inputs := map[string]any{"environment": "staging"}

	p1, err := c.Compile(context.Background(), sampleDef(), inputs)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	p2, err := c.Compile(context.Background(), sampleDef(), inputs)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if p1.PlanHash != p2.PlanHash {
		t.Fatalf("expected stable plan_hash, got %s vs %s", p1.PlanHash, p2.PlanHash)
	}
	if p1.ResolvedInputs["environment"] != "staging" {
		t.Fatalf("expected resolved input to substitute, got %+v", p1.Steps[1].Parameters)
	}
	if p1.Steps[1].Parameters["env"] != "staging" {
		t.Fatalf("expected template substitution, got %v", p1.Steps[1].Parameters["env"])
	}
}

func TestCompileBatchesByDependency(t *testing.T) {
	c := NewCompiler(nil)
	plan, err := c.Compile(context.Background(), sampleDef(), map[string]any{"environment": "prod"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	byID := map[string]CompiledStep{}
	for _, s := range plan.Steps {
		byID[s.ID] = s
	}
	if byID["build"].Batch != 0 {
		t.Fatalf("expected build in batch 0, got %d", byID["build"].Batch)
	}
	if byID["deploy"].Batch != 1 {
		t.Fatalf("expected deploy in batch 1, got %d", byID["deploy"].Batch)
	}
	if byID["notify"].Batch != 2 {
		t.Fatalf("expected notify in batch 2, got %d", byID["notify"].Batch)
	}
	if plan.MaxParallelism != 3 {
		t.Fatalf("expected max parallelism 3, got %d", plan.MaxParallelism)
	}
}

func TestCompileRejectsMissingRequiredInput(t *testing.T) {
	c := NewCompiler(nil)
	_, err := c.Compile(context.Background(), sampleDef(), map[string]any{})
	if err == nil {
		t.Fatal("expected error for missing required input")
	}
}

func TestCompileDifferentInputsDifferentHash(t *testing.T) {
	c := NewCompiler(nil)
	p1, err := c.Compile(context.Background(), sampleDef(), map[string]any{"environment": "staging"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	p2, err := c.Compile(context.Background(), sampleDef(), map[string]any{"environment": "prod"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if p1.PlanHash == p2.PlanHash {
		t.Fatal("expected different plan_hash for different resolved inputs")
	}
}
