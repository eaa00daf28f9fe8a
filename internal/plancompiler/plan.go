// Package plancompiler turns a capsule.Definition into a content-addressed
// ExecutablePlan: dependencies resolved, structure validated, steps batched
// for parallel execution, and the whole thing hashed so two compiles of the
// same capsule + inputs always produce the same plan_hash.
package plancompiler

import (
	"time"

	"github.com/anumate/controlplane/internal/capsule"
)

// ResourceEnvelope is the optimizer's estimate of what a step will cost
// to run, used by the preflight simulator to predict latency and by the
// orchestrator to size worker pool concurrency.
type ResourceEnvelope struct {
	CPUMillis     int `json:"cpu_millis"`
	MemoryMB      int `json:"memory_mb"`
	EstDurationMS int `json:"est_duration_ms"`
}

// CompiledStep is a capsule step after parameter resolution and resource
// estimation, ready for execution.
type CompiledStep struct {
	ID               string                       `json:"id"`
	Name             string                       `json:"name"`
	Action           string                       `json:"action"`
	Parameters       map[string]any               `json:"parameters,omitempty"`
	Batch            int                          `json:"batch"`
	Mutating         bool                         `json:"mutating"`
	Approval         *capsule.ApprovalRequirement `json:"approval,omitempty"`
	MaxRetries       int                          `json:"max_retries"`
	TimeoutSeconds   int                          `json:"timeout_seconds"`
	RollbackAction   string                       `json:"rollback_action,omitempty"`
	Resources        ResourceEnvelope             `json:"resources"`
	ExpectedOutcomes []capsule.ExpectedOutcome    `json:"expected_outcomes,omitempty"`
}

// SecurityContext is the capability surface a plan is allowed to invoke
// tools under; it is part of the hashed payload so the same plan can
// never silently pick up a broader allowlist after the fact.
type SecurityContext struct {
	ToolAllowlist []string `json:"tool_allowlist"`
}

// ExecutablePlan is the output of compilation: deterministic, content
// addressed, ready for the preflight simulator or the orchestrator.
type ExecutablePlan struct {
	PlanHash         string                       `json:"plan_hash"`
	CapsuleID        string                       `json:"capsule_id"`
	CapsuleVersion   string                       `json:"capsule_version"`
	ResolvedInputs   map[string]any               `json:"resolved_inputs"`
	Steps            []CompiledStep               `json:"steps"`
	MaxParallelism   int                          `json:"max_parallelism"`
	Security         SecurityContext              `json:"security"`
	Approval         *capsule.ApprovalRequirement `json:"approval,omitempty"`
	ExpectedOutcomes []capsule.ExpectedOutcome    `json:"expected_outcomes,omitempty"`
	CompiledAt       time.Time                    `json:"compiled_at"`
}

// hashPayload is the subset of ExecutablePlan that participates in
// plan_hash — notably CompiledAt is excluded so recompiling the same
// capsule+inputs a minute later yields the same hash.
type hashPayload struct {
	CapsuleID      string          `json:"capsule_id"`
	CapsuleVersion string          `json:"capsule_version"`
	ResolvedInputs map[string]any  `json:"resolved_inputs"`
	Steps          []CompiledStep  `json:"steps"`
	Security       SecurityContext `json:"security"`
}
