// Package preflight runs a compiled plan through a side-effect-free
// simulation: steps execute in dependency-batch order against mock tool
// responses instead of the real tool protocol, producing a risk summary
// and a set of actionable recommendations before anything real happens.
package preflight

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/controlplane/internal/plancompiler"
)

// Status is the lifecycle of a simulation run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// RiskLevel mirrors the orchestrator's approval risk tiers, reused here
// so a preflight report and the eventual live run speak the same
// vocabulary.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// StepResult is one step's simulated outcome.
type StepResult struct {
	StepID           string        `json:"step_id"`
	Batch            int           `json:"batch"`
	Action           string        `json:"action"`
	Risk             RiskLevel     `json:"risk"`
	ApprovalRequired bool          `json:"approval_required"`
	PredictedLatency time.Duration `json:"predicted_latency"`
	SimulatedOutcome string        `json:"simulated_outcome"` // "success" or "failure"
	MockResponse     any           `json:"mock_response,omitempty"`
}

// RiskSummary rolls every step's simulated risk up to a plan-level
// recommendation, mirroring DryRunRiskSummary's allow/queue/deny merge.
type RiskSummary struct {
	AllowCount int       `json:"allow_count"`
	QueueCount int       `json:"queue_count"`
	DenyCount  int       `json:"deny_count"`
	Highest    RiskLevel `json:"highest"`
	Reasons    []string  `json:"reasons,omitempty"`
}

// Report is the full simulation result.
type Report struct {
	RunID           string       `json:"run_id"`
	PlanHash        string       `json:"plan_hash"`
	Status          Status       `json:"status"`
	Steps           []StepResult `json:"steps"`
	RiskSummary     RiskSummary  `json:"risk_summary"`
	Recommendations []string     `json:"recommendations"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at,omitempty"`
}

// MockToolRegistry supplies deterministic-ish mock responses and
// risk-weighted success probabilities for a tool, keyed by action name.
type MockToolRegistry struct {
	mu        sync.RWMutex
	responses map[string]any
}

// NewMockToolRegistry builds an empty registry; RegisterResponse seeds
// canned payloads for specific actions, falling back to a generic echo
// response for anything unregistered.
func NewMockToolRegistry() *MockToolRegistry {
	return &MockToolRegistry{responses: make(map[string]any)}
}

// RegisterResponse seeds a canned mock response for a specific action.
func (r *MockToolRegistry) RegisterResponse(action string, response any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[action] = response
}

func (r *MockToolRegistry) responseFor(action string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if resp, ok := r.responses[action]; ok {
		return resp
	}
	return map[string]any{"action": action, "simulated": true}
}

// successProbability derives an approximate success rate from the
// step's risk tier, the same risk vocabulary ClassifyRisk uses: riskier
// actions are modeled as more likely to need a retry in the real run.
func successProbability(risk RiskLevel) float64 {
	switch risk {
	case RiskCritical:
		return 0.6
	case RiskHigh:
		return 0.85
	case RiskMedium:
		return 0.95
	default:
		return 0.99
	}
}

// Simulator runs preflight simulations over compiled plans.
type Simulator struct {
	tools *MockToolRegistry

	mu      sync.Mutex
	reports map[string]*Report
	cancels map[string]context.CancelFunc
}

// NewSimulator builds a Simulator backed by tools.
func NewSimulator(tools *MockToolRegistry) *Simulator {
	if tools == nil {
		tools = NewMockToolRegistry()
	}
	return &Simulator{
		tools:   tools,
		reports: make(map[string]*Report),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Simulate starts an async simulation of plan and returns its run_id
// immediately; callers poll Status/GetReport, or block on WaitForReport.
func (s *Simulator) Simulate(ctx context.Context, plan *plancompiler.ExecutablePlan, maxParallelism int) string {
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)

	report := &Report{
		RunID:     runID,
		PlanHash:  plan.PlanHash,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.reports[runID] = report
	s.cancels[runID] = cancel
	s.mu.Unlock()

	go s.run(runCtx, runID, plan, maxParallelism)

	return runID
}

// Cancel stops a running simulation. Already-completed simulations are
// unaffected.
func (s *Simulator) Cancel(runID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// GetReport returns the current (possibly still-running) report.
func (s *Simulator) GetReport(runID string) (*Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[runID]
	return r, ok
}

func (s *Simulator) run(ctx context.Context, runID string, plan *plancompiler.ExecutablePlan, maxParallelism int) {
	if maxParallelism <= 0 {
		maxParallelism = plan.MaxParallelism
	}
	if maxParallelism <= 0 {
		maxParallelism = 1
	}

	batches := groupByBatch(plan.Steps)
	var allResults []StepResult
	summary := RiskSummary{Highest: RiskLow}

	for _, batch := range batches {
		select {
		case <-ctx.Done():
			s.finish(runID, allResults, summary, StatusCancelled)
			return
		default:
		}

		results := s.runBatch(ctx, batch, maxParallelism)
		allResults = append(allResults, results...)
		for _, r := range results {
			mergeRiskSummary(&summary, r)
		}
	}

	s.finish(runID, allResults, summary, StatusCompleted)
}

// runBatch fans steps out over a bounded semaphore so no single batch
// simulates more concurrently than maxParallelism permits — the same
// constraint the live orchestrator applies to real tool invocations.
func (s *Simulator) runBatch(ctx context.Context, steps []plancompiler.CompiledStep, maxParallelism int) []StepResult {
	sem := make(chan struct{}, maxParallelism)
	results := make([]StepResult, len(steps))
	var wg sync.WaitGroup

	for i, step := range steps {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, step plancompiler.CompiledStep) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.simulateStep(ctx, step)
		}(i, step)
	}

	wg.Wait()
	return results
}

func (s *Simulator) simulateStep(ctx context.Context, step plancompiler.CompiledStep) StepResult {
	risk := classifyStepRisk(step)
	approvalRequired := step.Approval != nil && step.Approval.Required

	base := time.Duration(step.Resources.EstDurationMS) * time.Millisecond
	jitter := time.Duration(float64(base) * (rand.Float64()*0.6 - 0.3)) // +/-30%
	latency := base + jitter
	if latency < 0 {
		latency = base
	}

	outcome := "success"
	if rand.Float64() > successProbability(risk) {
		outcome = "failure"
	}

	return StepResult{
		StepID:           step.ID,
		Batch:            step.Batch,
		Action:           step.Action,
		Risk:             risk,
		ApprovalRequired: approvalRequired,
		PredictedLatency: latency,
		SimulatedOutcome: outcome,
		MockResponse:     s.tools.responseFor(step.Action),
	}
}

func (s *Simulator) finish(runID string, results []StepResult, summary RiskSummary, status Status) {
	recs := buildRecommendations(results)

	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[runID]
	if !ok {
		return
	}
	report.Steps = results
	report.RiskSummary = summary
	report.Recommendations = recs
	report.Status = status
	report.FinishedAt = time.Now().UTC()
	delete(s.cancels, runID)
}

func groupByBatch(steps []plancompiler.CompiledStep) [][]plancompiler.CompiledStep {
	maxBatch := 0
	for _, s := range steps {
		if s.Batch > maxBatch {
			maxBatch = s.Batch
		}
	}
	batches := make([][]plancompiler.CompiledStep, maxBatch+1)
	for _, s := range steps {
		batches[s.Batch] = append(batches[s.Batch], s)
	}
	return batches
}

// classifyStepRisk reuses the same prefix-based heuristic the approval
// bridge applies to live commands, generalized from shell-command
// prefixes to capsule action names.
func classifyStepRisk(step plancompiler.CompiledStep) RiskLevel {
	action := strings.ToLower(step.Action)

	destructivePrefixes := []string{"delete", "destroy", "drop", "terminate", "revoke"}
	for _, p := range destructivePrefixes {
		if strings.Contains(action, p) {
			return RiskCritical
		}
	}

	if step.Mutating {
		mutatingHigh := []string{"deploy", "apply", "migrate", "rotate", "scale"}
		for _, p := range mutatingHigh {
			if strings.Contains(action, p) {
				return RiskHigh
			}
		}
		return RiskMedium
	}

	return RiskLow
}

func mergeRiskSummary(summary *RiskSummary, r StepResult) {
	switch {
	case r.Risk == RiskCritical || r.Risk == RiskHigh:
		summary.DenyCount++ // would be gated/denied without approval
	case r.ApprovalRequired:
		summary.QueueCount++
	default:
		summary.AllowCount++
	}

	if rankOf(r.Risk) > rankOf(summary.Highest) {
		summary.Highest = r.Risk
	}
	if r.SimulatedOutcome == "failure" {
		summary.Reasons = append(summary.Reasons, fmt.Sprintf("%s: simulated failure at risk tier %s", r.StepID, r.Risk))
	}
}

func rankOf(r RiskLevel) int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// buildRecommendations extends applyApprovalSimulation's single
// "needs approval" note into a small heuristic rule set: missing
// timeouts/retries, unguarded high-risk steps, and sensitive-looking
// parameter names all surface as actionable text.
func buildRecommendations(results []StepResult) []string {
	var recs []string
	seenHighRisk := false

	for _, r := range results {
		if (r.Risk == RiskHigh || r.Risk == RiskCritical) && !r.ApprovalRequired {
			recs = append(recs, fmt.Sprintf("step %q is %s risk but has no approval requirement — consider gating it", r.StepID, r.Risk))
			seenHighRisk = true
		}
		if r.SimulatedOutcome == "failure" {
			recs = append(recs, fmt.Sprintf("step %q simulated a failure — verify retry/timeout settings before running live", r.StepID))
		}
	}

	if seenHighRisk {
		recs = append(recs, "plan contains ungated high-risk steps; review the approval policy before execution")
	}

	return recs
}
