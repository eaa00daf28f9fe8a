package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/controlplane/internal/approvals"
	"github.com/anumate/controlplane/internal/captoken"
	"github.com/anumate/controlplane/internal/eventbus"
	"github.com/anumate/controlplane/internal/metrics"
	"github.com/anumate/controlplane/internal/plancompiler"
	"github.com/anumate/controlplane/internal/receipts"
	"github.com/anumate/controlplane/internal/telemetry"
	"github.com/anumate/controlplane/internal/tenant"
	"github.com/anumate/controlplane/internal/toolproto"
)

// ErrIdempotentReplay is returned when Start observes an idempotency
// key already bound to a different run for the same tenant.
var ErrIdempotentReplay = fmt.Errorf("orchestrator: idempotency key already bound to a different run")

// ErrIdempotencyConflict is returned when Start observes an idempotency
// key reused with a RequestHash that doesn't match the request that
// first claimed it.
var ErrIdempotencyConflict = fmt.Errorf("orchestrator: idempotency key reused with a different request body")

// idempotencyEntry binds an idempotency key to the run it produced and
// the hash of the request body that claimed it, so a replay with a
// different body is distinguishable from a true retry.
type idempotencyEntry struct {
	runID       string
	requestHash string
}

// Orchestrator drives ExecutablePlans to completion, owning per-run
// capability issuance, approval gating, tool invocation, receipt
// emission, and event publication. One Orchestrator instance is shared
// across every tenant; per-run state lives in the runs map, guarded the
// same way ExecutionRuntime guards its in-memory executions map.
type Orchestrator struct {
	tokens      *captoken.Issuer
	approvals   *approvals.Bridge
	invoker     toolproto.Invoker
	retry       toolproto.RetryPolicy
	bus         *eventbus.Bus
	receipts    *receipts.Store
	quotas      *tenant.QuotaEnforcer
	approvalTTL time.Duration

	mu              sync.Mutex
	runs            map[string]*Run
	idempotency     map[string]idempotencyEntry // tenantID + ":" + key -> run id + request hash
	runLocks        map[string]*sync.Mutex
	cancelRequested map[string]bool
	pauseGates      map[string]chan struct{} // present and open while a run is paused
}

// Deps bundles the Orchestrator's collaborators so New's signature
// doesn't grow every time a new subsystem is wired in.
type Deps struct {
	Tokens      *captoken.Issuer
	Approvals   *approvals.Bridge
	Invoker     toolproto.Invoker
	Retry       toolproto.RetryPolicy
	Bus         *eventbus.Bus
	Receipts    *receipts.Store
	Quotas      *tenant.QuotaEnforcer
	ApprovalTTL time.Duration
}

// New builds an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.ApprovalTTL <= 0 {
		deps.ApprovalTTL = 15 * time.Minute
	}
	return &Orchestrator{
		tokens:          deps.Tokens,
		approvals:       deps.Approvals,
		invoker:         deps.Invoker,
		retry:           deps.Retry,
		bus:             deps.Bus,
		receipts:        deps.Receipts,
		quotas:          deps.Quotas,
		approvalTTL:     deps.ApprovalTTL,
		runs:            make(map[string]*Run),
		idempotency:     make(map[string]idempotencyEntry),
		runLocks:        make(map[string]*sync.Mutex),
		cancelRequested: make(map[string]bool),
		pauseGates:      make(map[string]chan struct{}),
	}
}

// Start validates quota, registers the run, and launches it
// asynchronously; it returns as soon as the run is admitted so callers
// don't block on a potentially long-running plan.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Run, error) {
	if req.Plan == nil {
		return nil, fmt.Errorf("orchestrator: plan is required")
	}

	if req.IdempotencyKey != "" {
		o.mu.Lock()
		key := req.TenantID + ":" + req.IdempotencyKey
		if entry, ok := o.idempotency[key]; ok {
			existing := o.runs[entry.runID]
			o.mu.Unlock()
			if existing == nil {
				return nil, ErrIdempotentReplay
			}
			if entry.requestHash != req.RequestHash {
				return nil, ErrIdempotencyConflict
			}
			return existing, nil
		}
		o.mu.Unlock()
	}

	if o.quotas != nil {
		if err := o.quotas.CheckCanStartRun(req.TenantID); err != nil {
			return nil, err
		}
	}

	run := &Run{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		IdempotencyKey: req.IdempotencyKey,
		PlanHash:       req.Plan.PlanHash,
		Status:         StatusPending,
		StartedAt:      time.Now().UTC(),
	}
	for _, step := range req.Plan.Steps {
		run.Steps = append(run.Steps, StepRun{StepID: step.ID, Batch: step.Batch, Status: StepStatusPending})
	}

	o.mu.Lock()
	o.runs[run.ID] = run
	if req.IdempotencyKey != "" {
		o.idempotency[req.TenantID+":"+req.IdempotencyKey] = idempotencyEntry{runID: run.ID, requestHash: req.RequestHash}
	}
	o.runLocks[run.ID] = &sync.Mutex{}
	o.mu.Unlock()

	if o.quotas != nil {
		o.quotas.RecordRunStart(req.TenantID)
	}
	metrics.ActiveRuns.Inc()

	o.emit(ctx, run, EventRunStarted, "", "", nil)

	runCtx, runSpan := telemetry.StartRunSpan(context.WithoutCancel(ctx), req.TenantID, req.Plan.CapsuleID)
	go func() {
		defer runSpan.End()
		o.execute(runCtx, run, req.Plan)
	}()

	return o.clone(run), nil
}

// Get returns a snapshot of a run by id.
func (o *Orchestrator) Get(runID string) (*Run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[runID]
	if !ok {
		return nil, false
	}
	return o.clone(run), true
}

// Cancel marks a non-terminal run cancelled. The in-flight step, if
// any, is allowed to finish its current attempt; no further steps or
// batches start.
func (o *Orchestrator) Cancel(runID string) error {
	lock := o.runLock(runID)
	if lock == nil {
		return fmt.Errorf("orchestrator: run %s not found", runID)
	}
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	run, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: run %s not found", runID)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("orchestrator: run %s already terminal: %s", runID, run.Status)
	}

	o.mu.Lock()
	o.cancelRequested[runID] = true
	o.mu.Unlock()
	return nil
}

// Pause suspends a running run before its next batch starts. The
// in-flight step, if any, still runs to completion.
func (o *Orchestrator) Pause(runID string) error {
	lock := o.runLock(runID)
	if lock == nil {
		return fmt.Errorf("orchestrator: run %s not found", runID)
	}
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	run, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: run %s not found", runID)
	}
	if run.Status != StatusRunning {
		return fmt.Errorf("orchestrator: run %s is not running (status=%s)", runID, run.Status)
	}

	run.Status = StatusPaused
	o.mu.Lock()
	o.pauseGates[runID] = make(chan struct{})
	o.mu.Unlock()
	o.emit(context.Background(), run, EventRunPaused, "", string(StatusPaused), nil)
	return nil
}

// Resume lets a paused run continue with its next batch.
func (o *Orchestrator) Resume(runID string) error {
	lock := o.runLock(runID)
	if lock == nil {
		return fmt.Errorf("orchestrator: run %s not found", runID)
	}
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	run, ok := o.runs[runID]
	gate, paused := o.pauseGates[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: run %s not found", runID)
	}
	if !paused {
		return fmt.Errorf("orchestrator: run %s is not paused", runID)
	}

	run.Status = StatusRunning
	o.mu.Lock()
	delete(o.pauseGates, runID)
	o.mu.Unlock()
	close(gate)
	return nil
}

// waitIfPaused blocks until runID's pause gate closes (Resume) or ctx is
// cancelled. It is a no-op when the run isn't paused.
func (o *Orchestrator) waitIfPaused(ctx context.Context, runID string) {
	o.mu.Lock()
	gate := o.pauseGates[runID]
	o.mu.Unlock()
	if gate == nil {
		return
	}
	select {
	case <-gate:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) runLock(runID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runLocks[runID]
}

func (o *Orchestrator) clone(run *Run) *Run {
	cp := *run
	cp.Steps = append([]StepRun(nil), run.Steps...)
	cp.Timeline = append([]TimelineEvent(nil), run.Timeline...)
	cp.CapabilityTokenJTIs = append([]string(nil), run.CapabilityTokenJTIs...)
	return &cp
}

func (o *Orchestrator) isCancelled(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelRequested[runID]
}

// execute runs every step batch in order, stepping within a batch
// sequentially (the orchestrator's own concurrency budget per tenant
// already bounds fleet-wide parallelism; within a run, batches are the
// unit of dependency ordering, not of extra fan-out).
func (o *Orchestrator) execute(ctx context.Context, run *Run, plan *plancompiler.ExecutablePlan) {
	lock := o.runLock(run.ID)
	lock.Lock()
	run.Status = StatusValidating
	lock.Unlock()

	batches := make(map[int][]plancompiler.CompiledStep)
	maxBatch := 0
	for _, step := range plan.Steps {
		batches[step.Batch] = append(batches[step.Batch], step)
		if step.Batch > maxBatch {
			maxBatch = step.Batch
		}
	}

	lock.Lock()
	run.Status = StatusRunning
	lock.Unlock()

	for b := 0; b <= maxBatch; b++ {
		if o.isCancelled(run.ID) {
			o.emit(ctx, run, EventRunCancelled, "", "", nil)
			o.finish(ctx, run, StatusCancelled, "")
			return
		}
		o.waitIfPaused(ctx, run.ID)
		if o.isCancelled(run.ID) {
			o.emit(ctx, run, EventRunCancelled, "", "", nil)
			o.finish(ctx, run, StatusCancelled, "")
			return
		}
		for _, step := range batches[b] {
			ok := o.runStep(ctx, run, step)
			if !ok {
				return
			}
		}
	}

	o.finish(ctx, run, StatusSucceeded, "")
}

// runStep executes one compiled step: approval gate if required, then
// token-scoped tool invocation with retry. Returns false if the run
// moved to a terminal state and execution must stop.
func (o *Orchestrator) runStep(ctx context.Context, run *Run, step plancompiler.CompiledStep) bool {
	lock := o.runLock(run.ID)

	ctx, stepSpan := telemetry.StartStepSpan(ctx, step.ID, step.Action, step.Batch)
	defer stepSpan.End()

	o.setStepStatus(run, step.ID, StepStatusRunning, nil, "")
	o.emit(ctx, run, EventStepStarted, step.ID, StepStatusRunning, nil)

	if step.Approval != nil && step.Approval.Required {
		policy := approvals.QuorumAny
		if step.Approval.Policy == "all" {
			policy = approvals.QuorumAll
		}
		req, err := o.approvals.CreateRequest(run.TenantID, run.ID, step.ID, step.Approval.Reason, "", policy, step.Approval.MinimumApprovers, step.Approval.ApproverRoles, nil, o.approvalTTL)
		if err != nil {
			o.failStep(ctx, run, step.ID, fmt.Sprintf("approval request failed: %v", err))
			return false
		}

		lock.Lock()
		run.Status = StatusAwaitingApproval
		lock.Unlock()
		o.emit(ctx, run, EventRunAwaitingApproval, step.ID, string(req.State), map[string]any{"approval_request_id": req.ID})
		_, approvalSpan := telemetry.StartApprovalSpan(ctx, step.ID, step.Approval.Policy)

		resolved, err := o.approvals.WaitForResolution(req.ID, o.approvalTTL+time.Minute)
		if err != nil {
			telemetry.EndApprovalSpan(approvalSpan, "timeout")
			o.failStep(ctx, run, step.ID, fmt.Sprintf("approval not resolved: %v", err))
			return false
		}
		telemetry.EndApprovalSpan(approvalSpan, string(resolved.State))
		metrics.RecordApproval(step.Approval.Policy, string(resolved.State))

		lock.Lock()
		run.Status = StatusRunning
		lock.Unlock()

		if resolved.State != approvals.StateApproved {
			o.setStepStatus(run, step.ID, StepStatusBlocked, nil, fmt.Sprintf("approval %s", resolved.State))
			o.failStep(ctx, run, step.ID, fmt.Sprintf("step blocked: approval %s", resolved.State))
			return false
		}
		o.emit(ctx, run, EventStepApprovalGate, step.ID, string(resolved.State), nil)
	}

	token, err := o.tokens.Issue(captoken.IssueRequest{
		Subject:      run.ID,
		TenantID:     run.TenantID,
		Capabilities: []captoken.Capability{captoken.Capability("tool:invoke:" + step.Action)},
		TTL:          capabilityTTL(step),
	})
	if err != nil {
		o.failStep(ctx, run, step.ID, fmt.Sprintf("capability token issuance failed: %v", err))
		return false
	}

	lock.Lock()
	run.CapabilityTokenJTIs = append(run.CapabilityTokenJTIs, token.JTI)
	lock.Unlock()

	_, toolSpan := telemetry.StartToolCallSpan(ctx, step.Action, 1)
	output, err := o.retry.Invoke(ctx, o.invoker, step.Action, step.Parameters, token.Wire)
	errClass := ""
	if invokeErr, ok := asInvokeError(err); ok {
		errClass = string(invokeErr.Class)
	}
	telemetry.EndToolCallSpan(toolSpan, errClass, false)
	metrics.RecordToolInvocation(step.Action, errClass)

	o.emit(ctx, run, EventStepAttemptResult, step.ID, "", map[string]any{"error": errString(err)})
	if err != nil {
		o.setStepStatus(run, step.ID, StepStatusFailed, nil, err.Error())
		metrics.RecordStep(step.Action, StepStatusFailed)
		o.failStep(ctx, run, step.ID, fmt.Sprintf("step %s failed: %v", step.ID, err))
		return false
	}

	o.setStepStatus(run, step.ID, StepStatusSucceeded, output, "")
	metrics.RecordStep(step.Action, StepStatusSucceeded)
	o.emit(ctx, run, EventStepFinished, step.ID, StepStatusSucceeded, nil)
	return true
}

// capabilityTTL sizes a step's capability token lifetime per
// TTL=min(estimated_duration+60s, MaxTTL): enough headroom past the
// optimizer's duration estimate to cover the tool call without handing
// out a token that outlives it by much, capped at the issuer's ceiling.
func capabilityTTL(step plancompiler.CompiledStep) time.Duration {
	ttl := time.Duration(step.Resources.EstDurationMS)*time.Millisecond + 60*time.Second
	if ttl > captoken.MaxTTL || ttl <= 0 {
		ttl = captoken.MaxTTL
	}
	return ttl
}

func asInvokeError(err error) (*toolproto.InvokeError, bool) {
	var invokeErr *toolproto.InvokeError
	if errors.As(err, &invokeErr) {
		return invokeErr, true
	}
	return nil, false
}

func (o *Orchestrator) setStepStatus(run *Run, stepID, status string, output map[string]any, errMsg string) {
	lock := o.runLock(run.ID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	for i := range run.Steps {
		if run.Steps[i].StepID != stepID {
			continue
		}
		s := &run.Steps[i]
		if s.Status == StepStatusPending {
			s.StartedAt = &now
		}
		s.Status = status
		s.Attempts++
		if output != nil {
			s.Output = cloneMap(output)
		}
		if errMsg != "" {
			s.Error = errMsg
		}
		if status == StepStatusSucceeded || status == StepStatusFailed || status == StepStatusBlocked {
			s.FinishedAt = &now
		}
		break
	}
}

func (o *Orchestrator) failStep(ctx context.Context, run *Run, stepID, reason string) {
	o.finish(ctx, run, StatusFailed, reason)
}

func (o *Orchestrator) finish(ctx context.Context, run *Run, status Status, reason string) {
	lock := o.runLock(run.ID)
	lock.Lock()
	if run.Status.Terminal() {
		lock.Unlock()
		return
	}
	run.Status = status
	run.FailureReason = reason
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	duration := finished.Sub(run.StartedAt)
	lock.Unlock()

	if o.quotas != nil {
		o.quotas.RecordRunEnd(run.TenantID, 0)
	}
	metrics.ActiveRuns.Dec()
	metrics.RecordRunComplete(run.TenantID, string(status), duration)

	o.emit(ctx, run, EventRunFinished, "", string(status), map[string]any{"reason": reason})

	if o.receipts != nil {
		kind := "run." + string(status)
		payload := map[string]any{
			"status":               string(status),
			"plan_hash":            run.PlanHash,
			"failure":              reason,
			"step_count":           len(run.Steps),
			"capability_token_jti": run.LastCapabilityTokenJTI(),
		}
		if _, err := o.receipts.Emit(ctx, run.TenantID, run.ID, kind, payload); err != nil {
			o.emit(ctx, run, "receipt.emit_failed", "", "", map[string]any{"error": err.Error()})
		} else {
			metrics.RecordReceiptEmitted(kind)
		}
	}
}

func (o *Orchestrator) emit(ctx context.Context, run *Run, eventType, stepID, status string, data map[string]any) {
	lock := o.runLock(run.ID)
	lock.Lock()
	seq := len(run.Timeline) + 1
	run.Timeline = append(run.Timeline, TimelineEvent{
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		StepID:    stepID,
		Status:    status,
		Data:      data,
	})
	lock.Unlock()

	if o.bus == nil {
		return
	}
	env := eventbus.NewEnvelope("anumate.orchestrator", eventType, run.TenantID, run.ID, map[string]any{
		"step_id": stepID,
		"status":  status,
		"data":    data,
	})
	_, _ = o.bus.Publish(ctx, env)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
