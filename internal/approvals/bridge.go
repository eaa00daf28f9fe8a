// Package approvals implements the multi-step human approval workflow
// that gates mutating plan steps: a request collects decisions from a
// named set of approvers until quorum is met, is rejected outright by a
// veto, escalates or expires on its own deadline, and can be delegated
// from one eligible approver to another.
package approvals

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of an approval request.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateApproved   State = "approved"
	StateRejected   State = "rejected"
	StateExpired    State = "expired"
	StateEscalated  State = "escalated"
	StateDone       State = "done"
)

// QuorumPolicy decides how many affirmative decisions a request needs.
type QuorumPolicy string

const (
	QuorumAll QuorumPolicy = "all"
	QuorumAny QuorumPolicy = "any"
)

// Vote is one approver's decision on a request.
type Vote struct {
	Approver  string    `json:"approver"`
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// AuditEntry records a state-changing event against a request, the
// approvals-side analogue of the orchestrator's timeline entries.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Actor  string    `json:"actor,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Request is a pending or resolved approval workflow instance.
type Request struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	RunID            string       `json:"run_id"`
	StepID           string       `json:"step_id,omitempty"`
	Reason           string       `json:"reason"`
	RiskLevel        string       `json:"risk_level"`
	Policy           QuorumPolicy `json:"policy"`
	MinimumApprovers int          `json:"minimum_approvers"`
	Approvers        []string     `json:"approvers"`
	EscalateTo       []string     `json:"escalate_to,omitempty"`
	State            State        `json:"state"`
	Votes            []Vote       `json:"votes,omitempty"`
	Audit            []AuditEntry `json:"audit,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	Deadline         time.Time    `json:"deadline"`
}

func (r *Request) audit(event, actor, detail string) {
	r.Audit = append(r.Audit, AuditEntry{At: time.Now().UTC(), Event: event, Actor: actor, Detail: detail})
}

// eligible reports whether approver is in the current approver set.
func (r *Request) eligible(approver string) bool {
	for _, a := range r.Approvers {
		if a == approver {
			return true
		}
	}
	return false
}

func (r *Request) affirmativeCount() int {
	n := 0
	for _, v := range r.Votes {
		if v.Approved {
			n++
		}
	}
	return n
}

func (r *Request) hasVeto() bool {
	for _, v := range r.Votes {
		if !v.Approved {
			return true
		}
	}
	return false
}

// quorumMet decides whether the recorded votes satisfy the request's
// policy. "any" needs one affirmative; "all" needs every named approver
// (or MinimumApprovers, whichever is larger) to have voted yes, and a
// single veto fails the request outright regardless of policy.
func (r *Request) quorumMet() bool {
	if r.hasVeto() {
		return false
	}
	if r.Policy == QuorumAny {
		return r.affirmativeCount() >= 1
	}
	need := len(r.Approvers)
	if r.MinimumApprovers > need {
		need = r.MinimumApprovers
	}
	if need == 0 {
		need = 1
	}
	return r.affirmativeCount() >= need
}

// Bridge manages the full set of in-flight and resolved approval
// requests for the control plane, generalizing the single-decision
// approval.Queue into a quorum/delegation/escalation state machine.
type Bridge struct {
	mu         sync.RWMutex
	requests   map[string]*Request
	maxSize    int
	onEscalate func(*Request)
}

// NewBridge builds a Bridge. maxSize bounds how many requests may be
// tracked at once, the same backpressure approval.Queue applies.
func NewBridge(maxSize int) *Bridge {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Bridge{requests: make(map[string]*Request), maxSize: maxSize}
}

// OnEscalate registers a callback fired whenever SweepExpired escalates
// a request to its configured escalation approvers. Intended for
// notify.Router.Notify so escalation reaches approvers outside the API.
func (b *Bridge) OnEscalate(fn func(*Request)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEscalate = fn
}

// CreateRequest opens a new approval workflow.
func (b *Bridge) CreateRequest(tenantID, runID, stepID, reason, riskLevel string, policy QuorumPolicy, minApprovers int, approvers, escalateTo []string, deadline time.Duration) (*Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.requests) >= b.maxSize {
		return nil, fmt.Errorf("approvals: request backlog full (%d/%d)", len(b.requests), b.maxSize)
	}
	if policy == "" {
		policy = QuorumAll
	}

	req := &Request{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		RunID:            runID,
		StepID:           stepID,
		Reason:           reason,
		RiskLevel:        riskLevel,
		Policy:           policy,
		MinimumApprovers: minApprovers,
		Approvers:        approvers,
		EscalateTo:       escalateTo,
		State:            StatePending,
		CreatedAt:        time.Now().UTC(),
		Deadline:         time.Now().UTC().Add(deadline),
	}
	req.audit("created", "", fmt.Sprintf("risk=%s policy=%s", riskLevel, policy))

	b.requests[req.ID] = req
	return req, nil
}

// Decide records an approver's vote. The request moves to InProgress on
// its first vote and resolves to Approved/Rejected once quorum (or a
// veto) is reached.
func (b *Bridge) Decide(id, approver string, approved bool, reason string) (*Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.requests[id]
	if !ok {
		return nil, fmt.Errorf("approvals: request %s not found", id)
	}
	if req.State != StatePending && req.State != StateInProgress {
		return nil, fmt.Errorf("approvals: request %s already resolved: %s", id, req.State)
	}
	if time.Now().UTC().After(req.Deadline) {
		req.State = StateExpired
		req.audit("expired", "", "deadline passed before decision")
		return nil, fmt.Errorf("approvals: request %s expired", id)
	}
	if !req.eligible(approver) {
		return nil, fmt.Errorf("approvals: %q is not an eligible approver for request %s", approver, id)
	}

	req.Votes = append(req.Votes, Vote{Approver: approver, Approved: approved, Reason: reason, DecidedAt: time.Now().UTC()})
	req.audit("voted", approver, fmt.Sprintf("approved=%v", approved))
	req.State = StateInProgress

	if req.hasVeto() {
		req.State = StateRejected
		req.audit("rejected", approver, reason)
		return req, nil
	}
	if req.quorumMet() {
		req.State = StateApproved
		req.audit("approved", approver, "quorum met")
	}

	return req, nil
}

// Delegate transfers from's eligibility to to. From must currently be an
// approver and must not have already voted; the substitution is audited
// so a later reviewer can see who actually decided.
func (b *Bridge) Delegate(id, from, to string) (*Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.requests[id]
	if !ok {
		return nil, fmt.Errorf("approvals: request %s not found", id)
	}
	if req.State != StatePending && req.State != StateInProgress {
		return nil, fmt.Errorf("approvals: request %s already resolved: %s", id, req.State)
	}
	if !req.eligible(from) {
		return nil, fmt.Errorf("approvals: %q is not an eligible approver for request %s", from, id)
	}
	for _, v := range req.Votes {
		if v.Approver == from {
			return nil, fmt.Errorf("approvals: %q already voted and cannot delegate", from)
		}
	}

	for i, a := range req.Approvers {
		if a == from {
			req.Approvers[i] = to
			break
		}
	}
	req.audit("delegated", from, "to "+to)
	return req, nil
}

// Escalate moves an unresolved request to the escalation approver set,
// used by the deadline sweep when a request times out but the capsule
// declared an escalation path instead of a hard expiry.
func (b *Bridge) Escalate(id string) (*Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.requests[id]
	if !ok {
		return nil, fmt.Errorf("approvals: request %s not found", id)
	}
	if len(req.EscalateTo) == 0 {
		req.State = StateExpired
		req.audit("expired", "", "no escalation path configured")
		return req, nil
	}

	req.Approvers = req.EscalateTo
	req.EscalateTo = nil
	req.Votes = nil
	req.State = StatePending
	req.Deadline = time.Now().UTC().Add(30 * time.Minute)
	req.audit("escalated", "", "handed to escalation approver set")
	return req, nil
}

// Get returns a request by id.
func (b *Bridge) Get(id string) (*Request, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.requests[id]
	return r, ok
}

// SweepExpired scans pending/in-progress requests past their deadline,
// escalating those with an escalation path and expiring the rest. It is
// intended to be called from a cron schedule, mirroring approval.Queue's
// StartReaper ticker.
func (b *Bridge) SweepExpired() (escalated, expired int) {
	b.mu.Lock()
	ids := make([]string, 0)
	now := time.Now().UTC()
	for id, req := range b.requests {
		if (req.State == StatePending || req.State == StateInProgress) && now.After(req.Deadline) {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for _, id := range ids {
		req, ok := b.Get(id)
		if !ok {
			continue
		}
		if len(req.EscalateTo) > 0 {
			escalatedReq, err := b.Escalate(id)
			if err != nil {
				continue
			}
			escalated++
			b.mu.RLock()
			hook := b.onEscalate
			b.mu.RUnlock()
			if hook != nil {
				hook(escalatedReq)
			}
			continue
		}
		b.mu.Lock()
		if r, ok := b.requests[id]; ok && (r.State == StatePending || r.State == StateInProgress) {
			r.State = StateExpired
			r.audit("expired", "", "deadline passed")
			expired++
		}
		b.mu.Unlock()
	}

	return escalated, expired
}

// WaitForResolution blocks (polling) until the request leaves Pending/
// InProgress or timeout elapses.
func (b *Bridge) WaitForResolution(id string, timeout time.Duration) (*Request, error) {
	deadline := time.Now().Add(timeout)
	for {
		req, ok := b.Get(id)
		if !ok {
			return nil, fmt.Errorf("approvals: request %s not found", id)
		}
		switch req.State {
		case StateApproved, StateRejected, StateExpired:
			return req, nil
		}
		if time.Now().After(deadline) {
			return req, fmt.Errorf("approvals: timeout waiting for resolution of %s", id)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
