package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/anumate/controlplane/internal/approvals"
	"github.com/anumate/controlplane/internal/auditlog"
)

type createApprovalRequest struct {
	RunID         string   `json:"run_id"`
	StepID        string   `json:"step_id"`
	Clarification string   `json:"clarification"`
	RiskLevel     string   `json:"risk_level"`
	Policy        string   `json:"policy"`
	MinApprovers  int      `json:"min_approvers"`
	Approvers     []string `json:"approvers"`
	EscalateTo    []string `json:"escalate_to"`
	DeadlineSecs  int      `json:"deadline"`
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req createApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, rc.CorrelationID, problemValidation("malformed request body"))
		return
	}
	if req.RunID == "" || len(req.Approvers) == 0 {
		writeProblem(w, r, rc.CorrelationID, problemValidation("run_id and approvers are required"))
		return
	}

	policy := approvals.QuorumPolicy(req.Policy)
	if policy == "" {
		policy = approvals.QuorumAny
	}
	deadline := time.Duration(req.DeadlineSecs) * time.Second
	if deadline <= 0 {
		deadline = 15 * time.Minute
	}
	minApprovers := req.MinApprovers
	if minApprovers <= 0 {
		minApprovers = 1
	}

	request, err := s.deps.Approvals.CreateRequest(
		rc.TenantID, req.RunID, req.StepID, req.Clarification, req.RiskLevel,
		policy, minApprovers, req.Approvers, req.EscalateTo, deadline,
	)
	if err != nil {
		writeProblem(w, r, rc.CorrelationID, problemValidation(err.Error()))
		return
	}

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(auditlog.EventApprovalRequested, rc.TenantID, req.RunID, rc.Actor, "approval requested: "+req.Clarification)
	}

	writeJSON(w, http.StatusOK, map[string]string{"approval_id": request.ID})
}

type decideApprovalRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
	To     string `json:"to"` // delegate target
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, true)
}

func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, false)
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, approved bool) {
	rc := FromContext(r.Context())
	id := r.PathValue("id")

	var req decideApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, rc.CorrelationID, problemValidation("malformed request body"))
		return
	}
	if req.Actor == "" {
		writeProblem(w, r, rc.CorrelationID, problemValidation("actor is required"))
		return
	}

	request, err := s.deps.Approvals.Decide(id, req.Actor, approved, req.Reason)
	if err != nil {
		writeProblem(w, r, rc.CorrelationID, problemConflict(err.Error()))
		return
	}

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(auditlog.EventApprovalDecided, rc.TenantID, request.RunID, req.Actor, req.Reason)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleApprovalDelegate(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	id := r.PathValue("id")

	var req decideApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, rc.CorrelationID, problemValidation("malformed request body"))
		return
	}
	if req.Actor == "" || req.To == "" {
		writeProblem(w, r, rc.CorrelationID, problemValidation("actor and to are required"))
		return
	}

	if _, err := s.deps.Approvals.Delegate(id, req.Actor, req.To); err != nil {
		writeProblem(w, r, rc.CorrelationID, problemConflict(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
