package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/anumate/controlplane/internal/auditlog"
	"github.com/anumate/controlplane/internal/plancompiler"
)

type ghostrunRequest struct {
	Plan           *plancompiler.ExecutablePlan `json:"plan"`
	PlanHash       string                       `json:"plan_hash"`
	MaxParallelism int                          `json:"max_parallelism"`
}

func (s *Server) resolvePlan(req *ghostrunRequest) *plancompiler.ExecutablePlan {
	if req.Plan != nil {
		return req.Plan
	}
	if req.PlanHash != "" && s.deps.PlanCache != nil {
		if plan, ok := s.deps.PlanCache.Get(req.PlanHash); ok {
			return plan
		}
	}
	return nil
}

func (s *Server) handleStartGhostrun(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req ghostrunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, rc.CorrelationID, problemValidation("malformed request body"))
		return
	}

	plan := s.resolvePlan(&req)
	if plan == nil {
		writeProblem(w, r, rc.CorrelationID, problemValidation("plan or a known plan_hash is required"))
		return
	}

	maxParallelism := req.MaxParallelism
	if maxParallelism <= 0 {
		maxParallelism = plan.MaxParallelism
	}
	if maxParallelism <= 0 {
		maxParallelism = 1
	}

	runID := s.deps.Simulator.Simulate(r.Context(), plan, maxParallelism)

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(auditlog.EventPreflightSimulated, rc.TenantID, runID, rc.Actor, "ghostrun started for "+plan.PlanHash)
	}

	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "running"})
}

func (s *Server) handleGhostrunStatus(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	runID := r.PathValue("run_id")

	report, ok := s.deps.Simulator.GetReport(runID)
	if !ok {
		writeProblem(w, r, rc.CorrelationID, problemNotFound("ghostrun"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   report.RunID,
		"status":   report.Status,
		"progress": len(report.Steps),
	})
}

func (s *Server) handleGhostrunReport(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	runID := r.PathValue("run_id")

	report, ok := s.deps.Simulator.GetReport(runID)
	if !ok {
		writeProblem(w, r, rc.CorrelationID, problemNotFound("ghostrun"))
		return
	}
	if report.Status != "completed" {
		writeProblem(w, r, rc.CorrelationID, problemConflict("ghostrun has not completed"))
		return
	}

	writeJSON(w, http.StatusOK, report)
}
