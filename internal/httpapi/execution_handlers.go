package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/anumate/controlplane/internal/auditlog"
	"github.com/anumate/controlplane/internal/crypto"
	"github.com/anumate/controlplane/internal/orchestrator"
)

type executeRequest struct {
	PlanHash        string         `json:"plan_hash"`
	Engine          string         `json:"engine"`
	Parameters      map[string]any `json:"parameters"`
	RequireApproval bool           `json:"require_approval"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, rc.CorrelationID, problemValidation("malformed request body"))
		return
	}
	if req.PlanHash == "" {
		writeProblem(w, r, rc.CorrelationID, problemValidation("plan_hash is required"))
		return
	}
	if s.deps.PlanCache == nil {
		writeProblem(w, r, rc.CorrelationID, problemNotFound("plan"))
		return
	}
	plan, ok := s.deps.PlanCache.Get(req.PlanHash)
	if !ok {
		writeProblem(w, r, rc.CorrelationID, problemNotFound("plan"))
		return
	}

	var requestHash string
	if idempotencyKey != "" {
		h, err := crypto.Hash(req)
		if err != nil {
			writeProblem(w, r, rc.CorrelationID, problemInternal(err.Error()))
			return
		}
		requestHash = h
	}

	run, err := s.deps.Orchestrator.Start(r.Context(), orchestrator.StartRequest{
		TenantID:       rc.TenantID,
		IdempotencyKey: idempotencyKey,
		RequestHash:    requestHash,
		Plan:           plan,
	})
	if err != nil {
		switch err {
		case orchestrator.ErrIdempotencyConflict:
			writeProblem(w, r, rc.CorrelationID, problemConflict("idempotency key reused with a different request"))
		case orchestrator.ErrIdempotentReplay:
			writeProblem(w, r, rc.CorrelationID, problemConflict(err.Error()))
		default:
			writeProblem(w, r, rc.CorrelationID, problemConflict(err.Error()))
		}
		return
	}

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(auditlog.EventRunStarted, rc.TenantID, run.ID, rc.Actor, "execution started for "+plan.PlanHash)
	}

	writeJSON(w, http.StatusOK, map[string]string{"run_id": run.ID, "status": string(run.Status)})
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	runID := r.PathValue("run_id")

	run, ok := s.deps.Orchestrator.Get(runID)
	if !ok {
		writeProblem(w, r, rc.CorrelationID, problemNotFound("execution"))
		return
	}

	resp := map[string]any{
		"run_id":   run.ID,
		"status":   run.Status,
		"progress": run.Steps,
	}
	if run.Status.Terminal() {
		resp["results"] = run.Steps
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecutionPause(w http.ResponseWriter, r *http.Request) {
	s.controlExecution(w, r, s.deps.Orchestrator.Pause)
}

func (s *Server) handleExecutionResume(w http.ResponseWriter, r *http.Request) {
	s.controlExecution(w, r, s.deps.Orchestrator.Resume)
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	s.controlExecution(w, r, s.deps.Orchestrator.Cancel)
}

func (s *Server) controlExecution(w http.ResponseWriter, r *http.Request, op func(string) error) {
	rc := FromContext(r.Context())
	runID := r.PathValue("run_id")

	if _, ok := s.deps.Orchestrator.Get(runID); !ok {
		writeProblem(w, r, rc.CorrelationID, problemNotFound("execution"))
		return
	}

	if err := op(runID); err != nil {
		writeProblem(w, r, rc.CorrelationID, problemConflict(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
