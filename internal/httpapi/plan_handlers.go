package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/anumate/controlplane/internal/auditlog"
	"github.com/anumate/controlplane/internal/capsule"
	"github.com/anumate/controlplane/internal/plancompiler"
)

// compileRequest carries the capsule as a raw document rather than a
// pre-decoded struct: tenants author capsules as YAML (spec data model),
// and JSON is valid YAML, so capsule.Parse is the single entry point for
// both a YAML body and a JSON body alike.
type compileRequest struct {
	Capsule json.RawMessage `json:"capsule"`
	Inputs  map[string]any  `json:"inputs"`
}

type compileResponse struct {
	PlanHash     string                       `json:"plan_hash"`
	CompiledPlan *plancompiler.ExecutablePlan `json:"compiled_plan"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req compileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, rc.CorrelationID, problemValidation("malformed request body"))
		return
	}

	def, err := capsule.Parse(req.Capsule)
	if err != nil {
		if s.deps.Audit != nil {
			s.deps.Audit.Emit(auditlog.EventCapsuleRejected, rc.TenantID, "", rc.Actor, err.Error())
		}
		writeProblem(w, r, rc.CorrelationID, problemValidation(err.Error()))
		return
	}

	plan, err := s.deps.PlanCompiler.Compile(r.Context(), def, req.Inputs)
	if err != nil {
		switch err.(type) {
		case *capsule.ValidationError, *plancompiler.InputValidationError:
			if s.deps.Audit != nil {
				s.deps.Audit.Emit(auditlog.EventCapsuleRejected, rc.TenantID, "", rc.Actor, err.Error())
			}
			writeProblem(w, r, rc.CorrelationID, problemValidation(err.Error()))
			return
		default:
			writeProblem(w, r, rc.CorrelationID, problemConflict(err.Error()))
			return
		}
	}
	if s.deps.Audit != nil {
		s.deps.Audit.Emit(auditlog.EventCapsuleValidated, rc.TenantID, "", rc.Actor, "capsule "+plan.CapsuleID+" validated")
	}

	if s.deps.PlanCache != nil {
		s.deps.PlanCache.Put(plan)
	}
	if s.deps.Audit != nil {
		s.deps.Audit.Emit(auditlog.EventPlanCompiled, rc.TenantID, "", rc.Actor, "compiled "+plan.CapsuleID+"@"+plan.PlanHash)
	}

	writeJSON(w, http.StatusOK, compileResponse{PlanHash: plan.PlanHash, CompiledPlan: plan})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	hash := r.PathValue("plan_hash")

	if s.deps.PlanCache == nil {
		writeProblem(w, r, rc.CorrelationID, problemNotFound("plan"))
		return
	}
	plan, ok := s.deps.PlanCache.Get(hash)
	if !ok {
		writeProblem(w, r, rc.CorrelationID, problemNotFound("plan"))
		return
	}

	writeJSON(w, http.StatusOK, compileResponse{PlanHash: plan.PlanHash, CompiledPlan: plan})
}
