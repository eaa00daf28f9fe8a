package httpapi

import (
	"encoding/json"
	"net/http"
)

// Problem is an RFC 7807 error response body. Unlike the automation
// pack's flat {error,code} shape, every field here is spec-mandated, so
// handlers build one with the constructors below rather than writing a
// literal.
type Problem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, correlationID string, p Problem) {
	p.CorrelationID = correlationID
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func problemMissingTenant() Problem {
	return Problem{
		Type:   "https://anumate.dev/problems/missing-tenant",
		Title:  "X-Tenant-ID header is required",
		Status: http.StatusBadRequest,
	}
}

func problemValidation(detail string) Problem {
	return Problem{
		Type:   "https://anumate.dev/problems/validation",
		Title:  "Validation failed",
		Status: http.StatusBadRequest,
		Detail: detail,
	}
}

func problemNotFound(kind string) Problem {
	return Problem{
		Type:   "https://anumate.dev/problems/not-found",
		Title:  kind + " not found",
		Status: http.StatusNotFound,
	}
}

func problemConflict(detail string) Problem {
	return Problem{
		Type:   "https://anumate.dev/problems/conflict",
		Title:  "Conflict",
		Status: http.StatusConflict,
		Detail: detail,
	}
}

func problemUnauthorized(detail string) Problem {
	return Problem{
		Type:   "https://anumate.dev/problems/unauthorized",
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
		Detail: detail,
	}
}

func problemGone(detail string) Problem {
	return Problem{
		Type:   "https://anumate.dev/problems/gone",
		Title:  "Expired",
		Status: http.StatusGone,
		Detail: detail,
	}
}

func problemInternal(detail string) Problem {
	return Problem{
		Type:   "https://anumate.dev/problems/internal",
		Title:  "Internal error",
		Status: http.StatusInternalServerError,
		Detail: detail,
	}
}
