package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const requestContextKey contextKey = "httpapi.requestContext"

// RequestContext carries the per-request values every handler needs:
// which tenant is making the call, a correlation id to stitch together
// logs/events/receipts for the same caller-visible operation, and the
// actor attributed to whatever audit entry the handler writes. There is
// no identity-provider integration behind Actor — it is read from a
// header as a caller-supplied attribution label, not verified.
type RequestContext struct {
	TenantID      string
	CorrelationID string
	Actor         string
}

func withRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext retrieves the RequestContext populated by Server's
// tenant/correlation middleware. It returns the zero value if called
// outside a request handled by that middleware.
func FromContext(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestContextKey).(RequestContext)
	return rc
}

// tenantContext populates X-Tenant-ID, Idempotency-Key (read per-handler
// from the header directly), X-Correlation-ID, and X-Actor into a
// RequestContext, generating a correlation id when the caller didn't
// supply one. skipTenant paths (health, version) don't require a tenant.
func (s *Server) tenantContext(skipTenant map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get("X-Correlation-ID")
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
			w.Header().Set("X-Correlation-ID", correlationID)

			tenantID := r.Header.Get("X-Tenant-ID")
			if tenantID == "" && !skipTenant[r.URL.Path] {
				writeProblem(w, r, correlationID, problemMissingTenant())
				return
			}

			actor := r.Header.Get("X-Actor")
			if actor == "" {
				actor = "anonymous"
			}

			rc := RequestContext{TenantID: tenantID, CorrelationID: correlationID, Actor: actor}
			next.ServeHTTP(w, r.WithContext(withRequestContext(r.Context(), rc)))
		})
	}
}
