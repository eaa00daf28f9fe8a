// Package httpapi implements the versioned `/v1` HTTP surface described
// by the control plane's external interface: capability token issuance
// and verification, capsule compilation, preflight simulation
// ("ghostrun"), plan execution and run control, human approval
// decisions, and signed receipt creation/verification/export.
//
// Every handler reads X-Tenant-ID, Idempotency-Key, and X-Correlation-ID
// per request and returns RFC 7807 problem bodies on error, following
// the same small-helper-function shape the automation pack uses for its
// flatter {error,code} responses.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/anumate/controlplane/internal/approvals"
	"github.com/anumate/controlplane/internal/auditlog"
	"github.com/anumate/controlplane/internal/captoken"
	"github.com/anumate/controlplane/internal/config"
	"github.com/anumate/controlplane/internal/eventbus"
	"github.com/anumate/controlplane/internal/orchestrator"
	"github.com/anumate/controlplane/internal/plancompiler"
	"github.com/anumate/controlplane/internal/preflight"
	"github.com/anumate/controlplane/internal/receipts"
	"github.com/anumate/controlplane/internal/tenant"
)

// Deps bundles the Server's collaborators, mirroring the orchestrator's
// own Deps struct so wiring new subsystems in doesn't grow New's
// signature.
type Deps struct {
	Config       config.Config
	Tokens       *captoken.Issuer
	PlanCompiler *plancompiler.Compiler
	PlanCache    *plancompiler.Cache
	Simulator    *preflight.Simulator
	Orchestrator *orchestrator.Orchestrator
	Approvals    *approvals.Bridge
	Receipts     *receipts.Store
	Audit        *auditlog.Store
	Quotas       *tenant.QuotaEnforcer
	Bus          *eventbus.Bus
	Logger       *zap.Logger
}

// Server is the assembled `/v1` HTTP surface.
type Server struct {
	deps       Deps
	log        *zap.Logger
	httpServer *http.Server
}

// New builds a Server from deps. Callers are responsible for having
// already opened and migrated every store deps references.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{deps: deps, log: deps.Logger}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	skipTenant := map[string]bool{"/healthz": true, "/version": true}
	handler := s.tenantContext(skipTenant)(mux)

	addr := deps.Config.ListenAddr
	if addr == "" {
		addr = ":8443"
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /v1/captokens", s.handleIssueToken)
	mux.HandleFunc("POST /v1/captokens/verify", s.handleVerifyToken)
	mux.HandleFunc("POST /v1/captokens/refresh", s.handleRefreshToken)
	mux.HandleFunc("POST /v1/captokens/revoke", s.handleRevokeToken)

	mux.HandleFunc("POST /v1/compile", s.handleCompile)
	mux.HandleFunc("GET /v1/plans/{plan_hash}", s.handleGetPlan)

	mux.HandleFunc("POST /v1/ghostrun", s.handleStartGhostrun)
	mux.HandleFunc("GET /v1/ghostrun/{run_id}", s.handleGhostrunStatus)
	mux.HandleFunc("GET /v1/ghostrun/{run_id}/report", s.handleGhostrunReport)

	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("GET /v1/executions/{run_id}", s.handleExecutionStatus)
	mux.HandleFunc("POST /v1/executions/{run_id}/pause", s.handleExecutionPause)
	mux.HandleFunc("POST /v1/executions/{run_id}/resume", s.handleExecutionResume)
	mux.HandleFunc("POST /v1/executions/{run_id}/cancel", s.handleExecutionCancel)

	mux.HandleFunc("POST /v1/approvals", s.handleCreateApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/approve", s.handleApprovalApprove)
	mux.HandleFunc("POST /v1/approvals/{id}/reject", s.handleApprovalReject)
	mux.HandleFunc("POST /v1/approvals/{id}/delegate", s.handleApprovalDelegate)

	mux.HandleFunc("POST /v1/receipts", s.handleCreateReceipt)
	mux.HandleFunc("POST /v1/receipts/{id}/verify", s.handleVerifyReceipt)
	mux.HandleFunc("GET /v1/receipts/audit", s.handleAuditExport)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version, "commit": Commit})
}

// Version and Commit are injected at build time, the same as the
// automation pack's server package does for its own build metadata.
var (
	Version = "dev"
	Commit  = "none"
)

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting control plane http api", zap.String("addr", s.httpServer.Addr))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.deps.Config.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.deps.Config.TLSCert, s.deps.Config.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down http api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases the underlying listener without waiting for graceful
// drain; Run's own Shutdown path is preferred in normal operation.
func (s *Server) Close() error {
	return s.httpServer.Close()
}
