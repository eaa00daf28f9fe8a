package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	_ "modernc.org/sqlite"

	"github.com/anumate/controlplane/internal/approvals"
	"github.com/anumate/controlplane/internal/auditlog"
	"github.com/anumate/controlplane/internal/capsule"
	"github.com/anumate/controlplane/internal/captoken"
	"github.com/anumate/controlplane/internal/crypto"
	"github.com/anumate/controlplane/internal/orchestrator"
	"github.com/anumate/controlplane/internal/plancompiler"
	"github.com/anumate/controlplane/internal/preflight"
	"github.com/anumate/controlplane/internal/receipts"
	"github.com/anumate/controlplane/internal/tenant"
	"github.com/anumate/controlplane/internal/toolproto"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer := captoken.NewIssuer(keys, captoken.NewMemoryReplayGuard())

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	receiptStore := receipts.NewStore(db, keys)
	if err := receiptStore.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure receipt schema: %v", err)
	}

	auditStore, err := auditlog.NewStore(db, 100)
	if err != nil {
		t.Fatalf("new audit store: %v", err)
	}

	approvalsBridge := approvals.NewBridge(0)
	quotas := tenant.NewQuotaEnforcer(logr.Discard())
	orch := orchestrator.New(orchestrator.Deps{
		Tokens:    issuer,
		Approvals: approvalsBridge,
		Invoker:   toolproto.NewDemoFallbackInvoker(),
		Retry:     toolproto.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Quotas:    quotas,
		Receipts:  receiptStore,
	})

	return New(Deps{
		Tokens:       issuer,
		PlanCompiler: plancompiler.NewCompiler(nil),
		PlanCache:    plancompiler.NewCache(),
		Simulator:    preflight.NewSimulator(preflight.NewMockToolRegistry()),
		Orchestrator: orch,
		Approvals:    approvalsBridge,
		Receipts:     receiptStore,
		Audit:        auditStore,
		Quotas:       quotas,
	})
}

func (s *Server) testHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.tenantContext(map[string]bool{"/healthz": true, "/version": true})(mux)
}

func doRequest(t *testing.T, h http.Handler, method, path, tenantID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func simpleCapsule() capsule.Definition {
	return capsule.Definition{
		Metadata: capsule.Metadata{ID: "deploy-service", Name: "deploy-service", Version: "1.0.0"},
		Steps: []capsule.Step{
			{ID: "build", Name: "build", Action: "build.run"},
			{ID: "deploy", Name: "deploy", Action: "deploy.apply", DependsOn: []string{"build"}},
		},
	}
}

func capsuleJSON(t *testing.T, def capsule.Definition) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("marshal capsule: %v", err)
	}
	return raw
}

func TestMissingTenantRejected(t *testing.T) {
	s := newTestServer(t)
	h := s.testHandler()

	rec := doRequest(t, h, "POST", "/v1/compile", "", compileRequest{Capsule: capsuleJSON(t, simpleCapsule())})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400 missing tenant, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCompileThenExecute(t *testing.T) {
	s := newTestServer(t)
	h := s.testHandler()

	rec := doRequest(t, h, "POST", "/v1/compile", "tenant-a", compileRequest{Capsule: capsuleJSON(t, simpleCapsule())})
	if rec.Code != http.StatusOK {
		t.Fatalf("compile: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var compiled compileResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &compiled); err != nil {
		t.Fatalf("decode compile response: %v", err)
	}
	if compiled.PlanHash == "" {
		t.Fatal("expected non-empty plan_hash")
	}

	getRec := doRequest(t, h, "GET", "/v1/plans/"+compiled.PlanHash, "tenant-a", nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get plan: want 200, got %d", getRec.Code)
	}

	execRec := doRequest(t, h, "POST", "/v1/execute", "tenant-a", executeRequest{PlanHash: compiled.PlanHash})
	if execRec.Code != http.StatusOK {
		t.Fatalf("execute: want 200, got %d: %s", execRec.Code, execRec.Body.String())
	}
	var execResp map[string]string
	_ = json.Unmarshal(execRec.Body.Bytes(), &execResp)
	if execResp["run_id"] == "" {
		t.Fatal("expected non-empty run_id")
	}

	deadline := time.Now().Add(2 * time.Second)
	var statusRec *httptest.ResponseRecorder
	for time.Now().Before(deadline) {
		statusRec = doRequest(t, h, "GET", "/v1/executions/"+execResp["run_id"], "tenant-a", nil)
		var statusResp map[string]any
		_ = json.Unmarshal(statusRec.Body.Bytes(), &statusResp)
		if statusResp["status"] == "succeeded" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run never succeeded, last body: %s", statusRec.Body.String())
}

func TestExecuteUnknownPlanHash(t *testing.T) {
	s := newTestServer(t)
	h := s.testHandler()

	rec := doRequest(t, h, "POST", "/v1/execute", "tenant-a", executeRequest{PlanHash: "does-not-exist"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rec.Code)
	}
}

func TestExecuteIdempotencyConflict(t *testing.T) {
	s := newTestServer(t)
	h := s.testHandler()

	rec := doRequest(t, h, "POST", "/v1/compile", "tenant-a", compileRequest{Capsule: capsuleJSON(t, simpleCapsule())})
	var compiled compileResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &compiled)

	req1 := httptest.NewRequest("POST", "/v1/execute", jsonBody(t, executeRequest{PlanHash: compiled.PlanHash, Parameters: map[string]any{"x": 1}}))
	req1.Header.Set("X-Tenant-ID", "tenant-a")
	req1.Header.Set("Idempotency-Key", "k-1")
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first execute: want 200, got %d: %s", rec1.Code, rec1.Body.String())
	}

	req2 := httptest.NewRequest("POST", "/v1/execute", jsonBody(t, executeRequest{PlanHash: compiled.PlanHash, Parameters: map[string]any{"x": 2}}))
	req2.Header.Set("X-Tenant-ID", "tenant-a")
	req2.Header.Set("Idempotency-Key", "k-1")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("second execute with same key, different body: want 409, got %d: %s", rec2.Code, rec2.Body.String())
	}
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &buf
}

func TestIssueVerifyToken(t *testing.T) {
	s := newTestServer(t)
	h := s.testHandler()

	rec := doRequest(t, h, "POST", "/v1/captokens", "tenant-a", issueTokenRequest{
		Subject: "orchestrator", Capabilities: []string{"tool:invoke:build.run"}, TTLSecs: 60,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("issue: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var issued issueTokenResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &issued)

	verifyRec := doRequest(t, h, "POST", "/v1/captokens/verify", "tenant-a", verifyTokenRequest{Token: issued.Token})
	if verifyRec.Code != http.StatusOK {
		t.Fatalf("verify: want 200, got %d: %s", verifyRec.Code, verifyRec.Body.String())
	}

	replayRec := doRequest(t, h, "POST", "/v1/captokens/verify", "tenant-a", verifyTokenRequest{Token: issued.Token})
	if replayRec.Code != http.StatusConflict {
		t.Fatalf("replay: want 409, got %d: %s", replayRec.Code, replayRec.Body.String())
	}
}

func TestCreateAndVerifyReceipt(t *testing.T) {
	s := newTestServer(t)
	h := s.testHandler()

	rec := doRequest(t, h, "POST", "/v1/receipts", "tenant-a", createReceiptRequest{
		Kind: "run.completed", Payload: map[string]any{"foo": "bar"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create receipt: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created["receipt_id"] == "" {
		t.Fatal("expected receipt_id")
	}

	verifyRec := doRequest(t, h, "POST", "/v1/receipts/"+created["receipt_id"]+"/verify", "tenant-a", nil)
	if verifyRec.Code != http.StatusOK {
		t.Fatalf("verify receipt: want 200, got %d: %s", verifyRec.Code, verifyRec.Body.String())
	}
	var verified map[string]any
	_ = json.Unmarshal(verifyRec.Body.Bytes(), &verified)
	if ok, _ := verified["valid"].(bool); !ok {
		t.Fatalf("expected valid receipt, got %v", verified)
	}
}

func TestApprovalGateBlocksThenDecides(t *testing.T) {
	s := newTestServer(t)
	h := s.testHandler()

	createRec := doRequest(t, h, "POST", "/v1/approvals", "tenant-a", createApprovalRequest{
		RunID: "run-1", Clarification: "deploy to prod", Approvers: []string{"ops-lead"}, MinApprovers: 1,
	})
	if createRec.Code != http.StatusOK {
		t.Fatalf("create approval: want 200, got %d: %s", createRec.Code, createRec.Body.String())
	}
	var created map[string]string
	_ = json.Unmarshal(createRec.Body.Bytes(), &created)

	decideRec := doRequest(t, h, "POST", "/v1/approvals/"+created["approval_id"]+"/approve", "tenant-a", decideApprovalRequest{
		Actor: "ops-lead", Reason: "looks good",
	})
	if decideRec.Code != http.StatusOK {
		t.Fatalf("decide: want 200, got %d: %s", decideRec.Code, decideRec.Body.String())
	}
}
