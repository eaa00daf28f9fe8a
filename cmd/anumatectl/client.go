package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIClient is a thin HTTP client for the control plane's /v1 surface.
// Every request carries the tenant/actor headers the server's context
// middleware requires.
type APIClient struct {
	server   string
	tenantID string
	actor    string
	http     *http.Client
}

type issueTokenResponse struct {
	Token string `json:"token"`
	JTI   string `json:"jti"`
	Exp   string `json:"exp"`
}

type compileResponse struct {
	PlanHash     string         `json:"plan_hash"`
	CompiledPlan map[string]any `json:"compiled_plan"`
}

type executeResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type executionStatusResponse struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Progress any    `json:"progress"`
	Results  any    `json:"results,omitempty"`
}

type createApprovalResponse struct {
	ApprovalID string `json:"approval_id"`
}

type apiProblem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func NewAPIClient(server, tenantID, actor string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = defaultServer
	}
	return &APIClient{
		server:   server,
		tenantID: tenantID,
		actor:    actor,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *APIClient) IssueToken(ctx context.Context, subject string, capabilities []string, ttlSecs int) (*issueTokenResponse, error) {
	var out issueTokenResponse
	payload := map[string]any{"subject": subject, "capabilities": capabilities, "ttl_secs": ttlSecs}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/captokens", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Compile(ctx context.Context, capsule map[string]any, inputs map[string]any) (*compileResponse, error) {
	var out compileResponse
	payload := map[string]any{"capsule": capsule, "inputs": inputs}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/compile", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) GetPlan(ctx context.Context, planHash string) (*compileResponse, error) {
	var out compileResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/plans/"+planHash, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Execute(ctx context.Context, planHash string, parameters map[string]any, requireApproval bool, idempotencyKey string) (*executeResponse, error) {
	var out executeResponse
	payload := map[string]any{
		"plan_hash":        planHash,
		"parameters":       parameters,
		"require_approval": requireApproval,
	}
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	if err := c.doJSONWithHeaders(ctx, http.MethodPost, "/v1/execute", payload, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) ExecutionStatus(ctx context.Context, runID string) (*executionStatusResponse, error) {
	var out executionStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/executions/"+runID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) PauseExecution(ctx context.Context, runID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/executions/"+runID+"/pause", nil, nil)
}

func (c *APIClient) ResumeExecution(ctx context.Context, runID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/executions/"+runID+"/resume", nil, nil)
}

func (c *APIClient) CancelExecution(ctx context.Context, runID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/executions/"+runID+"/cancel", nil, nil)
}

func (c *APIClient) CreateApproval(ctx context.Context, runID, stepID, clarification, riskLevel, policy string, minApprovers int, approvers, escalateTo []string, deadlineSecs int) (*createApprovalResponse, error) {
	var out createApprovalResponse
	payload := map[string]any{
		"run_id":        runID,
		"step_id":       stepID,
		"clarification": clarification,
		"risk_level":    riskLevel,
		"policy":        policy,
		"min_approvers": minApprovers,
		"approvers":     approvers,
		"escalate_to":   escalateTo,
		"deadline":      deadlineSecs,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/approvals", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DecideApproval(ctx context.Context, id string, approve bool, actor, reason string) error {
	path := "/v1/approvals/" + id + "/reject"
	if approve {
		path = "/v1/approvals/" + id + "/approve"
	}
	payload := map[string]any{"actor": actor, "reason": reason}
	return c.doJSON(ctx, http.MethodPost, path, payload, nil)
}

func (c *APIClient) DelegateApproval(ctx context.Context, id, actor, to string) error {
	payload := map[string]any{"actor": actor, "to": to}
	return c.doJSON(ctx, http.MethodPost, "/v1/approvals/"+id+"/delegate", payload, nil)
}

func (c *APIClient) AuditExport(ctx context.Context, format string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/v1/receipts/audit?format="+format, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req, nil)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

func (c *APIClient) setHeaders(req *http.Request, extra map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	return c.doJSONWithHeaders(ctx, method, path, body, nil, out)
}

func (c *APIClient) doJSONWithHeaders(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req, headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var problem apiProblem
		if err := json.Unmarshal(resBody, &problem); err == nil && problem.Detail != "" {
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, problem.Detail)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
