// Package toolproto implements the control plane's side of the Tool
// Protocol: an MCP client that carries a capability token as a bearer
// credential to an external agent runtime's tool endpoint, invokes
// tools on its behalf, and classifies failures so the orchestrator's
// retry policy can tell a transient transport error from a tool that
// ran and legitimately failed.
//
// This is the mirror image of the control plane's own MCP server
// surface: there the control plane exposes fleet/audit/approval tools
// to other agents; here it consumes tools exposed by the runtime that
// actually executes ExecutablePlan steps.
package toolproto

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrorClass distinguishes why a tool invocation failed, so the
// orchestrator's retry policy can decide whether retrying is safe.
type ErrorClass int

const (
	// ClassNone means the call did not fail.
	ClassNone ErrorClass = iota
	// ClassTransient is a transport/connection-level failure: safe to
	// retry with backoff, the tool itself never ran.
	ClassTransient
	// ClassSemantic is a tool-level failure: the tool ran and reported
	// an error. Retrying without operator intervention is unsafe for a
	// mutating action unless the step is explicitly idempotent.
	ClassSemantic
	// ClassUnauthorized means the capability token was rejected —
	// expired, replayed, or missing the required scope. Not retryable
	// without reissuing a token.
	ClassUnauthorized
)

// InvokeError wraps a tool invocation failure with its class.
type InvokeError struct {
	Class ErrorClass
	Err   error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("toolproto: %s", e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator's retry policy should
// attempt this invocation again.
func (e *InvokeError) Retryable() bool {
	return e.Class == ClassTransient
}

// Invoker calls a named tool with parameters and returns its result.
// Implementations: Client (real MCP over HTTP) and DemoFallbackInvoker
// (in-process canned responses, opt-in only).
type Invoker interface {
	Invoke(ctx context.Context, action string, parameters map[string]any, token string) (map[string]any, error)
}

// Client is an MCP client bound to one external tool-runtime endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	clientInfo *mcp.Implementation
}

// NewClient builds a Client targeting endpoint (the tool runtime's MCP
// streamable-HTTP URL).
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		clientInfo: &mcp.Implementation{
			Name:    "anumate-controlplane",
			Version: "dev",
		},
	}
}

// Invoke connects to the tool runtime, authenticates with token as a
// bearer credential, calls the named tool, and classifies any failure.
func (c *Client) Invoke(ctx context.Context, action string, parameters map[string]any, token string) (map[string]any, error) {
	client := mcp.NewClient(c.clientInfo, nil)

	transport := &mcp.StreamableClientTransport{
		Endpoint: c.endpoint,
		HTTPClient: &authenticatedHTTPClient{
			base:  c.httpClient,
			token: token,
		},
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, &InvokeError{Class: ClassTransient, Err: fmt.Errorf("connect to tool runtime: %w", err)}
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      action,
		Arguments: parameters,
	})
	if err != nil {
		if isUnauthorized(err) {
			return nil, &InvokeError{Class: ClassUnauthorized, Err: err}
		}
		return nil, &InvokeError{Class: ClassTransient, Err: fmt.Errorf("call tool %s: %w", action, err)}
	}

	if result.IsError {
		return nil, &InvokeError{Class: ClassSemantic, Err: fmt.Errorf("tool %s reported failure: %v", action, textOf(result))}
	}

	return map[string]any{"content": result.Content}, nil
}

func isUnauthorized(err error) bool {
	var httpErr interface{ StatusCode() int }
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode() == http.StatusUnauthorized || httpErr.StatusCode() == http.StatusForbidden
	}
	return false
}

func textOf(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return "tool call failed"
}

// authenticatedHTTPClient attaches the capability token as a bearer
// credential to every outbound request, the transport-level equivalent
// of how the control plane's own auth middleware reads Authorization
// on inbound requests.
type authenticatedHTTPClient struct {
	base  *http.Client
	token string
}

func (a *authenticatedHTTPClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+a.token)
	return a.base.Do(req)
}
