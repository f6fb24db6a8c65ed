package trellis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Trellis server (e.g. "http://localhost:8080").
	BaseURL string

	// UserID and APIKey authenticate against the remote store. Leave both
	// empty for guest mode: requests go out unauthenticated and the server
	// serves them from its local store.
	UserID string
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Trellis workflow persistence API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager // nil in guest mode
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty, or if only one of UserID and APIKey
// is set.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("trellis: BaseURL is required")
	}
	if (cfg.UserID == "") != (cfg.APIKey == "") {
		return nil, fmt.Errorf("trellis: UserID and APIKey must be set together")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL: baseURL,
		client:  httpClient,
	}
	if cfg.UserID != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.UserID, cfg.APIKey, httpClient)
	}
	return c, nil
}

// ResolveDefault returns the caller's default workflow, creating or
// promoting one if needed. Never returns "not found".
func (c *Client) ResolveDefault(ctx context.Context) (*ResolveDefaultResponse, error) {
	var resp ResolveDefaultResponse
	if err := c.get(ctx, "/v1/workflows/default", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListWorkflows returns the caller's workflows, most recently updated first.
func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var resp []Workflow
	if err := c.get(ctx, "/v1/workflows", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetWorkflow retrieves a workflow with its instances and edges.
func (c *Client) GetWorkflow(ctx context.Context, id uuid.UUID) (*WorkflowDetail, error) {
	var resp WorkflowDetail
	if err := c.get(ctx, "/v1/workflows/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PatchWorkflow applies a field-scoped patch conditionally on
// expectedVersion. A stale version returns an error for which
// IsVersionConflict reports true; reload and retry with the fresh version.
func (c *Client) PatchWorkflow(ctx context.Context, id uuid.UUID, patch WorkflowPatch, expectedVersion int64) (*PatchWorkflowResponse, error) {
	body := map[string]any{
		"set":              patch,
		"expected_version": expectedVersion,
	}
	var resp PatchWorkflowResponse
	if err := c.patch(ctx, "/v1/workflows/"+id.String(), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteWorkflow deletes a workflow and everything in it. Deleting the
// default workflow re-resolves a replacement, returned in the response.
func (c *Client) DeleteWorkflow(ctx context.Context, id uuid.UUID) (*DeleteWorkflowResponse, error) {
	var resp DeleteWorkflowResponse
	if err := c.doDelete(ctx, "/v1/workflows/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveStatus returns the save-indicator snapshot for a workflow.
func (c *Client) SaveStatus(ctx context.Context, id uuid.UUID) (*SaveStatus, error) {
	var resp SaveStatus
	if err := c.get(ctx, "/v1/workflows/"+id.String()+"/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncGraph hands over the full normalized node/edge state of the canvas.
func (c *Client) SyncGraph(ctx context.Context, workflowID uuid.UUID, nodes []GraphNode, edges []GraphEdge, canvas CanvasState, expectedVersion int64) (*PatchWorkflowResponse, error) {
	body := map[string]any{
		"nodes":            nodes,
		"edges":            edges,
		"canvas":           canvas,
		"expected_version": expectedVersion,
	}
	var resp PatchWorkflowResponse
	if err := c.put(ctx, "/v1/workflows/"+workflowID.String()+"/graph", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateInstance deploys a prototype onto a workflow's canvas. Exactly one
// of prototypeID and inline must be set.
func (c *Client) CreateInstance(ctx context.Context, workflowID uuid.UUID, prototypeID *uuid.UUID, inline *AgentPrototype, pos Position) (*AgentInstance, error) {
	body := map[string]any{"position": pos}
	if prototypeID != nil {
		body["prototype_id"] = prototypeID
	}
	if inline != nil {
		body["prototype"] = inline
	}
	var resp AgentInstance
	if err := c.post(ctx, "/v1/workflows/"+workflowID.String()+"/instances", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateInstanceStatus transitions an instance's lifecycle state.
func (c *Client) UpdateInstanceStatus(ctx context.Context, instanceID uuid.UUID, status string) (*AgentInstance, error) {
	body := map[string]string{"status": status}
	var resp AgentInstance
	if err := c.post(ctx, "/v1/instances/"+instanceID.String()+"/status", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteInstance removes an instance, its content log, and every edge
// touching it.
func (c *Client) DeleteInstance(ctx context.Context, instanceID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/instances/"+instanceID.String(), nil)
}

// AppendContent journals one content entry for an instance. The instance's
// persistence policy decides acceptance; Accepted=false with a reason is a
// normal outcome, not an error.
func (c *Client) AppendContent(ctx context.Context, instanceID uuid.UUID, kind string, payload any) (*AppendContentResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("trellis: marshal %s payload: %w", kind, err)
	}
	body := map[string]any{"kind": kind, "payload": json.RawMessage(raw)}
	var resp AppendContentResponse
	if err := c.post(ctx, "/v1/instances/"+instanceID.String()+"/content", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListContent retrieves an instance's content log in sequence order.
func (c *Client) ListContent(ctx context.Context, instanceID uuid.UUID, limit, offset int) ([]ContentEntry, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}

	path := "/v1/instances/" + instanceID.String() + "/content"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []ContentEntry
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPost, path, body, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPut, path, body, dest)
}

func (c *Client) patch(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPatch, path, body, dest)
}

func (c *Client) send(ctx context.Context, method, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("trellis: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("trellis: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("trellis: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("trellis: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("trellis: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("trellis: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	// Guest mode sends no Authorization header.
	if c.tokenMgr != nil {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("trellis: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("trellis: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("trellis: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
