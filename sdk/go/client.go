package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stageline HTTP API client for external job workers and
// collaborating services.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// StageState mirrors one per-stage entry of the pipeline status.
type StageState struct {
	StageKey       string   `json:"stage_key"`
	Status         string   `json:"status"`
	BlockedReasons []string `json:"blocked_reasons,omitempty"`
	LastJobID      *string  `json:"last_job_id,omitempty"`
}

// SafetyFlags mirrors the autopilot interlocks.
type SafetyFlags struct {
	AmbiguousNextStage bool `json:"ambiguous_next_stage"`
	CircuitBreaker     bool `json:"circuit_breaker"`
	CooldownActive     bool `json:"cooldown_active"`
}

// PipelineStatus is the orchestration view of a project.
type PipelineStatus struct {
	ProjectID        string       `json:"project_id"`
	ProjectStatus    string       `json:"project_status"`
	CurrentStage     string       `json:"current_stage"`
	AutopilotEnabled bool         `json:"autopilot_enabled"`
	AutopilotMode    string       `json:"autopilot_mode"`
	PausedReason     string       `json:"paused_reason,omitempty"`
	Stages           []StageState `json:"stages"`
	ReadyStages      []string     `json:"ready_stages,omitempty"`
	Safety           SafetyFlags  `json:"safety"`
}

// JobRun is one dispatched unit of work.
type JobRun struct {
	ID       string `json:"id"`
	StageKey string `json:"stage_key"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Event is one log entry.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	StageKey  string `json:"stage_key,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status fetches the pipeline status without re-evaluating it.
func (c *Client) Status(ctx context.Context) (PipelineStatus, error) {
	var resp PipelineStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// Evaluate re-runs all gate computations and returns the fresh status.
func (c *Client) Evaluate(ctx context.Context) (PipelineStatus, error) {
	var resp PipelineStatus
	err := c.do(ctx, http.MethodPost, c.projectPath("evaluate"), nil, &resp)
	return resp, err
}

// Advance runs one autopilot step.
func (c *Client) Advance(ctx context.Context) (PipelineStatus, error) {
	var resp PipelineStatus
	err := c.do(ctx, http.MethodPost, c.projectPath("advance"), nil, &resp)
	return resp, err
}

// Approve signs off the pending approval on a stage.
func (c *Client) Approve(ctx context.Context, stageKey, comment string) (PipelineStatus, error) {
	var resp PipelineStatus
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/approve", url.PathEscape(stageKey)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"comment": comment}, &resp)
	return resp, err
}

// Reject declines the pending approval on a stage.
func (c *Client) Reject(ctx context.Context, stageKey, comment string) (PipelineStatus, error) {
	var resp PipelineStatus
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/reject", url.PathEscape(stageKey)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"comment": comment}, &resp)
	return resp, err
}

// SubmitOnboarding records the client onboarding submission.
func (c *Client) SubmitOnboarding(ctx context.Context, fields map[string]any) (PipelineStatus, error) {
	var resp PipelineStatus
	err := c.do(ctx, http.MethodPost, c.projectPath("onboarding"), map[string]any{"fields": fields}, &resp)
	return resp, err
}

// SetAssignment assigns an actor to a project role.
func (c *Client) SetAssignment(ctx context.Context, role, actorID string) (PipelineStatus, error) {
	var resp PipelineStatus
	endpoint := c.projectPath(fmt.Sprintf("assignments/%s", url.PathEscape(role)))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"actor_id": actorID}, &resp)
	return resp, err
}

// ListJobs returns recent job runs for the project.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]JobRun, error) {
	endpoint := c.projectPath("jobs")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []JobRun
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReportJobSuccess is the worker callback for a finished job.
func (c *Client) ReportJobSuccess(ctx context.Context, jobID string) (PipelineStatus, error) {
	var resp PipelineStatus
	endpoint := fmt.Sprintf("v0/jobs/%s/succeed", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ReportJobFailure is the worker callback for a failed job.
func (c *Client) ReportJobFailure(ctx context.Context, jobID, errMsg string) (PipelineStatus, error) {
	var resp PipelineStatus
	endpoint := fmt.Sprintf("v0/jobs/%s/fail", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"error": errMsg}, &resp)
	return resp, err
}

// Events returns recent events, optionally only those after a known id.
func (c *Client) Events(ctx context.Context, limit int, after int64) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if after > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
