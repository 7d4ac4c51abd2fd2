// Package deployapi implements the execution backend client against a
// hosted deployments REST API. The API owns job execution; this client
// only drives it and reads back state.
package deployapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/substratehq/substrate/internal/backend"
)

// Config carries the connection settings for the deployments API.
type Config struct {
	BaseURL      string
	Organization string
	Project      string
	Token        string
	CallTimeout  time.Duration
}

// Client talks to the deployments API over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ backend.Client = (*Client)(nil)

// New constructs a Client. A zero CallTimeout defaults to 30 seconds.
func New(cfg Config) *Client {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

// LaunchRun makes the stack exist, pushes execution settings carrying the
// tenant credentials, and triggers the requested operation. The returned
// handle identifies the job for later polling.
func (c *Client) LaunchRun(ctx context.Context, input backend.LaunchInput) (string, error) {
	if err := c.ensureStack(ctx, input.Stack); err != nil {
		return "", err
	}
	if err := c.configureSettings(ctx, input); err != nil {
		return "", err
	}

	payload := map[string]any{
		"operation":       input.Operation,
		"inheritSettings": true,
	}
	var resp struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/api/stacks/%s/%s/%s/deployments", c.cfg.Organization, c.cfg.Project, input.Stack)
	if err := c.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return "", fmt.Errorf("trigger %s on %s: %w", input.Operation, input.Stack, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("trigger %s on %s: response carried no job id", input.Operation, input.Stack)
	}
	return resp.ID, nil
}

// PollStatus reads the current state of a job.
func (c *Client) PollStatus(ctx context.Context, stack, jobHandle string) (backend.JobStatus, error) {
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	path := fmt.Sprintf("/api/stacks/%s/%s/%s/deployments/%s", c.cfg.Organization, c.cfg.Project, stack, jobHandle)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return backend.JobStatus{}, fmt.Errorf("poll %s job %s: %w", stack, jobHandle, err)
	}
	return backend.JobStatus{State: mapState(resp.Status), Message: resp.Message}, nil
}

// FetchOutputs exports the stack state and extracts the root stack
// resource's outputs.
func (c *Client) FetchOutputs(ctx context.Context, stack string) (json.RawMessage, error) {
	var resp struct {
		Deployment struct {
			Resources []struct {
				Type    string          `json:"type"`
				Outputs json.RawMessage `json:"outputs"`
			} `json:"resources"`
		} `json:"deployment"`
	}
	path := fmt.Sprintf("/api/stacks/%s/%s/%s/export", c.cfg.Organization, c.cfg.Project, stack)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("export %s: %w", stack, err)
	}
	for _, res := range resp.Deployment.Resources {
		if res.Type == "pulumi:pulumi:Stack" {
			return res.Outputs, nil
		}
	}
	return json.RawMessage(`{}`), nil
}

// Cancel asks the backend to stop a job. The backend may already have
// finished it; callers learn the final state from PollStatus.
func (c *Client) Cancel(ctx context.Context, stack, jobHandle string) error {
	path := fmt.Sprintf("/api/stacks/%s/%s/%s/deployments/%s/cancel", c.cfg.Organization, c.cfg.Project, stack, jobHandle)
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("cancel %s job %s: %w", stack, jobHandle, err)
	}
	return nil
}

func (c *Client) ensureStack(ctx context.Context, stack string) error {
	payload := map[string]any{"stackName": stack}
	path := fmt.Sprintf("/api/stacks/%s/%s", c.cfg.Organization, c.cfg.Project)
	err := c.do(ctx, http.MethodPost, path, payload, nil)
	if err != nil {
		// 409 means the stack already exists, which is what we want.
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusConflict {
			return nil
		}
		return fmt.Errorf("ensure stack %s: %w", stack, err)
	}
	return nil
}

func (c *Client) configureSettings(ctx context.Context, input backend.LaunchInput) error {
	settings := map[string]any{
		"operationContext": map[string]any{
			"environmentVariables": map[string]any{
				"TENANT_ROLE_ARN":    input.Credentials.RoleARN,
				"TENANT_EXTERNAL_ID": map[string]any{"secret": input.Credentials.ExternalID},
				"AWS_REGION":         input.Credentials.Region,
				"STACK_CONFIG":       string(input.Config),
			},
		},
	}
	path := fmt.Sprintf("/api/stacks/%s/%s/%s/deployments/settings", c.cfg.Organization, c.cfg.Project, input.Stack)
	if err := c.do(ctx, http.MethodPost, path, settings, nil); err != nil {
		return fmt.Errorf("configure settings for %s: %w", input.Stack, err)
	}
	return nil
}

func mapState(status string) backend.JobState {
	switch status {
	case "succeeded":
		return backend.JobStateSucceeded
	case "failed":
		return backend.JobStateFailed
	case "cancelled", "canceled":
		return backend.JobStateCanceled
	case "not-started", "accepted", "pending":
		return backend.JobStateQueued
	default:
		return backend.JobStateRunning
	}
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.status, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+c.cfg.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &apiError{status: resp.StatusCode, body: string(bytes.TrimSpace(raw))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", backend.ErrTransient, apiErr)
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
