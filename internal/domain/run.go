package domain

import (
	"encoding/json"
	"time"
)

// Run kinds.
const (
	RunKindDeploy  = "deploy"
	RunKindDestroy = "destroy"
)

// Run statuses. A stack has at most one run in a non-terminal status.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

// StackName derives the stack identity from tenant slug and environment name.
// Stack identity is never assigned independently.
func StackName(slug, environment string) string {
	return slug + "-" + environment
}

// RunTerminal reports whether a status is terminal.
func RunTerminal(status string) bool {
	switch status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// Run captures a single execution attempt against the external backend. The
// record is a cached projection of the backend's authoritative job state.
type Run struct {
	ID             string          `json:"id"`
	Stack          string          `json:"stack"`
	TenantID       string          `json:"tenant_id"`
	Environment    string          `json:"environment"`
	Kind           string          `json:"kind"`
	Status         string          `json:"status"`
	JobHandle      string          `json:"job_handle,omitempty"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot,omitempty"`
	ConfigRevision int             `json:"config_revision,omitempty"`
	Outputs        json.RawMessage `json:"outputs,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RunCompletion carries the terminal transition for a run.
type RunCompletion struct {
	RunID       string
	Status      string
	Outputs     json.RawMessage
	Error       string
	CompletedAt time.Time
}
