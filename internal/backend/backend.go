package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// JobState is the coarse lifecycle state of a backend job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

// Terminal reports whether the state will never change again.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// JobStatus is a point-in-time observation of a backend job.
type JobStatus struct {
	State   JobState
	Message string
}

// Credentials identify the tenant cloud account a job executes against.
// The external id travels to the backend as a secret and nowhere else.
type Credentials struct {
	RoleARN    string
	ExternalID string
	Region     string
}

// LaunchInput carries everything needed to start a job for a stack.
type LaunchInput struct {
	Stack       string
	Operation   string
	Config      json.RawMessage
	Credentials Credentials
}

// ErrTransient marks backend failures worth retrying on the next
// reconcile tick: timeouts, throttling, 5xx responses.
var ErrTransient = errors.New("backend: transient failure")

// IsTransient reports whether err should be retried rather than failing
// the run.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Client drives jobs on the external execution backend. The backend is
// the source of truth for job state; callers cache its answers.
type Client interface {
	// LaunchRun starts a job and returns the backend's handle for it.
	LaunchRun(ctx context.Context, input LaunchInput) (string, error)
	// PollStatus observes the current state of a previously launched job.
	PollStatus(ctx context.Context, stack, jobHandle string) (JobStatus, error)
	// FetchOutputs retrieves the stack's outputs after a successful job.
	FetchOutputs(ctx context.Context, stack string) (json.RawMessage, error)
	// Cancel requests termination of an in-flight job. Cancellation is
	// best effort; the final state still arrives through PollStatus.
	Cancel(ctx context.Context, stack, jobHandle string) error
}
