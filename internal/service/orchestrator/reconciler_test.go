package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/substratehq/substrate/internal/backend"
	"github.com/substratehq/substrate/internal/domain"
	"github.com/substratehq/substrate/pkg/config"
)

func TestReconcileCompletesSucceededDeployWithOutputs(t *testing.T) {
	runs, client, events, rec := newTestReconciler(t)
	runs.seed(domain.Run{
		ID:        "run-1",
		Stack:     "acme-dev",
		Kind:      domain.RunKindDeploy,
		Status:    domain.RunStatusRunning,
		JobHandle: "job-1",
		StartedAt: time.Now().UTC(),
	})
	client.pollStatus = backend.JobStatus{State: backend.JobStateSucceeded}
	client.outputs = json.RawMessage(`{"cluster_endpoint":"https://k8s.example.com"}`)

	rec.tick(context.Background())

	completions := runs.completions()
	if len(completions) != 1 {
		t.Fatalf("expected one completion, got %d", len(completions))
	}
	got := completions[0]
	if got.Status != domain.RunStatusSucceeded {
		t.Fatalf("status = %q", got.Status)
	}
	if !strings.Contains(string(got.Outputs), "cluster_endpoint") {
		t.Fatalf("outputs = %s", got.Outputs)
	}

	evts := events.all()
	if len(evts) != 1 || evts[0].Status != domain.RunStatusSucceeded {
		t.Fatalf("expected one succeeded event, got %+v", evts)
	}
}

func TestReconcileSkipsOutputsForDestroy(t *testing.T) {
	runs, client, _, rec := newTestReconciler(t)
	runs.seed(domain.Run{
		ID:        "run-1",
		Stack:     "acme-dev",
		Kind:      domain.RunKindDestroy,
		Status:    domain.RunStatusRunning,
		JobHandle: "job-1",
		StartedAt: time.Now().UTC(),
	})
	client.pollStatus = backend.JobStatus{State: backend.JobStateSucceeded}

	rec.tick(context.Background())

	if client.outputCalls != 0 {
		t.Fatalf("destroy runs must not fetch outputs, got %d calls", client.outputCalls)
	}
	completions := runs.completions()
	if len(completions) != 1 || completions[0].Status != domain.RunStatusSucceeded {
		t.Fatalf("completions = %+v", completions)
	}
}

func TestReconcileRetriesTransientPollFailures(t *testing.T) {
	runs, client, _, rec := newTestReconciler(t)
	runs.seed(domain.Run{
		ID:        "run-1",
		Stack:     "acme-dev",
		Kind:      domain.RunKindDeploy,
		Status:    domain.RunStatusRunning,
		JobHandle: "job-1",
		StartedAt: time.Now().UTC(),
	})
	client.pollErr = fmt.Errorf("%w: gateway timeout", backend.ErrTransient)

	rec.tick(context.Background())
	rec.tick(context.Background())

	if len(runs.completions()) != 0 {
		t.Fatal("transient failures must leave the run active")
	}
	if client.pollCalls != 2 {
		t.Fatalf("expected 2 poll attempts, got %d", client.pollCalls)
	}
}

func TestReconcileFailsRunOnPermanentPollError(t *testing.T) {
	runs, client, _, rec := newTestReconciler(t)
	runs.seed(domain.Run{
		ID:        "run-1",
		Stack:     "acme-dev",
		Kind:      domain.RunKindDeploy,
		Status:    domain.RunStatusRunning,
		JobHandle: "job-1",
		StartedAt: time.Now().UTC(),
	})
	client.pollErr = errors.New("job not found")

	rec.tick(context.Background())

	completions := runs.completions()
	if len(completions) != 1 {
		t.Fatalf("expected one completion, got %d", len(completions))
	}
	if completions[0].Status != domain.RunStatusFailed {
		t.Fatalf("status = %q", completions[0].Status)
	}
	if !strings.Contains(completions[0].Error, "job not found") {
		t.Fatalf("error = %q", completions[0].Error)
	}
}

func TestReconcileRetriesTransientOutputsFailure(t *testing.T) {
	runs, client, _, rec := newTestReconciler(t)
	runs.seed(domain.Run{
		ID:        "run-1",
		Stack:     "acme-dev",
		Kind:      domain.RunKindDeploy,
		Status:    domain.RunStatusRunning,
		JobHandle: "job-1",
		StartedAt: time.Now().UTC(),
	})
	client.pollStatus = backend.JobStatus{State: backend.JobStateSucceeded}
	client.outputsErr = fmt.Errorf("%w: export unavailable", backend.ErrTransient)

	rec.tick(context.Background())

	// The succeeded flip must not land without its outputs.
	if len(runs.completions()) != 0 {
		t.Fatal("run must stay active until outputs can be read")
	}
}

func TestReconcileMapsCanceledJobs(t *testing.T) {
	runs, client, _, rec := newTestReconciler(t)
	runs.seed(domain.Run{
		ID:        "run-1",
		Stack:     "acme-dev",
		Kind:      domain.RunKindDeploy,
		Status:    domain.RunStatusRunning,
		JobHandle: "job-1",
		StartedAt: time.Now().UTC(),
	})
	client.pollStatus = backend.JobStatus{State: backend.JobStateCanceled, Message: "canceled by operator"}

	rec.tick(context.Background())

	completions := runs.completions()
	if len(completions) != 1 || completions[0].Status != domain.RunStatusCanceled {
		t.Fatalf("completions = %+v", completions)
	}
}

func TestReconcileForceFailsRunsPastMaxAge(t *testing.T) {
	runs, client, _, rec := newTestReconciler(t)
	runs.seed(domain.Run{
		ID:        "run-1",
		Stack:     "acme-dev",
		Kind:      domain.RunKindDeploy,
		Status:    domain.RunStatusRunning,
		JobHandle: "job-1",
		StartedAt: time.Now().UTC().Add(-3 * time.Hour),
	})
	client.pollStatus = backend.JobStatus{State: backend.JobStateRunning}

	rec.tick(context.Background())

	completions := runs.completions()
	if len(completions) != 1 {
		t.Fatalf("expected one completion, got %d", len(completions))
	}
	if completions[0].Status != domain.RunStatusFailed {
		t.Fatalf("status = %q", completions[0].Status)
	}
	if !strings.Contains(completions[0].Error, "reconciliation timed out") {
		t.Fatalf("error = %q", completions[0].Error)
	}
	if client.pollCalls != 0 {
		t.Fatal("expired runs are failed without polling")
	}
}

func TestReconcileRecoversOrphanedPendingRuns(t *testing.T) {
	runs, _, _, rec := newTestReconciler(t)
	runs.seed(domain.Run{
		ID:        "run-1",
		Stack:     "acme-dev",
		Kind:      domain.RunKindDeploy,
		Status:    domain.RunStatusPending,
		StartedAt: time.Now().UTC().Add(-10 * time.Minute),
	})

	rec.tick(context.Background())

	completions := runs.completions()
	if len(completions) != 1 {
		t.Fatalf("expected one completion, got %d", len(completions))
	}
	if !strings.Contains(completions[0].Error, "never launched") {
		t.Fatalf("error = %q", completions[0].Error)
	}
}

func TestReconcileLeavesFreshPendingRunsAlone(t *testing.T) {
	runs, _, _, rec := newTestReconciler(t)
	runs.seed(domain.Run{
		ID:        "run-1",
		Stack:     "acme-dev",
		Kind:      domain.RunKindDeploy,
		Status:    domain.RunStatusPending,
		StartedAt: time.Now().UTC(),
	})

	rec.tick(context.Background())

	if len(runs.completions()) != 0 {
		t.Fatal("fresh pending runs belong to their launch goroutine")
	}
}

func newTestReconciler(t *testing.T) (*fakeRunRepo, *fakeBackend, *captureEvents, *Reconciler) {
	t.Helper()
	runs := newFakeRunRepo()
	client := &fakeBackend{}
	events := &captureEvents{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cfg := config.APIConfig{
		ReconcileInterval:    time.Second,
		ReconcileMaxParallel: 4,
		RunMaxAge:            2 * time.Hour,
		LaunchTimeout:        time.Minute,
	}
	return runs, client, events, NewReconciler(runs, client, events, nil, logger, cfg)
}
