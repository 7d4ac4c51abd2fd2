package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/substratehq/substrate/internal/backend"
	"github.com/substratehq/substrate/internal/domain"
	"github.com/substratehq/substrate/internal/repository"
	"github.com/substratehq/substrate/pkg/config"
)

const (
	defaultReconcileInterval = 15 * time.Second
	defaultMaxParallel       = 8
	defaultRunMaxAge         = 2 * time.Hour
	pollTimeout              = 30 * time.Second
)

// Reconciler drives active runs to their terminal status by polling the
// execution backend. It is the only writer of post-launch transitions,
// so cached run state converges no matter which process accepted the
// run or whether this one restarted in between.
type Reconciler struct {
	runs    repository.RunRepository
	client  backend.Client
	events  EventPublisher
	metrics *Metrics
	logger  *slog.Logger

	interval    time.Duration
	maxParallel int
	maxAge      time.Duration
	launchGrace time.Duration
	now         func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewReconciler constructs a reconciler from the service configuration.
func NewReconciler(runs repository.RunRepository, client backend.Client, events EventPublisher, metrics *Metrics, logger *slog.Logger, cfg config.APIConfig) *Reconciler {
	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	maxParallel := cfg.ReconcileMaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	maxAge := cfg.RunMaxAge
	if maxAge <= 0 {
		maxAge = defaultRunMaxAge
	}
	launchGrace := 2 * cfg.LaunchTimeout
	if launchGrace <= 0 {
		launchGrace = 2 * defaultLaunchTimeout
	}
	if logger != nil {
		logger = logger.With("component", "reconciler")
	}
	return &Reconciler{
		runs:        runs,
		client:      client,
		events:      events,
		metrics:     metrics,
		logger:      logger,
		interval:    interval,
		maxParallel: maxParallel,
		maxAge:      maxAge,
		launchGrace: launchGrace,
		now:         time.Now,
		inflight:    make(map[string]struct{}),
	}
}

// Run executes the reconcile loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval, "max_parallel", r.maxParallel)
	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	runs, err := r.runs.ListActiveRuns(ctx)
	if err != nil {
		r.logger.Warn("failed to list active runs", "error", err)
		return
	}
	if len(runs) == 0 {
		return
	}

	sem := make(chan struct{}, r.maxParallel)
	var wg sync.WaitGroup
	for _, run := range runs {
		if !r.claim(run.ID) {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			r.release(run.ID)
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(run domain.Run) {
			defer wg.Done()
			defer r.release(run.ID)
			defer func() { <-sem }()
			r.reconcile(ctx, run)
		}(run)
	}
	wg.Wait()
}

// claim marks a run as being polled. A run already claimed by a slower
// goroutine from an earlier tick is skipped rather than polled twice.
func (r *Reconciler) claim(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[runID]; busy {
		return false
	}
	r.inflight[runID] = struct{}{}
	return true
}

func (r *Reconciler) release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, runID)
}

func (r *Reconciler) reconcile(parent context.Context, run domain.Run) {
	ctx, cancel := context.WithTimeout(parent, pollTimeout)
	defer cancel()

	age := r.now().UTC().Sub(run.StartedAt)
	if age > r.maxAge {
		r.complete(ctx, run, domain.RunCompletion{
			RunID:       run.ID,
			Status:      domain.RunStatusFailed,
			Error:       fmt.Sprintf("reconciliation timed out after %s", r.maxAge),
			CompletedAt: r.now().UTC(),
		})
		return
	}

	// A pending run with no job handle is waiting on its launch
	// goroutine. If the launch window has long passed, the process that
	// accepted it died before launching; fail it to free the stack.
	if run.Status == domain.RunStatusPending && run.JobHandle == "" {
		if age > r.launchGrace {
			r.complete(ctx, run, domain.RunCompletion{
				RunID:       run.ID,
				Status:      domain.RunStatusFailed,
				Error:       "run was never launched",
				CompletedAt: r.now().UTC(),
			})
		}
		return
	}

	status, err := r.client.PollStatus(ctx, run.Stack, run.JobHandle)
	if err != nil {
		if backend.IsTransient(err) {
			r.metrics.pollError()
			r.logger.Warn("transient poll failure", "stack", run.Stack, "run_id", run.ID, "error", err)
			return
		}
		r.complete(ctx, run, domain.RunCompletion{
			RunID:       run.ID,
			Status:      domain.RunStatusFailed,
			Error:       fmt.Sprintf("backend rejected status poll: %v", err),
			CompletedAt: r.now().UTC(),
		})
		return
	}
	if !status.State.Terminal() {
		return
	}

	completion := domain.RunCompletion{
		RunID:       run.ID,
		CompletedAt: r.now().UTC(),
	}
	switch status.State {
	case backend.JobStateSucceeded:
		completion.Status = domain.RunStatusSucceeded
		if run.Kind == domain.RunKindDeploy {
			outputs, err := r.client.FetchOutputs(ctx, run.Stack)
			if err != nil {
				if backend.IsTransient(err) {
					// Outputs persist atomically with the succeeded flip.
					// Leave the run active and retry the whole step.
					r.metrics.pollError()
					r.logger.Warn("transient outputs fetch failure", "stack", run.Stack, "run_id", run.ID, "error", err)
					return
				}
				completion.Status = domain.RunStatusFailed
				completion.Error = fmt.Sprintf("job succeeded but outputs could not be read: %v", err)
				break
			}
			completion.Outputs = outputs
		}
	case backend.JobStateCanceled:
		completion.Status = domain.RunStatusCanceled
		completion.Error = status.Message
	default:
		completion.Status = domain.RunStatusFailed
		completion.Error = status.Message
		if completion.Error == "" {
			completion.Error = "job failed"
		}
	}
	r.complete(ctx, run, completion)
}

func (r *Reconciler) complete(ctx context.Context, run domain.Run, completion domain.RunCompletion) {
	if err := r.runs.CompleteRun(ctx, completion); err != nil {
		r.logger.Warn("failed to complete run",
			"stack", run.Stack, "run_id", run.ID, "status", completion.Status, "error", err)
		return
	}
	r.metrics.runCompleted(run.Kind, completion.Status, completion.CompletedAt.Sub(run.StartedAt))
	r.logger.Info("run completed",
		"stack", run.Stack, "run_id", run.ID, "kind", run.Kind, "status", completion.Status)
	if r.events != nil {
		r.events.PublishRun(RunEvent{
			Stack:  run.Stack,
			RunID:  run.ID,
			Kind:   run.Kind,
			Status: completion.Status,
			Error:  completion.Error,
			At:     completion.CompletedAt,
		})
	}
}
