// Package orchestrator owns the run lifecycle: it accepts deploy and
// destroy requests, launches jobs on the execution backend, and serves
// cached run state. Status transitions after launch belong to the
// reconciler; handlers never flip a run themselves.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/substratehq/substrate/internal/backend"
	"github.com/substratehq/substrate/internal/domain"
	"github.com/substratehq/substrate/internal/repository"
	"github.com/substratehq/substrate/internal/service/secrets"
	"github.com/substratehq/substrate/pkg/config"
)

const defaultLaunchTimeout = 60 * time.Second

var (
	errEnvironmentRequired = fmt.Errorf("%w: environment required", repository.ErrInvalidArgument)
	errNoConfig            = fmt.Errorf("%w: environment has no stored configuration", repository.ErrInvalidArgument)
	errNothingDeployed     = fmt.Errorf("%w: nothing deployed for this environment", repository.ErrNotFound)
	errNoOutputs           = fmt.Errorf("%w: no outputs recorded for this environment", repository.ErrNotFound)
	errNotCancelable       = fmt.Errorf("%w: run is not cancelable", repository.ErrConflict)
)

// Service coordinates run creation and launch.
type Service struct {
	tenants repository.TenantRepository
	configs repository.EnvironmentConfigRepository
	runs    repository.RunRepository
	client  backend.Client
	issuer  secrets.Issuer
	events  EventPublisher
	metrics *Metrics
	logger  *slog.Logger
	cfg     config.APIConfig
	now     func() time.Time
}

// New constructs an orchestrator service.
func New(tenants repository.TenantRepository, configs repository.EnvironmentConfigRepository, runs repository.RunRepository, client backend.Client, issuer secrets.Issuer, events EventPublisher, metrics *Metrics, logger *slog.Logger, cfg config.APIConfig) Service {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = defaultLaunchTimeout
	}
	return Service{
		tenants: tenants,
		configs: configs,
		runs:    runs,
		client:  client,
		issuer:  issuer,
		events:  events,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Deploy accepts a deploy request for a tenant environment. The run is
// recorded as pending before this returns; the backend launch happens in
// the background. A second active run for the same stack is refused with
// ErrActiveRun no matter how the requests race.
func (s Service) Deploy(ctx context.Context, slug, environment string) (*domain.Run, error) {
	tenant, record, err := s.resolve(ctx, slug, environment)
	if err != nil {
		return nil, err
	}

	run := &domain.Run{
		ID:             uuid.NewString(),
		Stack:          domain.StackName(tenant.Slug, environment),
		TenantID:       tenant.ID,
		Environment:    environment,
		Kind:           domain.RunKindDeploy,
		Status:         domain.RunStatusPending,
		ConfigSnapshot: record.Config,
		ConfigRevision: record.Revision,
		StartedAt:      s.now().UTC(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.metrics.runStarted(run.Kind)
	s.logger.Info("deploy accepted",
		"stack", run.Stack, "run_id", run.ID, "config_revision", run.ConfigRevision)

	go s.launch(*tenant, *run)
	return run, nil
}

// Destroy accepts a teardown request. Destroys only make sense for
// environments that have something standing, so a stack without a
// succeeded deploy is refused. An in-flight run blocks the destroy with
// ErrActiveRun rather than queueing behind it. The teardown works from
// the standing deploy's snapshot, so it stays possible after the config
// record has been deleted.
func (s Service) Destroy(ctx context.Context, slug, environment string) (*domain.Run, error) {
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return nil, errEnvironmentRequired
	}
	tenant, err := s.tenants.GetTenantBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		return nil, err
	}
	stack := domain.StackName(tenant.Slug, environment)
	deployed, err := s.runs.GetLatestSucceededDeploy(ctx, stack)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errNothingDeployed
		}
		return nil, err
	}

	run := &domain.Run{
		ID:             uuid.NewString(),
		Stack:          stack,
		TenantID:       tenant.ID,
		Environment:    environment,
		Kind:           domain.RunKindDestroy,
		Status:         domain.RunStatusPending,
		ConfigSnapshot: deployed.ConfigSnapshot,
		ConfigRevision: deployed.ConfigRevision,
		StartedAt:      s.now().UTC(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.metrics.runStarted(run.Kind)
	s.logger.Info("destroy accepted", "stack", run.Stack, "run_id", run.ID)

	go s.launch(*tenant, *run)
	return run, nil
}

// Status returns the latest run for the environment's stack. The answer
// is the stored projection; the reconciler keeps it fresh.
func (s Service) Status(ctx context.Context, slug, environment string) (*domain.Run, error) {
	stack, err := s.stack(ctx, slug, environment)
	if err != nil {
		return nil, err
	}
	return s.runs.GetLatestRunByStack(ctx, stack)
}

// Outputs returns the outputs captured by the most recent succeeded
// deploy. Outputs survive later failed runs; they describe what is
// actually standing.
func (s Service) Outputs(ctx context.Context, slug, environment string) (*domain.Run, error) {
	stack, err := s.stack(ctx, slug, environment)
	if err != nil {
		return nil, err
	}
	run, err := s.runs.GetLatestSucceededDeploy(ctx, stack)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errNoOutputs
		}
		return nil, err
	}
	return run, nil
}

// History lists recent runs for the environment's stack, newest first.
func (s Service) History(ctx context.Context, slug, environment string, limit int) ([]domain.Run, error) {
	stack, err := s.stack(ctx, slug, environment)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.runs.ListRunsByStack(ctx, stack, limit)
}

// Cancel asks the backend to stop the stack's active run. Cancellation
// is best effort: the run stays in its current status until the
// reconciler observes the backend's terminal answer. A pending run with
// no job handle yet cannot be addressed and is refused.
func (s Service) Cancel(ctx context.Context, slug, environment string) (*domain.Run, error) {
	stack, err := s.stack(ctx, slug, environment)
	if err != nil {
		return nil, err
	}
	run, err := s.runs.GetLatestRunByStack(ctx, stack)
	if err != nil {
		return nil, err
	}
	if domain.RunTerminal(run.Status) || run.JobHandle == "" {
		return nil, errNotCancelable
	}
	if err := s.client.Cancel(ctx, run.Stack, run.JobHandle); err != nil {
		return nil, err
	}
	s.logger.Info("cancel requested", "stack", run.Stack, "run_id", run.ID)
	return run, nil
}

// launch drives the backend call for a freshly accepted run. It runs on
// its own context: the HTTP request that created the run is long gone.
func (s Service) launch(tenant domain.Tenant, run domain.Run) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LaunchTimeout)
	defer cancel()

	externalID, err := s.issuer.Reveal(tenant.ExternalIDSealed)
	if err != nil {
		s.failLaunch(run, fmt.Errorf("unseal credentials: %w", err))
		return
	}

	operation := "update"
	if run.Kind == domain.RunKindDestroy {
		operation = "destroy"
	}
	jobHandle, err := s.client.LaunchRun(ctx, backend.LaunchInput{
		Stack:     run.Stack,
		Operation: operation,
		Config:    run.ConfigSnapshot,
		Credentials: backend.Credentials{
			RoleARN:    tenant.RoleARN,
			ExternalID: externalID,
			Region:     tenant.Region,
		},
	})
	if err != nil {
		s.failLaunch(run, err)
		return
	}

	launchedAt := s.now().UTC()
	if err := s.runs.SetRunLaunched(ctx, run.ID, jobHandle, launchedAt); err != nil {
		// The run was completed underneath us, most likely a force-fail
		// by the reconciler. The backend job keeps running; the next
		// poll cycle has nothing to attach it to, so just report it.
		s.logger.Warn("run no longer pending after launch",
			"stack", run.Stack, "run_id", run.ID, "job_handle", jobHandle, "error", err)
		return
	}
	s.logger.Info("run launched", "stack", run.Stack, "run_id", run.ID, "job_handle", jobHandle)
	s.publish(RunEvent{
		Stack:  run.Stack,
		RunID:  run.ID,
		Kind:   run.Kind,
		Status: domain.RunStatusRunning,
		At:     launchedAt,
	})
}

func (s Service) failLaunch(run domain.Run, cause error) {
	completedAt := s.now().UTC()
	message := fmt.Sprintf("launch failed: %v", cause)
	if errors.Is(cause, context.DeadlineExceeded) {
		message = fmt.Sprintf("launch timed out after %s", s.cfg.LaunchTimeout)
	}

	// Completion uses a fresh context so a timed-out launch can still
	// release the stack.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.runs.CompleteRun(ctx, domain.RunCompletion{
		RunID:       run.ID,
		Status:      domain.RunStatusFailed,
		Error:       message,
		CompletedAt: completedAt,
	})
	if err != nil {
		s.logger.Error("failed to record launch failure",
			"stack", run.Stack, "run_id", run.ID, "error", err)
		return
	}
	s.metrics.runCompleted(run.Kind, domain.RunStatusFailed, completedAt.Sub(run.StartedAt))
	s.logger.Warn("run failed at launch", "stack", run.Stack, "run_id", run.ID, "error", cause)
	s.publish(RunEvent{
		Stack:  run.Stack,
		RunID:  run.ID,
		Kind:   run.Kind,
		Status: domain.RunStatusFailed,
		Error:  message,
		At:     completedAt,
	})
}

func (s Service) resolve(ctx context.Context, slug, environment string) (*domain.Tenant, *domain.EnvironmentConfigRecord, error) {
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return nil, nil, errEnvironmentRequired
	}
	tenant, err := s.tenants.GetTenantBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		return nil, nil, err
	}
	record, err := s.configs.GetEnvironmentConfig(ctx, tenant.ID, environment)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, errNoConfig
		}
		return nil, nil, err
	}
	return tenant, record, nil
}

func (s Service) stack(ctx context.Context, slug, environment string) (string, error) {
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return "", errEnvironmentRequired
	}
	tenant, err := s.tenants.GetTenantBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		return "", err
	}
	return domain.StackName(tenant.Slug, environment), nil
}
