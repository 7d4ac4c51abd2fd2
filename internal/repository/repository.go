package repository

import (
	"context"
	"time"

	"github.com/substratehq/substrate/internal/domain"
)

// TenantRepository persists tenant records and their sealed credentials.
type TenantRepository interface {
	CreateTenant(ctx context.Context, tenant *domain.Tenant) error
	GetTenantBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	// ListTenants returns up to limit tenants created after the cursor
	// position, ordered by creation time. A zero cursor starts from the
	// beginning.
	ListTenants(ctx context.Context, cursor TenantCursor, limit int) ([]domain.Tenant, error)
	// DeleteTenant removes the tenant and its environment configs. It
	// returns ErrConflict while any of the tenant's stacks has an active
	// run.
	DeleteTenant(ctx context.Context, slug string) error
}

// TenantCursor marks a position in the tenant listing. Both fields come
// from the last tenant of the previous page.
type TenantCursor struct {
	CreatedAt time.Time
	ID        string
}

// EnvironmentConfigRepository persists per-environment desired
// configuration with a monotonically increasing revision.
type EnvironmentConfigRepository interface {
	// UpsertEnvironmentConfig stores the config and returns the revision
	// assigned to it. The first write of a (tenant, environment) pair gets
	// revision 1; every overwrite increments it.
	UpsertEnvironmentConfig(ctx context.Context, tenantID, name string, config []byte) (int, error)
	GetEnvironmentConfig(ctx context.Context, tenantID, name string) (*domain.EnvironmentConfigRecord, error)
	// DeleteEnvironmentConfig removes the record. It returns ErrConflict
	// while the environment's stack has an active run.
	DeleteEnvironmentConfig(ctx context.Context, tenantID, name string) error
}

// RunRepository persists runs and enforces the single-flight guarantee:
// at most one run per stack may be pending or running at a time,
// enforced by the store rather than by in-process locking.
type RunRepository interface {
	// CreateRun inserts a new pending run. It returns ErrActiveRun when
	// the stack already has a pending or running run.
	CreateRun(ctx context.Context, run *domain.Run) error
	// SetRunLaunched records the backend job handle and flips the run
	// from pending to running. A run that is no longer pending is left
	// untouched and ErrConflict is returned.
	SetRunLaunched(ctx context.Context, runID, jobHandle string, startedAt time.Time) error
	// CompleteRun moves a run to a terminal status. Terminal runs are
	// immutable: completing an already-terminal run returns ErrConflict.
	CompleteRun(ctx context.Context, completion domain.RunCompletion) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	GetLatestRunByStack(ctx context.Context, stack string) (*domain.Run, error)
	// GetLatestSucceededDeploy returns the most recent succeeded deploy
	// run for the stack, used to gate destroys and serve outputs.
	GetLatestSucceededDeploy(ctx context.Context, stack string) (*domain.Run, error)
	ListRunsByStack(ctx context.Context, stack string, limit int) ([]domain.Run, error)
	// ListActiveRuns returns every pending or running run across all
	// stacks, oldest first. The reconciler drives these to completion.
	ListActiveRuns(ctx context.Context) ([]domain.Run, error)
}
