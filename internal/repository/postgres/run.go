package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/substratehq/substrate/internal/domain"
	"github.com/substratehq/substrate/internal/repository"
)

const runColumns = `id, stack, tenant_id, environment, kind, status, job_handle, config_snapshot, config_revision, outputs, error, started_at, completed_at, updated_at`

// CreateRun inserts a pending run. The partial unique index on active
// runs makes the insert the compare-and-set that enforces the
// single-flight guarantee: a second active run for the same stack fails
// with ErrActiveRun regardless of which process attempts it.
func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	const query = `INSERT INTO runs (id, stack, tenant_id, environment, kind, status, config_snapshot, config_revision, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.Stack,
		run.TenantID,
		run.Environment,
		run.Kind,
		run.Status,
		bytesToNil(run.ConfigSnapshot),
		run.ConfigRevision,
		run.StartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				if pgErr.ConstraintName == "runs_stack_active_idx" {
					return repository.ErrActiveRun
				}
				return repository.ErrConflict
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	run.UpdatedAt = run.StartedAt
	return nil
}

// SetRunLaunched records the backend job handle and moves the run from
// pending to running. The WHERE clause keeps the transition one-way: a
// run the reconciler already completed is not resurrected.
func (r *Repository) SetRunLaunched(ctx context.Context, runID, jobHandle string, startedAt time.Time) error {
	const query = `UPDATE runs
		SET status = 'running', job_handle = $2, started_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, query, runID, jobHandle, startedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// CompleteRun moves a run to a terminal status and persists outputs
// atomically with the transition. Completing an already-terminal run
// returns ErrConflict; terminal runs are immutable.
func (r *Repository) CompleteRun(ctx context.Context, completion domain.RunCompletion) error {
	const query = `UPDATE runs
		SET status = $2, outputs = $3, error = $4, completed_at = $5, updated_at = $5
		WHERE id = $1 AND status IN ('pending', 'running')`
	tag, err := r.pool.Exec(ctx, query,
		completion.RunID,
		completion.Status,
		bytesToNil(completion.Outputs),
		nilIfEmpty(completion.Error),
		completion.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// GetRun retrieves a run by identifier.
func (r *Repository) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	const query = `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return r.scanRun(r.pool.QueryRow(ctx, query, runID))
}

// GetLatestRunByStack returns the most recent run for a stack.
func (r *Repository) GetLatestRunByStack(ctx context.Context, stack string) (*domain.Run, error) {
	const query = `SELECT ` + runColumns + ` FROM runs
		WHERE stack = $1 ORDER BY started_at DESC, id DESC LIMIT 1`
	return r.scanRun(r.pool.QueryRow(ctx, query, stack))
}

// GetLatestSucceededDeploy returns the most recent succeeded deploy run
// for a stack.
func (r *Repository) GetLatestSucceededDeploy(ctx context.Context, stack string) (*domain.Run, error) {
	const query = `SELECT ` + runColumns + ` FROM runs
		WHERE stack = $1 AND kind = 'deploy' AND status = 'succeeded'
		ORDER BY completed_at DESC LIMIT 1`
	return r.scanRun(r.pool.QueryRow(ctx, query, stack))
}

// ListRunsByStack returns the run history for a stack, newest first.
func (r *Repository) ListRunsByStack(ctx context.Context, stack string, limit int) ([]domain.Run, error) {
	const query = `SELECT ` + runColumns + ` FROM runs
		WHERE stack = $1 ORDER BY started_at DESC, id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, stack, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListActiveRuns returns every pending or running run, oldest first.
func (r *Repository) ListActiveRuns(ctx context.Context) ([]domain.Run, error) {
	const query = `SELECT ` + runColumns + ` FROM runs
		WHERE status IN ('pending', 'running') ORDER BY started_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanRun(row rowScanner) (*domain.Run, error) {
	run, err := scanRunFields(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

func scanRunFields(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var jobHandle, runErr sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(
		&run.ID,
		&run.Stack,
		&run.TenantID,
		&run.Environment,
		&run.Kind,
		&run.Status,
		&jobHandle,
		&run.ConfigSnapshot,
		&run.ConfigRevision,
		&run.Outputs,
		&runErr,
		&run.StartedAt,
		&completedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	run.JobHandle = jobHandle.String
	run.Error = runErr.String
	if completedAt.Valid {
		value := completedAt.Time
		run.CompletedAt = &value
	}
	return &run, nil
}

func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRunFields(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
