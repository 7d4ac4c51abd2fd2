package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/substratehq/substrate/internal/domain"
	"github.com/substratehq/substrate/internal/repository"
)

// UpsertEnvironmentConfig stores the desired configuration for an
// environment and returns the revision assigned to it. Overwrites bump
// the revision counter.
func (r *Repository) UpsertEnvironmentConfig(ctx context.Context, tenantID, name string, config []byte) (int, error) {
	const query = `INSERT INTO environment_configs (tenant_id, name, config, revision, created_at, updated_at)
		VALUES ($1, $2, $3, 1, NOW(), NOW())
		ON CONFLICT (tenant_id, name) DO UPDATE
			SET config = EXCLUDED.config,
			    revision = environment_configs.revision + 1,
			    updated_at = NOW()
		RETURNING revision`
	var revision int
	if err := r.pool.QueryRow(ctx, query, tenantID, name, config).Scan(&revision); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return 0, repository.ErrNotFound
			case "23514", "22P02":
				return 0, repository.ErrInvalidArgument
			}
		}
		return 0, err
	}
	return revision, nil
}

// GetEnvironmentConfig fetches the stored configuration for an environment.
func (r *Repository) GetEnvironmentConfig(ctx context.Context, tenantID, name string) (*domain.EnvironmentConfigRecord, error) {
	const query = `SELECT tenant_id, name, config, revision, created_at, updated_at
		FROM environment_configs WHERE tenant_id = $1 AND name = $2`
	row := r.pool.QueryRow(ctx, query, tenantID, name)
	var rec domain.EnvironmentConfigRecord
	if err := row.Scan(&rec.TenantID, &rec.Name, &rec.Config, &rec.Revision, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// DeleteEnvironmentConfig removes the stored configuration. The delete is
// refused while the environment's stack has an active run.
func (r *Repository) DeleteEnvironmentConfig(ctx context.Context, tenantID, name string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var active int
	const activeQuery = `SELECT COUNT(1) FROM runs
		WHERE tenant_id = $1 AND environment = $2 AND status IN ('pending', 'running')`
	if err := tx.QueryRow(ctx, activeQuery, tenantID, name).Scan(&active); err != nil {
		return err
	}
	if active > 0 {
		return repository.ErrConflict
	}

	tag, err := tx.Exec(ctx, `DELETE FROM environment_configs WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}
