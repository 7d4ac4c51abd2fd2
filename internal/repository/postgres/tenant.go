package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/substratehq/substrate/internal/domain"
	"github.com/substratehq/substrate/internal/repository"
)

// CreateTenant inserts a tenant. Slug collisions surface as ErrConflict.
func (r *Repository) CreateTenant(ctx context.Context, tenant *domain.Tenant) error {
	const query = `INSERT INTO tenants (id, slug, name, cloud_account_id, region, role_arn, external_id_sealed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`
	_, err := r.pool.Exec(ctx, query,
		tenant.ID,
		tenant.Slug,
		tenant.Name,
		tenant.CloudAccountID,
		tenant.Region,
		tenant.RoleARN,
		tenant.ExternalIDSealed,
		tenant.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return repository.ErrConflict
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	tenant.UpdatedAt = tenant.CreatedAt
	return nil
}

// GetTenantBySlug fetches a tenant by its slug.
func (r *Repository) GetTenantBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	const query = `SELECT id, slug, name, cloud_account_id, region, role_arn, external_id_sealed, created_at, updated_at
		FROM tenants WHERE slug = $1`
	row := r.pool.QueryRow(ctx, query, slug)
	var t domain.Tenant
	if err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.CloudAccountID, &t.Region, &t.RoleARN, &t.ExternalIDSealed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListTenants returns a page of tenants ordered by creation time. The
// cursor marks the last tenant of the previous page; a zero cursor starts
// from the beginning.
func (r *Repository) ListTenants(ctx context.Context, cursor repository.TenantCursor, limit int) ([]domain.Tenant, error) {
	const query = `SELECT id, slug, name, cloud_account_id, region, role_arn, external_id_sealed, created_at, updated_at
		FROM tenants
		WHERE ($1::timestamptz IS NULL OR (created_at, id) > ($1, $2))
		ORDER BY created_at ASC, id ASC
		LIMIT $3`
	var after any
	var afterID any
	if !cursor.CreatedAt.IsZero() {
		after = cursor.CreatedAt
		afterID = cursor.ID
	}
	rows, err := r.pool.Query(ctx, query, after, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := make([]domain.Tenant, 0)
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Slug, &t.Name, &t.CloudAccountID, &t.Region, &t.RoleARN, &t.ExternalIDSealed, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// DeleteTenant removes a tenant, its environment configs, and its run
// history in one transaction. The delete is refused while any of the
// tenant's stacks has an active run; terminal runs never block it.
func (r *Repository) DeleteTenant(ctx context.Context, slug string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var tenantID string
	if err := tx.QueryRow(ctx, `SELECT id FROM tenants WHERE slug = $1 FOR UPDATE`, slug).Scan(&tenantID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}

	var active int
	const activeQuery = `SELECT COUNT(1) FROM runs WHERE tenant_id = $1 AND status IN ('pending', 'running')`
	if err := tx.QueryRow(ctx, activeQuery, tenantID).Scan(&active); err != nil {
		return err
	}
	if active > 0 {
		return repository.ErrConflict
	}

	if _, err := tx.Exec(ctx, `DELETE FROM runs WHERE tenant_id = $1`, tenantID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM environment_configs WHERE tenant_id = $1`, tenantID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
