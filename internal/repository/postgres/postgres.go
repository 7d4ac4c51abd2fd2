package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/substratehq/substrate/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.TenantRepository            = (*Repository)(nil)
	_ repository.EnvironmentConfigRepository = (*Repository)(nil)
	_ repository.RunRepository               = (*Repository)(nil)
)

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
