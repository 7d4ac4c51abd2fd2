package tenant

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/substratehq/substrate/internal/domain"
	"github.com/substratehq/substrate/internal/repository"
	"github.com/substratehq/substrate/internal/service/secrets"
	"github.com/substratehq/substrate/pkg/config"
)

var (
	slugExpr    = regexp.MustCompile(`^[a-z0-9-]{3,50}$`)
	accountExpr = regexp.MustCompile(`^\d{12}$`)
	envExpr     = regexp.MustCompile(`^[a-z0-9-]{1,30}$`)
)

var (
	errSlugInvalid    = fmt.Errorf("%w: slug must be 3-50 lowercase letters, digits or hyphens", repository.ErrInvalidArgument)
	errNameRequired   = fmt.Errorf("%w: name required", repository.ErrInvalidArgument)
	errAccountInvalid = fmt.Errorf("%w: cloud account id must be 12 digits", repository.ErrInvalidArgument)
	errEnvInvalid     = fmt.Errorf("%w: environment name must be 1-30 lowercase letters, digits or hyphens", repository.ErrInvalidArgument)
	errCursorInvalid  = fmt.Errorf("%w: malformed page cursor", repository.ErrInvalidArgument)
)

// Service coordinates tenant registration and environment configuration.
type Service struct {
	tenants repository.TenantRepository
	configs repository.EnvironmentConfigRepository
	issuer  secrets.Issuer
	logger  *slog.Logger
	cfg     config.APIConfig
	now     func() time.Time
}

// New constructs a tenant service.
func New(tenants repository.TenantRepository, configs repository.EnvironmentConfigRepository, issuer secrets.Issuer, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{
		tenants: tenants,
		configs: configs,
		issuer:  issuer,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// CreateTenantInput captures attributes for a new tenant.
type CreateTenantInput struct {
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	CloudAccountID string `json:"cloud_account_id"`
	Region         string `json:"region"`
}

// CreatedTenant bundles the new tenant with its one-time credential
// material. ExternalID is never retrievable again after this response.
type CreatedTenant struct {
	Tenant      domain.Tenant   `json:"tenant"`
	ExternalID  string          `json:"external_id"`
	TrustPolicy json.RawMessage `json:"trust_policy"`
}

// Create registers a tenant, mints its external id and derives the role
// ARN the tenant must create in its own account.
func (s Service) Create(ctx context.Context, input CreateTenantInput) (*CreatedTenant, error) {
	input.Slug = strings.TrimSpace(input.Slug)
	input.Name = strings.TrimSpace(input.Name)
	input.CloudAccountID = strings.TrimSpace(input.CloudAccountID)
	if !slugExpr.MatchString(input.Slug) {
		return nil, errSlugInvalid
	}
	if input.Name == "" {
		return nil, errNameRequired
	}
	if !accountExpr.MatchString(input.CloudAccountID) {
		return nil, errAccountInvalid
	}
	region := strings.TrimSpace(input.Region)
	if region == "" {
		region = s.cfg.DefaultRegion
	}

	externalID, sealed, err := s.issuer.Issue()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tenant := domain.Tenant{
		ID:               uuid.NewString(),
		Slug:             input.Slug,
		Name:             input.Name,
		CloudAccountID:   input.CloudAccountID,
		Region:           region,
		RoleARN:          fmt.Sprintf("arn:aws:iam::%s:role/%s", input.CloudAccountID, s.cfg.PlatformRoleName),
		ExternalIDSealed: sealed,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.tenants.CreateTenant(ctx, &tenant); err != nil {
		return nil, err
	}

	trust, err := secrets.TrustDocument(s.cfg.PlatformAccountID, externalID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("tenant created", "slug", tenant.Slug, "account", tenant.CloudAccountID)
	return &CreatedTenant{Tenant: tenant, ExternalID: externalID, TrustPolicy: trust}, nil
}

// Get returns a tenant by slug.
func (s Service) Get(ctx context.Context, slug string) (*domain.Tenant, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, errSlugInvalid
	}
	return s.tenants.GetTenantBySlug(ctx, slug)
}

// TenantPage is one page of the tenant listing. NextCursor is empty on
// the final page.
type TenantPage struct {
	Tenants    []domain.Tenant `json:"tenants"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// List returns tenants in creation order. Passing the previous page's
// NextCursor resumes the listing; the sequence tolerates inserts and
// deletes between pages.
func (s Service) List(ctx context.Context, cursor string, limit int) (*TenantPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	position, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	tenants, err := s.tenants.ListTenants(ctx, position, limit+1)
	if err != nil {
		return nil, err
	}

	page := &TenantPage{Tenants: tenants}
	if len(tenants) > limit {
		page.Tenants = tenants[:limit]
		last := page.Tenants[limit-1]
		page.NextCursor = encodeCursor(repository.TenantCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

// Delete removes a tenant and its stored configuration. Tenants with an
// active run cannot be deleted.
func (s Service) Delete(ctx context.Context, slug string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return errSlugInvalid
	}
	if err := s.tenants.DeleteTenant(ctx, slug); err != nil {
		return err
	}
	s.logger.Info("tenant deleted", "slug", slug)
	return nil
}

// PutConfig validates and stores the desired configuration for one of
// the tenant's environments, returning the stored record with its new
// revision.
func (s Service) PutConfig(ctx context.Context, slug, environment string, raw json.RawMessage) (*domain.EnvironmentConfigRecord, error) {
	environment = strings.TrimSpace(environment)
	if !envExpr.MatchString(environment) {
		return nil, errEnvInvalid
	}

	var cfg domain.EnvironmentConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}

	tenant, err := s.tenants.GetTenantBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	canonical, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	revision, err := s.configs.UpsertEnvironmentConfig(ctx, tenant.ID, environment, canonical)
	if err != nil {
		return nil, err
	}
	s.logger.Info("environment config stored",
		"slug", slug, "environment", environment, "revision", revision)
	return s.configs.GetEnvironmentConfig(ctx, tenant.ID, environment)
}

// GetConfig returns the stored configuration for an environment.
func (s Service) GetConfig(ctx context.Context, slug, environment string) (*domain.EnvironmentConfigRecord, error) {
	tenant, err := s.tenants.GetTenantBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return s.configs.GetEnvironmentConfig(ctx, tenant.ID, environment)
}

// DeleteConfig removes the stored configuration for an environment. The
// delete is refused while the environment has an active run.
func (s Service) DeleteConfig(ctx context.Context, slug, environment string) error {
	tenant, err := s.tenants.GetTenantBySlug(ctx, slug)
	if err != nil {
		return err
	}
	return s.configs.DeleteEnvironmentConfig(ctx, tenant.ID, environment)
}

func encodeCursor(c repository.TenantCursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (repository.TenantCursor, error) {
	if cursor == "" {
		return repository.TenantCursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return repository.TenantCursor{}, errCursorInvalid
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return repository.TenantCursor{}, errCursorInvalid
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return repository.TenantCursor{}, errCursorInvalid
	}
	return repository.TenantCursor{CreatedAt: createdAt, ID: parts[1]}, nil
}
