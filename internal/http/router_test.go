package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/substratehq/substrate/internal/backend"
	"github.com/substratehq/substrate/internal/domain"
	"github.com/substratehq/substrate/internal/repository"
	"github.com/substratehq/substrate/internal/service/orchestrator"
	"github.com/substratehq/substrate/internal/service/secrets"
	"github.com/substratehq/substrate/internal/service/tenant"
	"github.com/substratehq/substrate/pkg/config"
)

const testToken = "operator-test-token"

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/tenants", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHealthzIsOpen(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("health status = %v", payload["status"])
	}
}

func TestCreateTenantReturnsOneTimeCredentials(t *testing.T) {
	router, _ := newTestRouter(t)

	body := `{"slug":"acme","name":"Acme Corp","cloud_account_id":"123456789012"}`
	rec := doJSON(router, http.MethodPost, "/tenants", body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Tenant      domain.Tenant   `json:"tenant"`
		ExternalID  string          `json:"external_id"`
		TrustPolicy json.RawMessage `json:"trust_policy"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ExternalID == "" {
		t.Fatal("expected external_id in creation response")
	}
	if len(payload.TrustPolicy) == 0 {
		t.Fatal("expected trust_policy in creation response")
	}
	if payload.Tenant.RoleARN == "" {
		t.Fatal("expected derived role arn")
	}
}

func TestCreateTenantDuplicateSlugConflicts(t *testing.T) {
	router, _ := newTestRouter(t)

	body := `{"slug":"acme","name":"Acme Corp","cloud_account_id":"123456789012"}`
	if rec := doJSON(router, http.MethodPost, "/tenants", body); rec.Code != http.StatusCreated {
		t.Fatalf("first create: %d", rec.Code)
	}
	rec := doJSON(router, http.MethodPost, "/tenants", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestPutConfigValidation(t *testing.T) {
	router, _ := newTestRouter(t)
	mustCreateTenant(t, router)

	rec := doJSON(router, http.MethodPut, "/tenants/acme/environments/dev/config",
		`{"vpc_cidr":"bogus","version":"1.31","mode":"auto"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(router, http.MethodPut, "/tenants/acme/environments/dev/config",
		`{"vpc_cidr":"10.0.0.0/16","version":"1.31","mode":"auto"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var record domain.EnvironmentConfigRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.Revision != 1 {
		t.Fatalf("revision = %d, want 1", record.Revision)
	}
}

func TestDeployIsAcceptedAndSecondDeployConflicts(t *testing.T) {
	router, _ := newTestRouter(t)
	mustCreateTenant(t, router)
	mustPutConfig(t, router)

	rec := doJSON(router, http.MethodPost, "/tenants/acme/environments/dev/deploy", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var run domain.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Status != domain.RunStatusPending {
		t.Fatalf("run status = %q, want pending", run.Status)
	}
	if run.Stack != "acme-dev" {
		t.Fatalf("stack = %q", run.Stack)
	}

	rec = doJSON(router, http.MethodPost, "/tenants/acme/environments/dev/deploy", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second deploy status = %d, want 409", rec.Code)
	}
}

func TestDestroyWithoutDeployIsNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	mustCreateTenant(t, router)
	mustPutConfig(t, router)

	rec := doJSON(router, http.MethodDelete, "/tenants/acme/environments/dev", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body = %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteTenantWithTerminalRunHistorySucceeds(t *testing.T) {
	router, store := newTestRouter(t)
	mustCreateTenant(t, router)

	tenantRec, err := store.GetTenantBySlug(context.Background(), "acme")
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if err := store.CreateRun(context.Background(), &domain.Run{
		ID:       "run-done",
		Stack:    "acme-dev",
		TenantID: tenantRec.ID,
		Kind:     domain.RunKindDeploy,
		Status:   domain.RunStatusSucceeded,
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	rec := doJSON(router, http.MethodDelete, "/tenants/acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(router, http.MethodGet, "/tenants/acme", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("tenant still readable after delete: %d", rec.Code)
	}
}

func TestDeleteTenantWithActiveRunConflicts(t *testing.T) {
	router, store := newTestRouter(t)
	mustCreateTenant(t, router)

	tenantRec, err := store.GetTenantBySlug(context.Background(), "acme")
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if err := store.CreateRun(context.Background(), &domain.Run{
		ID:       "run-live",
		Stack:    "acme-dev",
		TenantID: tenantRec.ID,
		Kind:     domain.RunKindDeploy,
		Status:   domain.RunStatusRunning,
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	rec := doJSON(router, http.MethodDelete, "/tenants/acme", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", rec.Code, rec.Body.String())
	}
}

func TestStatusWithoutRunsIsNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	mustCreateTenant(t, router)

	rec := doJSON(router, http.MethodGet, "/tenants/acme/environments/dev/status", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestErrorBodiesCarryDetailWithoutInternalPrefixes(t *testing.T) {
	router, _ := newTestRouter(t)
	mustCreateTenant(t, router)

	rec := doJSON(router, http.MethodPut, "/tenants/acme/environments/dev/config",
		`{"vpc_cidr":"bogus","version":"1.31","mode":"auto"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error == "" {
		t.Fatal("expected error detail in body")
	}
	if strings.Contains(payload.Error, "repository:") {
		t.Fatalf("error body leaks internal prefix: %q", payload.Error)
	}
}

func TestUnknownActionIsNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	mustCreateTenant(t, router)

	rec := doJSON(router, http.MethodGet, "/tenants/acme/environments/dev/bogus", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func mustCreateTenant(t *testing.T, router *Router) {
	t.Helper()
	body := `{"slug":"acme","name":"Acme Corp","cloud_account_id":"123456789012"}`
	if rec := doJSON(router, http.MethodPost, "/tenants", body); rec.Code != http.StatusCreated {
		t.Fatalf("create tenant: %d %s", rec.Code, rec.Body.String())
	}
}

func mustPutConfig(t *testing.T, router *Router) {
	t.Helper()
	rec := doJSON(router, http.MethodPut, "/tenants/acme/environments/dev/config",
		`{"vpc_cidr":"10.0.0.0/16","version":"1.31","mode":"auto"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put config: %d %s", rec.Code, rec.Body.String())
	}
}

func doJSON(router *Router, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func newTestRouter(t *testing.T) (*Router, *memStore) {
	t.Helper()
	store := newMemStore()
	issuer, err := secrets.NewIssuer("router-test-key")
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cfg := config.APIConfig{
		PlatformAccountID: "999988887777",
		PlatformRoleName:  "SubstratePlatformRole",
		DefaultRegion:     "us-east-1",
		LaunchTimeout:     time.Second,
	}

	tenantSvc := tenant.New(store, store, issuer, logger, cfg)
	runSvc := orchestrator.New(store, store, store, stubBackend{}, issuer, nil, nil, logger, cfg)
	router := NewRouter(logger, tenantSvc, runSvc, nil, NewMemoryRateLimiter(), testToken, nil)
	t.Cleanup(router.Close)
	return router, store
}

// memStore is an in-memory implementation of the repository interfaces,
// shared across services so handler tests observe end-to-end behavior.
type memStore struct {
	mu      sync.Mutex
	tenants map[string]*domain.Tenant
	configs map[string]*domain.EnvironmentConfigRecord
	runs    []domain.Run
}

func newMemStore() *memStore {
	return &memStore{
		tenants: make(map[string]*domain.Tenant),
		configs: make(map[string]*domain.EnvironmentConfigRecord),
	}
}

func (m *memStore) CreateTenant(_ context.Context, t *domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tenants[t.Slug]; exists {
		return repository.ErrConflict
	}
	copy := *t
	m.tenants[t.Slug] = &copy
	return nil
}

func (m *memStore) GetTenantBySlug(_ context.Context, slug string) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *t
	return &copy, nil
}

func (m *memStore) ListTenants(_ context.Context, _ repository.TenantCursor, limit int) ([]domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, *t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) DeleteTenant(_ context.Context, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[slug]
	if !ok {
		return repository.ErrNotFound
	}
	for _, run := range m.runs {
		if run.TenantID == t.ID && !domain.RunTerminal(run.Status) {
			return repository.ErrConflict
		}
	}
	kept := m.runs[:0]
	for _, run := range m.runs {
		if run.TenantID != t.ID {
			kept = append(kept, run)
		}
	}
	m.runs = kept
	for key := range m.configs {
		if strings.HasPrefix(key, t.ID+"/") {
			delete(m.configs, key)
		}
	}
	delete(m.tenants, slug)
	return nil
}

func (m *memStore) UpsertEnvironmentConfig(_ context.Context, tenantID, name string, config []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "/" + name
	rec, ok := m.configs[key]
	if !ok {
		rec = &domain.EnvironmentConfigRecord{TenantID: tenantID, Name: name}
		m.configs[key] = rec
	}
	rec.Config = append([]byte(nil), config...)
	rec.Revision++
	return rec.Revision, nil
}

func (m *memStore) GetEnvironmentConfig(_ context.Context, tenantID, name string) (*domain.EnvironmentConfigRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.configs[tenantID+"/"+name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *rec
	return &copy, nil
}

func (m *memStore) DeleteEnvironmentConfig(_ context.Context, tenantID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "/" + name
	if _, ok := m.configs[key]; !ok {
		return repository.ErrNotFound
	}
	delete(m.configs, key)
	return nil
}

func (m *memStore) CreateRun(_ context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runs {
		if existing.Stack == run.Stack && !domain.RunTerminal(existing.Status) {
			return repository.ErrActiveRun
		}
	}
	m.runs = append(m.runs, *run)
	return nil
}

func (m *memStore) SetRunLaunched(_ context.Context, runID, jobHandle string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == runID && m.runs[i].Status == domain.RunStatusPending {
			m.runs[i].Status = domain.RunStatusRunning
			m.runs[i].JobHandle = jobHandle
			m.runs[i].StartedAt = startedAt
			return nil
		}
	}
	return repository.ErrConflict
}

func (m *memStore) CompleteRun(_ context.Context, completion domain.RunCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == completion.RunID && !domain.RunTerminal(m.runs[i].Status) {
			m.runs[i].Status = completion.Status
			m.runs[i].Error = completion.Error
			m.runs[i].Outputs = completion.Outputs
			return nil
		}
	}
	return repository.ErrConflict
}

func (m *memStore) GetRun(_ context.Context, runID string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == runID {
			run := m.runs[i]
			return &run, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) GetLatestRunByStack(_ context.Context, stack string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].Stack == stack {
			run := m.runs[i]
			return &run, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) GetLatestSucceededDeploy(_ context.Context, stack string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		run := m.runs[i]
		if run.Stack == stack && run.Kind == domain.RunKindDeploy && run.Status == domain.RunStatusSucceeded {
			return &run, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) ListRunsByStack(_ context.Context, stack string, limit int) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Run, 0, limit)
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.runs[i].Stack == stack {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}

func (m *memStore) ListActiveRuns(context.Context) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Run, 0)
	for _, run := range m.runs {
		if !domain.RunTerminal(run.Status) {
			out = append(out, run)
		}
	}
	return out, nil
}

type stubBackend struct{}

func (stubBackend) LaunchRun(context.Context, backend.LaunchInput) (string, error) {
	return "job-stub", nil
}

func (stubBackend) PollStatus(context.Context, string, string) (backend.JobStatus, error) {
	return backend.JobStatus{State: backend.JobStateRunning}, nil
}

func (stubBackend) FetchOutputs(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (stubBackend) Cancel(context.Context, string, string) error { return nil }
