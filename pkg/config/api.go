package config

import "time"

// APIConfig holds runtime configuration for the control plane service.
type APIConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	// Operator authentication and secret sealing.
	OperatorToken    string
	SecretSealingKey string

	// Execution backend (hosted deployments API).
	BackendURL          string
	BackendOrganization string
	BackendProject      string
	BackendToken        string
	BackendCallTimeout  time.Duration
	LaunchTimeout       time.Duration

	// Cross-account trust.
	PlatformAccountID string
	PlatformRoleName  string
	DefaultRegion     string

	// Reconciliation loop.
	ReconcileInterval    time.Duration
	ReconcileMaxParallel int
	RunMaxAge            time.Duration

	// Rate limiting.
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	LogLevel string
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://substrate:substrate@db:5432/substrate?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		OperatorToken:    GetString("OPERATOR_TOKEN", ""),
		SecretSealingKey: GetString("SECRET_SEALING_KEY", "supersecuresecret"),

		BackendURL:          GetString("BACKEND_URL", "https://api.deployments.example.com"),
		BackendOrganization: GetString("BACKEND_ORGANIZATION", ""),
		BackendProject:      GetString("BACKEND_PROJECT", "byoc-platform"),
		BackendToken:        GetString("BACKEND_TOKEN", ""),
		BackendCallTimeout:  GetSeconds("BACKEND_CALL_TIMEOUT_SECONDS", 30*time.Second),
		LaunchTimeout:       GetSeconds("LAUNCH_TIMEOUT_SECONDS", 60*time.Second),

		PlatformAccountID: GetString("PLATFORM_ACCOUNT_ID", ""),
		PlatformRoleName:  GetString("PLATFORM_ROLE_NAME", "SubstratePlatformRole"),
		DefaultRegion:     GetString("DEFAULT_REGION", "us-east-1"),

		ReconcileInterval:    GetSeconds("RECONCILE_INTERVAL_SECONDS", 15*time.Second),
		ReconcileMaxParallel: GetInt("RECONCILE_MAX_PARALLEL", 8),
		RunMaxAge:            GetSeconds("RUN_MAX_AGE_SECONDS", 2*60*60*time.Second),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		LogLevel: GetString("LOG_LEVEL", "info"),
	}
}
