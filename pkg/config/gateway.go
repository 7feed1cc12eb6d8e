package config

import "time"

// GatewayConfig holds runtime configuration for the gateway service.
type GatewayConfig struct {
	Environment   string
	APIAddr       string
	ProxyAddr     string
	ProxyTLSAddr  string
	DatabaseURL   string
	MigrationsDir string

	JWTSecret      string
	AccessTokenTTL time.Duration

	DockerHost      string
	ContainerPrefix string

	DomainSuffix string

	WorkerCount        int
	StepTimeout        time.Duration
	HealthPollInterval time.Duration
	HealthWaitBudget   time.Duration
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	MaxAttempts        int
	IdleTimeout        time.Duration
	JanitorInterval    time.Duration

	LookupCacheTTL time.Duration

	TLSCertFile       string
	TLSKeyFile        string
	ACMEDirectoryURL  string
	ACMEEmail         string
	CertRenewalLead   time.Duration
	CertSweepInterval time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	LogTail   int
	LogBuffer int
}

// LoadGatewayConfig constructs a GatewayConfig from environment variables.
func LoadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Environment:   GetString("APP_ENV", "development"),
		APIAddr:       GetString("GATEWAY_API_ADDR", ":8001"),
		ProxyAddr:     GetString("GATEWAY_PROXY_ADDR", ":8000"),
		ProxyTLSAddr:  GetString("GATEWAY_PROXY_TLS_ADDR", ""),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://gateway:gateway@db:5432/gateway?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		JWTSecret:      GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL: time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,

		DockerHost:      GetString("DOCKER_HOST_OVERRIDE", ""),
		ContainerPrefix: GetString("GATEWAY_CONTAINER_PREFIX", "gateway"),

		DomainSuffix: GetString("GATEWAY_DOMAIN_SUFFIX", ".shuttleapp.test"),

		WorkerCount:        GetInt("GATEWAY_WORKER_COUNT", 8),
		StepTimeout:        GetSeconds("GATEWAY_STEP_TIMEOUT_SECONDS", 30*time.Second),
		HealthPollInterval: GetSeconds("GATEWAY_HEALTH_POLL_SECONDS", 2*time.Second),
		HealthWaitBudget:   GetSeconds("GATEWAY_HEALTH_BUDGET_SECONDS", 3*time.Minute),
		BackoffBase:        GetSeconds("GATEWAY_BACKOFF_BASE_SECONDS", 2*time.Second),
		BackoffCap:         GetSeconds("GATEWAY_BACKOFF_CAP_SECONDS", time.Minute),
		MaxAttempts:        GetInt("GATEWAY_MAX_ATTEMPTS", 5),
		IdleTimeout:        GetSeconds("GATEWAY_IDLE_TIMEOUT_SECONDS", 0),
		JanitorInterval:    GetSeconds("GATEWAY_JANITOR_SECONDS", 30*time.Second),

		LookupCacheTTL: GetSeconds("GATEWAY_LOOKUP_CACHE_TTL_SECONDS", 1*time.Second),

		TLSCertFile:       GetString("GATEWAY_TLS_CERT_FILE", ""),
		TLSKeyFile:        GetString("GATEWAY_TLS_KEY_FILE", ""),
		ACMEDirectoryURL:  GetString("GATEWAY_ACME_DIRECTORY_URL", ""),
		ACMEEmail:         GetString("GATEWAY_ACME_EMAIL", ""),
		CertRenewalLead:   time.Duration(GetInt("GATEWAY_CERT_RENEWAL_LEAD_DAYS", 30)) * 24 * time.Hour,
		CertSweepInterval: GetSeconds("GATEWAY_CERT_SWEEP_SECONDS", 12*time.Hour),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		LogTail:   GetInt("GATEWAY_LOG_TAIL", 200),
		LogBuffer: GetInt("WS_LOG_BUFFER", 100),
	}
}
