package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port int
	Host string

	// Platform database (superuser connection)
	DatabaseURL string

	// Session tokens are verified against this dedicated secret. It is never
	// derived from the database password or any other reused value.
	SessionSigningSecret string

	// Operator override token. Empty disables the override path entirely —
	// there is no built-in default.
	LatticeAdminToken string

	// Identity, membership, and table-ownership lookups are bounded by this
	// many seconds and fail closed on expiry.
	LookupTimeoutSeconds int

	// Per-tenant budgets. Zero means unlimited.
	RequestsPerMinute int
	EgressBytesPerDay int64

	// Usage flush interval (seconds)
	UsageFlushSeconds int

	// Max concurrent raw-SQL executions
	QueryMaxConcurrent int

	// Platform pool size
	MaxConnections int

	// Project record cache TTL (seconds)
	ProjectCacheTTLSeconds int

	// Optional S3 export of usage aggregates. Disabled unless bucket and
	// both keys are set.
	UsageExportEndpoint  string
	UsageExportRegion    string
	UsageExportBucket    string
	UsageExportAccessKey string
	UsageExportSecretKey string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnvInt("PORT", 8080),
		Host:                   getEnv("HOST", "0.0.0.0"),
		DatabaseURL:            mustGetEnv("DATABASE_URL"),
		SessionSigningSecret:   mustGetEnv("SESSION_SIGNING_SECRET"),
		LatticeAdminToken:      getEnv("LATTICE_ADMIN_TOKEN", ""),
		LookupTimeoutSeconds:   getEnvInt("LOOKUP_TIMEOUT_SECONDS", 3),
		RequestsPerMinute:      getEnvInt("REQUESTS_PER_MINUTE", 0),
		EgressBytesPerDay:      getEnvInt64("EGRESS_BYTES_PER_DAY", 0),
		UsageFlushSeconds:      getEnvInt("USAGE_FLUSH_SECONDS", 30),
		QueryMaxConcurrent:     getEnvInt("QUERY_MAX_CONCURRENT", 32),
		MaxConnections:         getEnvInt("MAX_CONNECTIONS", 20),
		ProjectCacheTTLSeconds: getEnvInt("PROJECT_CACHE_TTL_SECONDS", 60),
		UsageExportEndpoint:    getEnv("USAGE_EXPORT_S3_ENDPOINT", ""),
		UsageExportRegion:      getEnv("USAGE_EXPORT_S3_REGION", "us-east-1"),
		UsageExportBucket:      getEnv("USAGE_EXPORT_S3_BUCKET", ""),
		UsageExportAccessKey:   getEnv("USAGE_EXPORT_S3_ACCESS_KEY", ""),
		UsageExportSecretKey:   getEnv("USAGE_EXPORT_S3_SECRET_KEY", ""),
	}

	if len(cfg.SessionSigningSecret) < 32 {
		return nil, fmt.Errorf("SESSION_SIGNING_SECRET must be at least 32 characters")
	}

	if cfg.LookupTimeoutSeconds < 1 {
		return nil, fmt.Errorf("LOOKUP_TIMEOUT_SECONDS must be at least 1")
	}

	// Validate export config: all credentials or none
	hasAny := cfg.UsageExportBucket != "" || cfg.UsageExportAccessKey != "" || cfg.UsageExportSecretKey != ""
	if hasAny && !cfg.UsageExportEnabled() {
		return nil, fmt.Errorf("USAGE_EXPORT_S3_BUCKET, USAGE_EXPORT_S3_ACCESS_KEY and USAGE_EXPORT_S3_SECRET_KEY must all be set or all be empty")
	}

	return cfg, nil
}

// UsageExportEnabled reports whether the S3 usage exporter is configured.
func (c *Config) UsageExportEnabled() bool {
	return c.UsageExportBucket != "" && c.UsageExportAccessKey != "" && c.UsageExportSecretKey != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mustGetEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

// getEnvInt64 parses at full 64-bit width; byte ceilings routinely exceed the
// platform int range on 32-bit builds.
func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
