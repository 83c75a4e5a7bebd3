package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN        string
	RegistryPath string

	VaultEnabled bool

	// Routing policy.
	HealthCooldownCapMin int
	ProviderTimeoutSecs  int
	ProbeIntervalSecs    int

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per org
	RateLimitBurst int      // burst capacity per org

	// Idempotency replay cache.
	IdempotencyTTL        time.Duration
	IdempotencyMaxEntries int

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// OpenTelemetry tracing.
	OTelEnabled  bool
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:   getEnv("SYNAXIS_LISTEN_ADDR", ":8080"),
		LogLevel:     getEnv("SYNAXIS_LOG_LEVEL", "info"),
		DBDSN:        getEnv("SYNAXIS_DB_DSN", "file:/data/synaxis.sqlite"),
		RegistryPath: getEnv("SYNAXIS_REGISTRY_PATH", "/etc/synaxis/providers.yaml"),
		VaultEnabled: getEnvBool("SYNAXIS_VAULT_ENABLED", true),

		HealthCooldownCapMin: getEnvInt("SYNAXIS_HEALTH_COOLDOWN_CAP_MIN", 60),
		ProviderTimeoutSecs:  getEnvInt("SYNAXIS_PROVIDER_TIMEOUT_SECS", 30),
		ProbeIntervalSecs:    getEnvInt("SYNAXIS_PROBE_INTERVAL_SECS", 30),

		AdminToken:     getEnv("SYNAXIS_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("SYNAXIS_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("SYNAXIS_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("SYNAXIS_RATE_LIMIT_BURST", 120),

		IdempotencyTTL:        time.Duration(getEnvInt("SYNAXIS_IDEMPOTENCY_TTL_SECS", 600)) * time.Second,
		IdempotencyMaxEntries: getEnvInt("SYNAXIS_IDEMPOTENCY_MAX_ENTRIES", 10000),

		TemporalEnabled:   getEnvBool("SYNAXIS_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("SYNAXIS_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("SYNAXIS_TEMPORAL_NAMESPACE", "synaxis"),
		TemporalTaskQueue: getEnv("SYNAXIS_TEMPORAL_TASK_QUEUE", "synaxis-completions"),

		OTelEnabled:  getEnvBool("SYNAXIS_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("SYNAXIS_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RegistryPath == "" {
		return fmt.Errorf("SYNAXIS_REGISTRY_PATH must not be empty")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("SYNAXIS_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("SYNAXIS_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("SYNAXIS_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.HealthCooldownCapMin <= 0 {
		return fmt.Errorf("SYNAXIS_HEALTH_COOLDOWN_CAP_MIN must be > 0, got %d", c.HealthCooldownCapMin)
	}
	if c.ProbeIntervalSecs <= 0 {
		return fmt.Errorf("SYNAXIS_PROBE_INTERVAL_SECS must be > 0, got %d", c.ProbeIntervalSecs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
