// Package config loads runtime configuration for the decision engine from
// the environment, failing fast when required values are missing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the lottery decision service.
type Config struct {
	Port        string
	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	DefaultTZ string

	LockTimeout      time.Duration
	PressureWindow   time.Duration
	RateLimitPerMin  int
	RateLimitBurst   int
	PolicyCacheTTL   time.Duration
	AuditOutputDir   string
	AuditFlushPeriod time.Duration

	Auth AuthConfig
}

// AuthConfig controls bearer-token verification on the draw endpoint.
type AuthConfig struct {
	Enable         bool
	Issuer         string
	Audience       []string
	HSSecretEnv    string
	MaxSkewSeconds int
}

// FromEnv loads configuration from environment variables required by the
// service, returning an error describing the first missing or malformed
// value.
func FromEnv() (*Config, error) {
	port := getEnvDefault("ULDE_PORT", "8080")

	dbURL := os.Getenv("ULDE_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("ULDE_DB_URL is required")
	}

	redisAddr := getEnvDefault("ULDE_REDIS_ADDR", "")
	redisDB := parseIntEnv("ULDE_REDIS_DB", 0)

	tzName := getEnvDefault("ULDE_TZ_DEFAULT", "UTC")
	if _, err := time.LoadLocation(tzName); err != nil {
		return nil, fmt.Errorf("invalid ULDE_TZ_DEFAULT %q: %w", tzName, err)
	}

	lockTimeoutMillis := parseIntEnv("ULDE_LOCK_TIMEOUT_MS", 2000)
	if lockTimeoutMillis <= 0 {
		return nil, fmt.Errorf("invalid ULDE_LOCK_TIMEOUT_MS %d", lockTimeoutMillis)
	}

	pressureWindowSeconds := parseIntEnv("ULDE_PRESSURE_WINDOW_SECONDS", 900)
	if pressureWindowSeconds <= 0 {
		return nil, fmt.Errorf("invalid ULDE_PRESSURE_WINDOW_SECONDS %d", pressureWindowSeconds)
	}

	rateLimit := parseIntEnv("ULDE_RATE_LIMIT_PER_MINUTE", 120)
	if rateLimit < 0 {
		rateLimit = 0
	}
	rateLimitBurst := parseIntEnv("ULDE_RATE_LIMIT_BURST", 20)
	if rateLimitBurst < 1 {
		rateLimitBurst = 1
	}

	policyCacheTTLSeconds := parseIntEnv("ULDE_POLICY_CACHE_TTL_SECONDS", 30)
	if policyCacheTTLSeconds <= 0 {
		return nil, fmt.Errorf("invalid ULDE_POLICY_CACHE_TTL_SECONDS %d", policyCacheTTLSeconds)
	}

	auditDir := getEnvDefault("ULDE_AUDIT_OUTPUT_DIR", "ulde-data-local/audit")
	auditFlushSeconds := parseIntEnv("ULDE_AUDIT_FLUSH_SECONDS", 60)
	if auditFlushSeconds <= 0 {
		return nil, fmt.Errorf("invalid ULDE_AUDIT_FLUSH_SECONDS %d", auditFlushSeconds)
	}

	authCfg := AuthConfig{
		Enable:         parseBoolEnv("ULDE_AUTH_JWT_ENABLE", false),
		Issuer:         strings.TrimSpace(os.Getenv("ULDE_AUTH_JWT_ISSUER")),
		Audience:       parseCSVEnv("ULDE_AUTH_JWT_AUDIENCE"),
		HSSecretEnv:    strings.TrimSpace(getEnvDefault("ULDE_AUTH_JWT_HS_SECRET_ENV", "ULDE_AUTH_JWT_HS_SECRET")),
		MaxSkewSeconds: parseIntEnv("ULDE_AUTH_JWT_MAX_SKEW_SECONDS", 60),
	}
	if authCfg.Enable {
		if authCfg.Issuer == "" {
			return nil, fmt.Errorf("ULDE_AUTH_JWT_ISSUER is required when JWT auth is enabled")
		}
		if len(authCfg.Audience) == 0 {
			return nil, fmt.Errorf("ULDE_AUTH_JWT_AUDIENCE is required when JWT auth is enabled")
		}
		if os.Getenv(authCfg.HSSecretEnv) == "" {
			return nil, fmt.Errorf("%s is required when JWT auth is enabled", authCfg.HSSecretEnv)
		}
	}

	return &Config{
		Port:             normalizePort(port),
		DatabaseURL:      dbURL,
		RedisAddr:        redisAddr,
		RedisDB:          redisDB,
		DefaultTZ:        tzName,
		LockTimeout:      time.Duration(lockTimeoutMillis) * time.Millisecond,
		PressureWindow:   time.Duration(pressureWindowSeconds) * time.Second,
		RateLimitPerMin:  rateLimit,
		RateLimitBurst:   rateLimitBurst,
		PolicyCacheTTL:   time.Duration(policyCacheTTLSeconds) * time.Second,
		AuditOutputDir:   auditDir,
		AuditFlushPeriod: time.Duration(auditFlushSeconds) * time.Second,
		Auth:             authCfg,
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseCSVEnv(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
}
