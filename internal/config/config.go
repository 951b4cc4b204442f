package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Admission AdmissionConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Archive   ArchiveConfig
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TrustedProxies []string
	SecureCookies  bool
}

type AuthConfig struct {
	JWTSecret         string
	AccessTokenExpiry time.Duration
	AdminUsername     string
	AdminPasswordHash string // bcrypt, see cmd/hashpw
	CleanupInterval   time.Duration
	LoginBaseDelay    time.Duration
	LoginRandomDelay  time.Duration
}

// AdmissionConfig holds every limit of the admission and credential components
type AdmissionConfig struct {
	RateLimitPerMinute    int
	RateLimitPerHour      int
	RateLimitBlock        time.Duration
	RateLimitFailOpen     bool
	RateLimitBackend      string
	AuthPerMinute         int
	LoginAttemptThreshold int
	LoginAttemptWindow    time.Duration
	APIKeyLifetime        time.Duration
	APIKeyRotationWarning time.Duration
	APIKeyRotationGrace   time.Duration
	APIKeyRetention       time.Duration
	CSRFTokenTTL          time.Duration
	CSRFMaxTokensPerUser  int
	AuditCapacity         int
	ExportPerMinute       int
}

type RedisConfig struct {
	URL       string
	KeyPrefix string
}

// DatabaseConfig is optional; an empty URL disables the audit archive
type DatabaseConfig struct {
	URL               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ArchiveConfig struct {
	Schedule  string
	BatchSize int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TrustedProxies: getEnvAsSlice("TRUSTED_PROXIES", nil),
			SecureCookies:  getEnvAsBool("SECURE_COOKIES", env == "production"),
		},
		Auth: AuthConfig{
			JWTSecret:         getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
			AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
			CleanupInterval:   getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			LoginBaseDelay:    getEnvAsDuration("LOGIN_BASE_DELAY", 500*time.Millisecond),
			LoginRandomDelay:  getEnvAsDuration("LOGIN_RANDOM_DELAY", 250*time.Millisecond),
		},
		Admission: AdmissionConfig{
			RateLimitPerMinute:    getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),
			RateLimitPerHour:      getEnvAsInt("RATE_LIMIT_PER_HOUR", 1000),
			RateLimitBlock:        getEnvAsDuration("RATE_LIMIT_BLOCK_DURATION", 15*time.Minute),
			RateLimitFailOpen:     getEnvAsBool("RATE_LIMIT_FAIL_OPEN", true),
			RateLimitBackend:      strings.ToLower(getEnv("RATE_LIMIT_BACKEND", BackendMemory)),
			AuthPerMinute:         getEnvAsInt("AUTH_RATE_LIMIT_PER_MINUTE", 0),
			LoginAttemptThreshold: getEnvAsInt("LOGIN_ATTEMPT_THRESHOLD", 10),
			LoginAttemptWindow:    getEnvAsDuration("LOGIN_ATTEMPT_WINDOW", 1*time.Hour),
			APIKeyLifetime:        getEnvAsDuration("API_KEY_LIFETIME", 90*24*time.Hour),
			APIKeyRotationWarning: getEnvAsDuration("API_KEY_ROTATION_WARNING", 7*24*time.Hour),
			APIKeyRotationGrace:   getEnvAsDuration("API_KEY_ROTATION_GRACE", 30*24*time.Hour),
			APIKeyRetention:       getEnvAsDuration("API_KEY_RETENTION", 30*24*time.Hour),
			CSRFTokenTTL:          getEnvAsDuration("CSRF_TOKEN_TTL", 60*time.Minute),
			CSRFMaxTokensPerUser:  getEnvAsInt("CSRF_MAX_TOKENS_PER_USER", 10),
			AuditCapacity:         getEnvAsInt("AUDIT_CAPACITY", 10000),
			ExportPerMinute:       getEnvAsInt("AUDIT_EXPORT_PER_MINUTE", 5),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", ""),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "bastion:ratelimit"),
		},
		Database: DatabaseConfig{
			URL:               getEnv("DATABASE_URL", ""),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 10)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 1)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Archive: ArchiveConfig{
			Schedule:  getEnv("AUDIT_ARCHIVE_SCHEDULE", "@every 1h"),
			BatchSize: getEnvAsInt("AUDIT_ARCHIVE_BATCH_SIZE", 500),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the components cannot run with
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if err := validateJWTSecret(c.Auth.JWTSecret, c.Server.Env); err != nil {
		return err
	}

	var errs []error
	positive := map[string]int{
		"RATE_LIMIT_PER_MINUTE":    c.Admission.RateLimitPerMinute,
		"RATE_LIMIT_PER_HOUR":      c.Admission.RateLimitPerHour,
		"LOGIN_ATTEMPT_THRESHOLD":  c.Admission.LoginAttemptThreshold,
		"CSRF_MAX_TOKENS_PER_USER": c.Admission.CSRFMaxTokensPerUser,
		"AUDIT_CAPACITY":           c.Admission.AuditCapacity,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive (got %d)", name, v))
		}
	}

	durations := map[string]time.Duration{
		"RATE_LIMIT_BLOCK_DURATION": c.Admission.RateLimitBlock,
		"LOGIN_ATTEMPT_WINDOW":      c.Admission.LoginAttemptWindow,
		"API_KEY_LIFETIME":          c.Admission.APIKeyLifetime,
		"API_KEY_ROTATION_WARNING":  c.Admission.APIKeyRotationWarning,
		"API_KEY_ROTATION_GRACE":    c.Admission.APIKeyRotationGrace,
		"CSRF_TOKEN_TTL":            c.Admission.CSRFTokenTTL,
		"CLEANUP_INTERVAL":          c.Auth.CleanupInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive (got %s)", name, d))
		}
	}

	if c.Admission.RateLimitPerHour > 0 && c.Admission.RateLimitPerMinute > c.Admission.RateLimitPerHour {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_MINUTE cannot exceed RATE_LIMIT_PER_HOUR"))
	}

	switch c.Admission.RateLimitBackend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q (got %q)", BackendMemory, BackendRedis, c.Admission.RateLimitBackend))
	}

	return errors.Join(errs...)
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	// Check against common weak secrets
	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

// Enabled reports whether an archive database is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.URL != ""
}

func (c *DatabaseConfig) DSN() string {
	return c.URL
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
