// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings. DatabaseURL drives the remote (authenticated)
	// backend; SQLitePath drives the local guest-mode backend.
	DatabaseURL string
	SQLitePath  string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Bootstrap.
	AdminAPIKey string // API key for the initial admin user.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Rate limiting (in-process token bucket).
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Write scheduler cadence.
	SaveDebounce     time.Duration
	MinFlushInterval time.Duration
	ErrorWindow      time.Duration

	// Result buffer.
	BufferInactivity time.Duration

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("TRELLIS_PORT", 8080),
		ReadTimeout:         envDuration("TRELLIS_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("TRELLIS_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		SQLitePath:          envStr("TRELLIS_SQLITE_PATH", "trellis.db"),
		JWTPrivateKeyPath:   envStr("TRELLIS_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("TRELLIS_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       envDuration("TRELLIS_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:         envStr("TRELLIS_ADMIN_API_KEY", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "trellis"),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		RateLimitEnabled:    envBool("TRELLIS_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        envFloat("TRELLIS_RATE_LIMIT_RPS", 10),
		RateLimitBurst:      envInt("TRELLIS_RATE_LIMIT_BURST", 30),
		SaveDebounce:        envDuration("TRELLIS_SAVE_DEBOUNCE", 2*time.Second),
		MinFlushInterval:    envDuration("TRELLIS_MIN_FLUSH_INTERVAL", 1*time.Second),
		ErrorWindow:         envDuration("TRELLIS_ERROR_WINDOW", 5*time.Second),
		BufferInactivity:    envDuration("TRELLIS_BUFFER_INACTIVITY", 10*time.Second),
		LogLevel:            envStr("TRELLIS_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("TRELLIS_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present. DATABASE_URL is
// optional: without it the server runs local-only and every request is
// served from the sqlite backend.
func (c Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("config: TRELLIS_SQLITE_PATH is required")
	}
	if c.SaveDebounce <= 0 {
		return fmt.Errorf("config: TRELLIS_SAVE_DEBOUNCE must be positive")
	}
	if c.MinFlushInterval <= 0 {
		return fmt.Errorf("config: TRELLIS_MIN_FLUSH_INTERVAL must be positive")
	}
	if c.BufferInactivity <= 0 {
		return fmt.Errorf("config: TRELLIS_BUFFER_INACTIVITY must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TRELLIS_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: rate limit rps and burst must be positive when enabled")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
