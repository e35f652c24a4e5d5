// Package config loads gatehouse configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gatehouse-io/gatehouse/pkg/directory"
	"github.com/gatehouse-io/gatehouse/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Session       SessionConfig
	App           AppConfig
	SSO           SSOConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the Redis session store configuration.
// When URL is empty the server falls back to the in-memory store.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// SessionConfig holds session and token issuance settings
type SessionConfig struct {
	Secret       string
	TTL          time.Duration
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	CookieSecure bool
}

// AppConfig holds platform-level settings
type AppConfig struct {
	// BaseURL is the externally visible URL of this server, used to build
	// provider callback URLs.
	BaseURL string
	// AppURL is the UI origin users land on after login/logout.
	AppURL       string
	PlatformMode directory.PlatformMode
}

// SSOConfig holds static provider configuration from the environment.
// Providers left blank stay unconfigured until activated at runtime.
type SSOConfig struct {
	Auth0Domain       string
	Auth0ClientID     string
	Auth0ClientSecret string

	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("GATEHOUSE_HOST", "0.0.0.0"),
			Port:            getEnv("GATEHOUSE_PORT", "8080"),
			ReadTimeout:     getEnvDuration("GATEHOUSE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("GATEHOUSE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("GATEHOUSE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("GATEHOUSE_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:             getEnv("GATEHOUSE_POSTGRES_URL", ""),
			MaxOpenConns:    getEnvInt("GATEHOUSE_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns:    getEnvInt("GATEHOUSE_POSTGRES_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("GATEHOUSE_POSTGRES_CONN_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("GATEHOUSE_REDIS_URL", ""),
			Password: getEnv("GATEHOUSE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("GATEHOUSE_REDIS_DB", 0),
		},
		Session: SessionConfig{
			Secret:       getEnv("GATEHOUSE_SESSION_SECRET", ""),
			TTL:          getEnvDuration("GATEHOUSE_SESSION_TTL", 24*time.Hour),
			AccessTTL:    getEnvDuration("GATEHOUSE_ACCESS_TOKEN_TTL", time.Hour),
			RefreshTTL:   getEnvDuration("GATEHOUSE_REFRESH_TOKEN_TTL", 720*time.Hour),
			CookieSecure: getEnvBool("GATEHOUSE_COOKIE_SECURE", true),
		},
		App: AppConfig{
			BaseURL:      getEnv("GATEHOUSE_BASE_URL", "http://localhost:8080"),
			AppURL:       getEnv("GATEHOUSE_APP_URL", "http://localhost:8080"),
			PlatformMode: parsePlatformMode(getEnv("GATEHOUSE_PLATFORM_MODE", "open_source")),
		},
		SSO: SSOConfig{
			Auth0Domain:       getEnv("GATEHOUSE_AUTH0_DOMAIN", ""),
			Auth0ClientID:     getEnv("GATEHOUSE_AUTH0_CLIENT_ID", ""),
			Auth0ClientSecret: getEnv("GATEHOUSE_AUTH0_CLIENT_SECRET", ""),
			OIDCIssuerURL:     getEnv("GATEHOUSE_OIDC_ISSUER_URL", ""),
			OIDCClientID:      getEnv("GATEHOUSE_OIDC_CLIENT_ID", ""),
			OIDCClientSecret:  getEnv("GATEHOUSE_OIDC_CLIENT_SECRET", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:           parseLogLevel(getEnv("GATEHOUSE_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("GATEHOUSE_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("GATEHOUSE_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("GATEHOUSE_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("GATEHOUSE_OTEL_SERVICE_NAME", "gatehouse"),
			OTelServiceVersion: getEnv("GATEHOUSE_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("GATEHOUSE_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Session.Secret == "" {
		return fmt.Errorf("session secret is required")
	}
	switch c.App.PlatformMode {
	case directory.ModeEnterprise, directory.ModeCloud, directory.ModeOpenSource:
	default:
		return fmt.Errorf("invalid platform mode: %s (must be enterprise, cloud, or open_source)", c.App.PlatformMode)
	}
	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}
	return nil
}

// parsePlatformMode parses a platform mode string
func parsePlatformMode(mode string) directory.PlatformMode {
	switch strings.ToLower(mode) {
	case "enterprise":
		return directory.ModeEnterprise
	case "cloud":
		return directory.ModeCloud
	case "open_source", "opensource", "oss":
		return directory.ModeOpenSource
	default:
		return directory.PlatformMode(mode)
	}
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
