package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// AppConfig holds the process-wide knobs every commcore-bus component reads
// at startup. Per-component tunables (queue sizes, scoring weights, scaling
// thresholds, retry policies) live in each package's own Config struct,
// constructed by the wiring code in cmd/commcore-bus — AppConfig only carries
// what's needed to stand up logging, tracing, metrics, storage, and the
// listening ports.
type AppConfig struct {
	// Transport listeners
	GRPCAddr string
	WSAddr   string
	UDPAddr  string

	// Observability
	OTLPEndpoint string
	HealthPort   string

	// Storage backend selection
	StoreBackend string // "memory" | "redis"
	RedisAddr    string
	RedisDB      int

	// Notification sinks
	SlackToken   string
	SlackChannel string
	WebhookURL   string

	// Service identity
	ServiceName    string
	ServiceVersion string
	Environment    string
	LogLevel       string

	// Retention
	MetricsRetention  time.Duration
	RecoveryRetention time.Duration
}

// Load loads configuration from environment variables with defaults. Unknown
// environment keys are simply ignored (there is no config file to reject
// unknown keys from; per spec this component's knob surface is exactly what
// is enumerated here and in each subsystem's Config).
func Load() *AppConfig {
	return &AppConfig{
		GRPCAddr: getEnv("COMMCORE_GRPC_ADDR", ":7651"),
		WSAddr:   getEnv("COMMCORE_WS_ADDR", ":7652"),
		UDPAddr:  getEnv("COMMCORE_UDP_ADDR", ":7653"),

		OTLPEndpoint: getEnv("COMMCORE_OTLP_ENDPOINT", "127.0.0.1:4317"),
		HealthPort:   getEnv("COMMCORE_HEALTH_PORT", "8080"),

		StoreBackend: getEnv("COMMCORE_STORE_BACKEND", "memory"),
		RedisAddr:    getEnv("COMMCORE_REDIS_ADDR", "localhost:6379"),
		RedisDB:      getEnvAsInt("COMMCORE_REDIS_DB", 0),

		SlackToken:   getEnv("COMMCORE_SLACK_TOKEN", ""),
		SlackChannel: getEnv("COMMCORE_SLACK_CHANNEL", "#agent-ops"),
		WebhookURL:   getEnv("COMMCORE_WEBHOOK_URL", ""),

		ServiceName:    getEnv("SERVICE_NAME", "commcore-bus"),
		ServiceVersion: getEnv("SERVICE_VERSION", "0.1.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),

		MetricsRetention:  getEnvAsDuration("COMMCORE_METRICS_RETENTION", 7*24*time.Hour),
		RecoveryRetention: getEnvAsDuration("COMMCORE_RECOVERY_RETENTION", 30*24*time.Hour),
	}
}

// GetHealthURL returns the local health-check URL.
func (c *AppConfig) GetHealthURL() string {
	return fmt.Sprintf("http://localhost:%s/health", c.HealthPort)
}

// GetMetricsURL returns the local Prometheus scrape URL.
func (c *AppConfig) GetMetricsURL() string {
	return fmt.Sprintf("http://localhost:%s/metrics", c.HealthPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
