package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	HTTPPort string

	// Database. Empty means the in-memory store (development mode).
	DatabaseURL string

	// Redis. Empty means the in-process event bus.
	RedisURL string

	// Agent API auth
	AgentSecret string

	// Fleet timing
	LivenessTimeout time.Duration // agent considered offline past this
	SweepInterval   time.Duration // command timeout sweeper cadence
	CommandTimeout  time.Duration // default per-command execution deadline

	// Read API window sizes
	MetricWindow  int
	CommandWindow int

	// Logging
	LogLevel  slog.Level
	LogFormat string // "json" or "text"

	// Events
	MQTTBroker string

	// Tracing
	OTLPEndpoint  string
	ServiceName   string
	EnableTracing bool
}

func Load() (*Config, error) {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		DatabaseURL:     getEnv("DB_URL", ""),
		RedisURL:        getEnv("REDIS_URL", ""),
		AgentSecret:     getEnv("AGENT_SECRET", "secret"),
		LivenessTimeout: getEnvDuration("LIVENESS_TIMEOUT", 30*time.Second),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 10*time.Second),
		CommandTimeout:  getEnvDuration("COMMAND_TIMEOUT", 15*time.Minute),
		MetricWindow:    getEnvInt("METRIC_WINDOW", 50),
		CommandWindow:   getEnvInt("COMMAND_WINDOW", 50),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", ""),
		ServiceName:     getEnv("SERVICE_NAME", "fleetd"),
		EnableTracing:   getEnvBool("ENABLE_TRACING", false),
	}

	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}
