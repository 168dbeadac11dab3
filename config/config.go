package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"chat-engine/models"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string
	InstanceID  string

	// Redis configuration
	RedisURL string

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	// Matching and pricing
	ProviderCapacity      int
	DefaultRatePerMinute  models.Amount
	PriorityWaitThreshold time.Duration
	MatchRetries          int
	StoreRetries          int

	// Heartbeats
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration

	// Background workers
	WatchdogInterval      time.Duration
	QueueDispatchInterval time.Duration

	// Security
	RateLimitPerMinute int
	AdminTokenHash     string

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
	LogLevel      string
	LogFormat     string
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	heartbeat := getEnvAsDuration("HEARTBEAT_INTERVAL", "60s")

	cfg := &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),
		InstanceID:  getEnv("INSTANCE_ID", ""),

		// Redis
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "chat-engine"),

		// Matching
		ProviderCapacity:      getEnvAsInt("PROVIDER_CAPACITY", 3),
		DefaultRatePerMinute:  getEnvAsAmount("DEFAULT_RATE_PER_MINUTE", "4.00"),
		PriorityWaitThreshold: getEnvAsDuration("PRIORITY_WAIT_THRESHOLD", "180s"),
		MatchRetries:          getEnvAsInt("MATCH_RETRIES", 3),
		StoreRetries:          getEnvAsInt("STORE_RETRIES", 5),

		// Heartbeats
		HeartbeatInterval: heartbeat,
		HeartbeatGrace:    getEnvAsDuration("HEARTBEAT_GRACE", (2 * heartbeat).String()),

		// Workers
		WatchdogInterval:      getEnvAsDuration("WATCHDOG_INTERVAL", "30s"),
		QueueDispatchInterval: getEnvAsDuration("QUEUE_DISPATCH_INTERVAL", "5s"),

		// Security
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 120),
		AdminTokenHash:     getEnv("ADMIN_TOKEN_HASH", ""),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
	}

	return cfg
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.ProviderCapacity < 1 {
		return fmt.Errorf("PROVIDER_CAPACITY must be positive, got %d", c.ProviderCapacity)
	}
	if c.DefaultRatePerMinute <= 0 {
		return fmt.Errorf("DEFAULT_RATE_PER_MINUTE must be positive, got %s", c.DefaultRatePerMinute)
	}
	if c.HeartbeatGrace < c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_GRACE (%s) is shorter than HEARTBEAT_INTERVAL (%s)", c.HeartbeatGrace, c.HeartbeatInterval)
	}
	if c.MatchRetries < 1 || c.StoreRetries < 1 {
		return fmt.Errorf("MATCH_RETRIES and STORE_RETRIES must be at least 1")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsAmount(key string, defaultValue string) models.Amount {
	if amount, err := models.ParseAmount(getEnv(key, defaultValue)); err == nil {
		return amount
	}
	amount, _ := models.ParseAmount(defaultValue)
	return amount
}
