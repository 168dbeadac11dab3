package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-engine/models"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, 3, cfg.ProviderCapacity)
	assert.Equal(t, models.Amount(400), cfg.DefaultRatePerMinute)
	assert.Equal(t, 180*time.Second, cfg.PriorityWaitThreshold)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 120*time.Second, cfg.HeartbeatGrace)
	assert.Equal(t, 30*time.Second, cfg.WatchdogInterval)
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("PROVIDER_CAPACITY", "5")
	t.Setenv("DEFAULT_RATE_PER_MINUTE", "2.50")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := LoadConfig()

	assert.Equal(t, 5, cfg.ProviderCapacity)
	assert.Equal(t, models.Amount(250), cfg.DefaultRatePerMinute)
	assert.Equal(t, 20*time.Second, cfg.HeartbeatGrace, "grace follows the interval")
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("DEFAULT_RATE_PER_MINUTE", "cheap")
	t.Setenv("WATCHDOG_INTERVAL", "often")
	t.Setenv("LOG_LEVEL", "loud")

	cfg := LoadConfig()

	assert.Equal(t, models.Amount(400), cfg.DefaultRatePerMinute)
	assert.Equal(t, 30*time.Second, cfg.WatchdogInterval)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestValidate(t *testing.T) {
	cfg := LoadConfig()
	cfg.HeartbeatGrace = cfg.HeartbeatInterval / 2
	assert.Error(t, cfg.Validate())

	cfg = LoadConfig()
	cfg.ProviderCapacity = 0
	assert.Error(t, cfg.Validate())
}
