package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateguard/internal/ratelimit"
)

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	require.NoError(t, validateConfig(defaultRateLimitConfig()))
}

func TestValidateConfigRejectsBadStorage(t *testing.T) {
	cfg := defaultRateLimitConfig()
	cfg.StorageType = "ETCD"
	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage_type")
}

func TestValidateConfigRejectsInvertedHysteresis(t *testing.T) {
	cfg := defaultRateLimitConfig()
	cfg.DdosThresholdIPCount = 10
	cfg.DdosReleaseIPCount = 50
	assert.Error(t, validateConfig(cfg))

	cfg.DdosThresholdIPCount = 10
	cfg.DdosReleaseIPCount = 10
	assert.Error(t, validateConfig(cfg), "equal thresholds would oscillate")
}

func TestValidateConfigRejectsBadDurations(t *testing.T) {
	cfg := defaultRateLimitConfig()
	cfg.WhiteListDurationMinutes = 0
	assert.Error(t, validateConfig(cfg))

	cfg = defaultRateLimitConfig()
	cfg.IPTrackDurationSeconds = -1
	assert.Error(t, validateConfig(cfg))
}

func TestValidateConfigRejectsBadPathRule(t *testing.T) {
	cfg := defaultRateLimitConfig()
	cfg.PathRules = append(cfg.PathRules, ratelimit.PathRule{Pattern: "/x/**", WindowSeconds: 0, MaxRequests: 5, Enabled: true})
	assert.Error(t, validateConfig(cfg))
}

func TestDefaultRateLimitConfigShape(t *testing.T) {
	cfg := defaultRateLimitConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, storageLocalMemory, cfg.StorageType)
	assert.Equal(t, "rate_limit", cfg.RedisKeyPrefix)
	assert.Equal(t, 50, cfg.DdosThresholdIPCount)
	assert.Equal(t, 10, cfg.DdosReleaseIPCount)
	assert.Equal(t, 10, cfg.IPTrackDurationSeconds)
	assert.Equal(t, 5, cfg.WhiteListDurationMinutes)
	assert.Equal(t, 30, cfg.BlackListDurationMinutes)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.NotEmpty(t, cfg.SkipPaths)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GATEGUARD_HOST", "10.0.0.9")
	t.Setenv("GATEGUARD_PORT", "9090")
	t.Setenv("GATEGUARD_REDIS_ADDR", "redis:6379")
	t.Setenv("GATEGUARD_MONGO_DB", "audit")

	c := AppConfig{Host: "0.0.0.0", Port: 8080}
	applyEnvOverrides(&c)
	assert.Equal(t, "10.0.0.9", c.Host)
	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, "redis:6379", c.Redis.Addr)
	assert.Equal(t, "audit", c.Mongo.Database)
}
