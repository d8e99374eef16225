package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Concurrency.API)
	require.Equal(t, 4, cfg.Concurrency.Sync)
	require.Equal(t, 100.0, cfg.RateLimit.RPS)
	require.Equal(t, 0.5, cfg.Breaker.Threshold)
	require.False(t, cfg.Lock.Enabled)
	require.NotEmpty(t, cfg.Lock.OwnerID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONCURRENCY_API", "32")
	t.Setenv("LOCKS_ENABLED", "true")
	t.Setenv("BREAKER_THRESHOLD", "0.75")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 32, cfg.Concurrency.API)
	require.True(t, cfg.Lock.Enabled)
	require.Equal(t, 0.75, cfg.Breaker.Threshold)
}

func TestLoad_InvalidBreakerThresholdFails(t *testing.T) {
	t.Setenv("BREAKER_THRESHOLD", "1.5")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_UnknownEnvValueFallsBackToDefault(t *testing.T) {
	t.Setenv("CONCURRENCY_API", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Concurrency.API)
}

func TestBreakerConfig_FailureThreshold(t *testing.T) {
	require.Equal(t, 5, BreakerConfig{Threshold: 0.5}.FailureThreshold())
	require.Equal(t, 1, BreakerConfig{Threshold: 0}.FailureThreshold())
	require.Equal(t, 10, BreakerConfig{Threshold: 1}.FailureThreshold())
}
