package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, prefix := range []string{"GEMINI", "DEEPSEEK", "QWEN", "KIMI", "MOCK"} {
		for _, suffix := range []string{"ENABLED", "API_KEY", "BASE_URL", "TIMEOUT", "RATE_LIMIT", "PRIORITY"} {
			t.Setenv("AI_"+prefix+"_"+suffix, "")
		}
	}
}

func TestLoad_NoProvidersEnabledFails(t *testing.T) {
	clearProviderEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one provider must be enabled")
}

func TestLoad_EnabledProviderMissingAPIKeyFails(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("AI_GEMINI_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI_GEMINI_API_KEY is empty")
}

func TestLoad_MockProviderNeedsNoAPIKey(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("AI_MOCK_ENABLED", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Mock.Enabled)
	assert.Empty(t, cfg.Mock.APIKey)
}

func TestLoad_DefaultsAppliedWhenUnset(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("AI_MOCK_ENABLED", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "priority", cfg.Orchestrator.LoadBalancingStrategy)
	assert.Equal(t, 3, cfg.Orchestrator.MaxRetries)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
}

func TestLoad_InvalidLoadBalancingStrategyFails(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("AI_MOCK_ENABLED", "true")
	t.Setenv("AI_LOAD_BALANCING_STRATEGY", "round-house")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI_LOAD_BALANCING_STRATEGY")
}

func TestLoad_ZeroMaxRetriesFails(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("AI_MOCK_ENABLED", "true")
	t.Setenv("AI_MAX_RETRIES", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI_MAX_RETRIES")
}

func TestLoad_ProviderConfigsIncludesAllFive(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("AI_MOCK_ENABLED", "true")
	cfg, err := Load()
	require.NoError(t, err)
	pcs := cfg.ProviderConfigs()
	assert.Len(t, pcs, 5)
	for _, name := range []string{"gemini", "deepseek", "qwen", "kimi", "mock"} {
		_, ok := pcs[name]
		assert.True(t, ok, "missing provider %s", name)
	}
}
