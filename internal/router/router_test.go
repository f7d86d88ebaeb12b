package router

import (
	"testing"

	"github.com/nulpointcorp/aurorarelay/internal/breaker"
	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/internal/providers/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() (*Router, *breaker.Set) {
	b := breaker.NewSet(breaker.Config{})
	return New(b, nil), b
}

func registerProvider(r *Router, name string, priority int, rel ReliabilityLevel, cost CostTier) *mock.Adapter {
	a := mock.New()
	r.Register(Entry{Name: name, Adapter: a, Priority: priority, ReliabilityLevel: rel, CostTier: cost})
	return a
}

func TestSelectProvider_HighestScoreWins(t *testing.T) {
	r, _ := newTestRouter()
	registerProvider(r, "gemini", 4, ReliabilityHigh, CostHigh)
	registerProvider(r, "deepseek", 3, ReliabilityLow, CostLow)

	sel, err := r.SelectProvider(&providers.Request{Model: "gemini-1.5-pro"}, Criteria{})
	require.NoError(t, err)
	assert.Equal(t, "gemini", sel.Provider)
	assert.Contains(t, sel.Fallbacks, "deepseek")
}

func TestSelectProvider_ExcludedProviderIsSkipped(t *testing.T) {
	r, _ := newTestRouter()
	registerProvider(r, "gemini", 4, ReliabilityHigh, CostHigh)
	registerProvider(r, "deepseek", 3, ReliabilityMedium, CostLow)

	sel, err := r.SelectProvider(&providers.Request{Model: "deepseek-chat"}, Criteria{ExcludedProviders: []string{"gemini"}})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", sel.Provider)
}

func TestSelectProvider_OpenBreakerExcludesProvider(t *testing.T) {
	r, b := newTestRouter()
	registerProvider(r, "gemini", 4, ReliabilityHigh, CostHigh)
	registerProvider(r, "deepseek", 3, ReliabilityMedium, CostLow)

	for i := 0; i < breaker.DefaultErrorThreshold; i++ {
		b.RecordFailure("gemini")
	}

	sel, err := r.SelectProvider(&providers.Request{Model: "deepseek-chat"}, Criteria{})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", sel.Provider)
}

func TestSelectProvider_UnhealthyProviderExcluded(t *testing.T) {
	r, _ := newTestRouter()
	registerProvider(r, "gemini", 4, ReliabilityHigh, CostHigh)
	registerProvider(r, "deepseek", 3, ReliabilityMedium, CostLow)
	r.SetHealthy("gemini", false)

	sel, err := r.SelectProvider(&providers.Request{Model: "deepseek-chat"}, Criteria{})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", sel.Provider)
}

func TestSelectProvider_PreferredProviderBoostsScore(t *testing.T) {
	r, _ := newTestRouter()
	registerProvider(r, "gemini", 1, ReliabilityMedium, CostMedium)
	registerProvider(r, "deepseek", 1, ReliabilityMedium, CostMedium)

	sel, err := r.SelectProvider(&providers.Request{}, Criteria{PreferredProvider: "deepseek"})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", sel.Provider)
}

func TestSelectProvider_NoCandidatesReturnsError(t *testing.T) {
	r, _ := newTestRouter()
	_, err := r.SelectProvider(&providers.Request{}, Criteria{})
	assert.Error(t, err)
}

func TestSelectProvider_StreamingRequestKeepsStreamingModel(t *testing.T) {
	r, _ := newTestRouter()
	registerProvider(r, "qwen", 1, ReliabilityMedium, CostMedium)

	sel, err := r.SelectProvider(&providers.Request{Model: "qwen-turbo", Stream: true}, Criteria{})
	require.NoError(t, err)
	assert.Equal(t, "qwen", sel.Provider)
}

func TestLoadBalance_PriorityPicksHighestPriority(t *testing.T) {
	r, _ := newTestRouter()
	registerProvider(r, "low", 1, ReliabilityMedium, CostMedium)
	registerProvider(r, "high", 9, ReliabilityMedium, CostMedium)

	e, err := r.LoadBalance(StrategyPriority)
	require.NoError(t, err)
	assert.Equal(t, "high", e.Name)
}

func TestLoadBalance_RoundRobinCyclesThroughProviders(t *testing.T) {
	r, _ := newTestRouter()
	registerProvider(r, "a", 1, ReliabilityMedium, CostMedium)
	registerProvider(r, "b", 1, ReliabilityMedium, CostMedium)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		e, err := r.LoadBalance(StrategyRoundRobin)
		require.NoError(t, err)
		seen[e.Name]++
	}
	assert.Equal(t, 2, seen["a"])
	assert.Equal(t, 2, seen["b"])
}

func TestLoadBalance_LeastLatencyFallsBackToPriorityWithoutSource(t *testing.T) {
	r, _ := newTestRouter()
	registerProvider(r, "low", 1, ReliabilityMedium, CostMedium)
	registerProvider(r, "high", 5, ReliabilityMedium, CostMedium)

	e, err := r.LoadBalance(StrategyLeastLatency)
	require.NoError(t, err)
	assert.Equal(t, "high", e.Name)
}

type fakeLatencySource map[string]float64

func (f fakeLatencySource) AverageLatencyMs(provider string) (float64, bool) {
	ms, ok := f[provider]
	return ms, ok
}

func TestLoadBalance_LeastLatencyPicksLowestAverage(t *testing.T) {
	b := breaker.NewSet(breaker.Config{})
	r := New(b, fakeLatencySource{"slow": 500, "fast": 50})
	registerProvider(r, "slow", 1, ReliabilityMedium, CostMedium)
	registerProvider(r, "fast", 1, ReliabilityMedium, CostMedium)

	e, err := r.LoadBalance(StrategyLeastLatency)
	require.NoError(t, err)
	assert.Equal(t, "fast", e.Name)
}

func TestLoadBalance_NoHealthyProvidersReturnsError(t *testing.T) {
	r, _ := newTestRouter()
	registerProvider(r, "gemini", 1, ReliabilityMedium, CostMedium)
	r.SetHealthy("gemini", false)

	_, err := r.LoadBalance(StrategyPriority)
	assert.Error(t, err)
}
