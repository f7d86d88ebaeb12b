package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/aurorarelay/internal/breaker"
	"github.com/nulpointcorp/aurorarelay/internal/cache"
	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/internal/providers/mock"
	"github.com/nulpointcorp/aurorarelay/internal/router"
)

func TestSelectByLoadBalancingStrategy_DefaultsToPriority(t *testing.T) {
	o, _ := newTestOrchestrator(t, map[string][]mock.Step{
		"gemini":   {{Response: &providers.Response{Content: "ok", Provider: "gemini"}}},
		"deepseek": {{Response: &providers.Response{Content: "ok", Provider: "deepseek"}}},
	}, map[string]int{"gemini": 4, "deepseek": 3})

	entry, err := o.SelectByLoadBalancingStrategy()
	require.NoError(t, err)
	assert.Equal(t, "gemini", entry.Name, "with no strategy configured, priority is the default")
}

func TestSelectByLoadBalancingStrategy_RoundRobinCyclesThroughProviders(t *testing.T) {
	adapters := make(map[string]providers.Adapter)
	gemini := mock.New(mock.Step{Response: &providers.Response{Content: "ok", Provider: "gemini"}})
	deepseek := mock.New(mock.Step{Response: &providers.Response{Content: "ok", Provider: "deepseek"}})
	adapters["gemini"] = gemini
	adapters["deepseek"] = deepseek

	entries := []router.Entry{
		{Name: "gemini", Adapter: gemini, Priority: 2},
		{Name: "deepseek", Adapter: deepseek, Priority: 1},
	}

	b := breaker.NewSet(breaker.Config{})
	mc := cache.NewFingerprintCache(context.Background(), 1000)
	t.Cleanup(mc.Close)

	o := New(adapters, entries, b, mc, Config{MaxRetries: 3, LoadBalancingStrategy: router.StrategyRoundRobin}, nil)

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		entry, err := o.SelectByLoadBalancingStrategy()
		require.NoError(t, err)
		seen[entry.Name] = true
	}
	assert.True(t, seen["gemini"])
	assert.True(t, seen["deepseek"])
}
