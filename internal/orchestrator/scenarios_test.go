package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/aurorarelay/internal/breaker"
	"github.com/nulpointcorp/aurorarelay/internal/cache"
	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/internal/providers/mock"
	"github.com/nulpointcorp/aurorarelay/internal/router"
	"github.com/nulpointcorp/aurorarelay/pkg/gatewayerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, providerSteps map[string][]mock.Step, priorities map[string]int) (*Orchestrator, map[string]*mock.Adapter) {
	t.Helper()

	adapters := make(map[string]providers.Adapter)
	plain := make(map[string]*mock.Adapter)
	var entries []router.Entry
	for name, steps := range providerSteps {
		a := mock.New(steps...)
		adapters[name] = a
		plain[name] = a
		entries = append(entries, router.Entry{
			Name: name, Adapter: a, Priority: priorities[name],
			ReliabilityLevel: router.ReliabilityHigh, CostTier: router.CostMedium,
		})
	}

	b := breaker.NewSet(breaker.Config{})
	mc := cache.NewFingerprintCache(context.Background(), 1000)
	t.Cleanup(mc.Close)

	o := New(adapters, entries, b, mc, Config{MaxRetries: 4, RetryDelay: time.Millisecond, CacheEnabled: true}, nil)
	return o, plain
}

func req(content string) *providers.Request {
	return &providers.Request{Model: "mock-standard", Messages: []providers.Message{{Role: providers.RoleUser, Content: content}}}
}

// S1: Failover on network error.
func TestScenario_S1_FailoverOnNetworkError(t *testing.T) {
	o, _ := newTestOrchestrator(t, map[string][]mock.Step{
		"gemini":   {{Err: gatewayerr.NewNetwork("gemini", assert.AnError)}},
		"deepseek": {{Response: &providers.Response{Content: "ok", Provider: "deepseek"}}},
		"qwen":     {{Response: &providers.Response{Content: "ok", Provider: "qwen"}}},
		"kimi":     {{Response: &providers.Response{Content: "ok", Provider: "kimi"}}},
	}, map[string]int{"gemini": 4, "deepseek": 3, "qwen": 2, "kimi": 1})

	result, err := o.ExecuteRequest(context.Background(), req("hi"), router.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", result.Provider)
	assert.Equal(t, 2, result.Attempts)
	assert.True(t, result.FailoverUsed)
	assert.Equal(t, []string{"gemini", "deepseek"}, result.ProvidersAttempted)
}

// S2: Circuit opens then recovers.
func TestScenario_S2_CircuitOpensThenRecovers(t *testing.T) {
	adapters := make(map[string]providers.Adapter)
	gemini := mock.New(
		mock.Step{Err: gatewayerr.NewNetwork("gemini", assert.AnError)},
		mock.Step{Err: gatewayerr.NewNetwork("gemini", assert.AnError)},
		mock.Step{Response: &providers.Response{Content: "ok", Provider: "gemini"}},
	)
	deepseek := mock.New(mock.Step{Response: &providers.Response{Content: "ok", Provider: "deepseek"}})
	adapters["gemini"] = gemini
	adapters["deepseek"] = deepseek

	b := breaker.NewSet(breaker.Config{ErrorThreshold: 2, HalfOpenTimeout: 100 * time.Millisecond})
	mc := cache.NewFingerprintCache(context.Background(), 1000)
	defer mc.Close()

	entries := []router.Entry{
		{Name: "gemini", Adapter: gemini, Priority: 2, ReliabilityLevel: router.ReliabilityHigh, CostTier: router.CostMedium},
		{Name: "deepseek", Adapter: deepseek, Priority: 1, ReliabilityLevel: router.ReliabilityHigh, CostTier: router.CostMedium},
	}
	o := New(adapters, entries, b, mc, Config{MaxRetries: 4, RetryDelay: time.Millisecond, CacheEnabled: false}, nil)

	// First request: gemini fails, deepseek serves it (1 failure recorded).
	_, err := o.ExecuteRequest(context.Background(), req("a"), router.Criteria{})
	require.NoError(t, err)

	// Second request: preferring gemini outweighs its one-failure scoring
	// penalty, so gemini is tried and fails again, reaching the threshold;
	// deepseek serves it.
	_, err = o.ExecuteRequest(context.Background(), req("b"), router.Criteria{PreferredProvider: "gemini"})
	require.NoError(t, err)
	assert.True(t, b.IsOpen("gemini"))

	// Third request: gemini's breaker is open, must not be contacted; deepseek serves it.
	result, err := o.ExecuteRequest(context.Background(), req("c"), router.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", result.Provider)
	assert.Equal(t, 2, gemini.CallCount(), "gemini must not be called while its breaker is open")

	time.Sleep(150 * time.Millisecond)

	// After the half-open timeout gemini is eligible again; preferring it
	// outweighs its failure penalty so the half-open trial goes to gemini.
	result, err = o.ExecuteRequest(context.Background(), req("d"), router.Criteria{PreferredProvider: "gemini"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", result.Provider)
}

// S3: Cache hit.
func TestScenario_S3_CacheHit(t *testing.T) {
	o, plain := newTestOrchestrator(t, map[string][]mock.Step{
		"gemini": {{Response: &providers.Response{Content: "same-answer", Provider: "gemini", ModelID: "gemini-1.5-flash"}}},
	}, map[string]int{"gemini": 1})

	request := &providers.Request{Model: "gemini-1.5-flash", Messages: []providers.Message{{Role: providers.RoleUser, Content: "same"}}}

	first, err := o.ExecuteRequest(context.Background(), request, router.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, 1, plain["gemini"].CallCount())

	second, err := o.ExecuteRequest(context.Background(), request, router.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Attempts)
	assert.Equal(t, first.Response.Content, second.Response.Content)
	assert.Equal(t, 1, plain["gemini"].CallCount(), "cache hit must not touch the adapter")
}

// S4: Rate limit triggers failover.
func TestScenario_S4_RateLimitTriggersFailover(t *testing.T) {
	o, _ := newTestOrchestrator(t, map[string][]mock.Step{
		"gemini":   {{Err: gatewayerr.NewRateLimit("gemini", time.Now().Add(60*time.Second), assert.AnError)}},
		"deepseek": {{Response: &providers.Response{Content: "ok", Provider: "deepseek"}}},
	}, map[string]int{"gemini": 2, "deepseek": 1})

	result, err := o.ExecuteRequest(context.Background(), req("hi"), router.Criteria{})
	require.NoError(t, err)
	assert.NotEqual(t, "gemini", result.Provider)
	assert.Equal(t, 2, result.Attempts)
}

// S5: All providers fail.
func TestScenario_S5_AllProvidersFail(t *testing.T) {
	o, _ := newTestOrchestrator(t, map[string][]mock.Step{
		"gemini":   {{Err: gatewayerr.NewNetwork("gemini", assert.AnError)}},
		"deepseek": {{Err: gatewayerr.NewNetwork("deepseek", assert.AnError)}},
		"qwen":     {{Err: gatewayerr.NewNetwork("qwen", assert.AnError)}},
		"kimi":     {{Err: gatewayerr.NewNetwork("kimi", assert.AnError)}},
	}, map[string]int{"gemini": 4, "deepseek": 3, "qwen": 2, "kimi": 1})

	_, err := o.ExecuteRequest(context.Background(), req("hi"), router.Criteria{})
	require.Error(t, err)
	ge, ok := gatewayerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "ALL_ATTEMPTS_FAILED", ge.Code)
	assert.False(t, ge.Retryable)

	snap := o.GetStats()
	assert.EqualValues(t, 1, snap.TotalRequests)
	// Every one of the 4 attempted providers contributes its own failure,
	// so the aggregate counts attempts rather than gateway-level calls.
	assert.EqualValues(t, 4, snap.FailedRequests)

	// Every provider walked during failover must show its own failure,
	// rather than all of them landing on a shared "" key.
	for _, name := range []string{"gemini", "deepseek", "qwen", "kimi"} {
		pst, ok := snap.Providers[name]
		require.True(t, ok, "provider %s should have a stats entry", name)
		assert.EqualValues(t, 1, pst.Requests, "provider %s requests", name)
		assert.EqualValues(t, 1, pst.Failures, "provider %s failures", name)
		assert.EqualValues(t, 0, pst.Successes, "provider %s successes", name)
	}
	_, bogus := snap.Providers[""]
	assert.False(t, bogus, "no failure should ever be attributed to an empty provider key")
}

// S6: Stream with pre-first-chunk failover.
func TestScenario_S6_StreamPreFirstChunkFailover(t *testing.T) {
	adapters := make(map[string]providers.Adapter)
	gemini := mock.New(mock.Step{Err: gatewayerr.NewNetwork("gemini", assert.AnError)})
	deepseek := mock.New(mock.Step{Chunks: []providers.StreamChunk{
		{Delta: "a", Provider: "deepseek"},
		{Delta: "b", Provider: "deepseek"},
		{Delta: "c", Done: true, Provider: "deepseek", Usage: &providers.Usage{InputTokens: 10, OutputTokens: 15, TotalTokens: 25}},
	}})
	adapters["gemini"] = gemini
	adapters["deepseek"] = deepseek

	b := breaker.NewSet(breaker.Config{})
	mc := cache.NewFingerprintCache(context.Background(), 1000)
	defer mc.Close()

	entries := []router.Entry{
		{Name: "gemini", Adapter: gemini, Priority: 2, ReliabilityLevel: router.ReliabilityHigh, CostTier: router.CostMedium},
		{Name: "deepseek", Adapter: deepseek, Priority: 1, ReliabilityLevel: router.ReliabilityHigh, CostTier: router.CostMedium},
	}
	o := New(adapters, entries, b, mc, Config{MaxRetries: 4, RetryDelay: time.Millisecond}, nil)

	chunks, provider, err := o.ExecuteStreamRequest(context.Background(), req("hi"), router.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", provider)

	var got []providers.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Delta)
	assert.Equal(t, "b", got[1].Delta)
	assert.True(t, got[2].Done)
	require.NotNil(t, got[2].Usage)
	assert.Equal(t, 25, got[2].Usage.TotalTokens)
	for _, c := range got {
		assert.Equal(t, "deepseek", c.Provider)
	}
}
