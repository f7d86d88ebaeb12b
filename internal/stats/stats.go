// Package stats aggregates the gateway's request/provider counters. It is
// the process-local equivalent of a metrics registry scoped to the numbers
// the orchestrator and router need internally (cache hit rate, per-provider
// average latency for the least-latency load-balancing strategy) rather than
// what gets exported to Prometheus — internal/metrics covers that surface
// separately.
package stats

import (
	"sync"
	"time"
)

// ProviderStat is the per-provider slice of the aggregate counters.
type ProviderStat struct {
	Requests         int64
	Successes        int64
	Failures         int64
	AverageLatencyMs float64
	LastUsedAt       time.Time
}

// Snapshot is an immutable copy of the collector's current counters.
//
// TotalRequests counts gateway-level calls (one per ExecuteRequest /
// ExecuteStreamRequest). SuccessfulRequests and FailedRequests count upstream
// attempts instead — a single gateway call that fails over across three
// providers before giving up contributes one TotalRequests but up to three
// FailedRequests, one per provider actually attempted.
type Snapshot struct {
	TotalRequests         int64
	SuccessfulRequests    int64
	FailedRequests        int64
	CacheHits             int64
	AverageResponseTimeMs float64
	CacheHitRate          float64
	TotalTokensUsed       int64
	EstimatedCost         float64
	Providers             map[string]ProviderStat
}

// Collector accumulates counters under a single mutex. Statistics converge
// under concurrent updates but individual fields are not updated
// transactionally with each other, matching the gateway's concurrency model.
type Collector struct {
	mu sync.Mutex

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	cacheHits          int64
	totalLatencyMs      float64
	latencySamples      int64
	totalTokens        int64
	estimatedCost      float64

	providers map[string]*ProviderStat
}

// New creates an empty Collector.
func New() *Collector {
	return &Collector{providers: make(map[string]*ProviderStat)}
}

// IncrementTotal records the start of a new request, before cache lookup.
func (c *Collector) IncrementTotal() {
	c.mu.Lock()
	c.totalRequests++
	c.mu.Unlock()
}

// RecordCacheHit records a request served entirely from cache.
func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

// RecordSuccess records a successful upstream call for provider.
func (c *Collector) RecordSuccess(provider string, latencyMs float64, tokens int64, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.successfulRequests++
	c.totalLatencyMs += latencyMs
	c.latencySamples++
	c.totalTokens += tokens
	c.estimatedCost += cost

	p := c.provider(provider)
	p.Requests++
	p.Successes++
	p.AverageLatencyMs = rollingAverage(p.AverageLatencyMs, p.Successes+p.Failures, latencyMs)
	p.LastUsedAt = time.Now()
}

// RecordFailure records a failed upstream call for provider.
func (c *Collector) RecordFailure(provider string, latencyMs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failedRequests++

	p := c.provider(provider)
	p.Requests++
	p.Failures++
	p.AverageLatencyMs = rollingAverage(p.AverageLatencyMs, p.Successes+p.Failures, latencyMs)
	p.LastUsedAt = time.Now()
}

func (c *Collector) provider(name string) *ProviderStat {
	p, ok := c.providers[name]
	if !ok {
		p = &ProviderStat{}
		c.providers[name] = p
	}
	return p
}

func rollingAverage(prevAvg float64, count int64, sample float64) float64 {
	if count <= 1 {
		return sample
	}
	return prevAvg + (sample-prevAvg)/float64(count)
}

// AverageLatencyMs implements router.LatencySource.
func (c *Collector) AverageLatencyMs(provider string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[provider]
	if !ok || (p.Successes+p.Failures) == 0 {
		return 0, false
	}
	return p.AverageLatencyMs, true
}

// Snapshot returns a consistent-enough copy of the current counters for
// reporting (getStats()).
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	avgResp := 0.0
	if c.latencySamples > 0 {
		avgResp = c.totalLatencyMs / float64(c.latencySamples)
	}
	hitRate := 0.0
	if c.totalRequests > 0 {
		hitRate = float64(c.cacheHits) / float64(c.totalRequests)
	}

	providers := make(map[string]ProviderStat, len(c.providers))
	for name, p := range c.providers {
		providers[name] = *p
	}

	return Snapshot{
		TotalRequests:         c.totalRequests,
		SuccessfulRequests:    c.successfulRequests,
		FailedRequests:        c.failedRequests,
		CacheHits:             c.cacheHits,
		AverageResponseTimeMs: avgResp,
		CacheHitRate:          hitRate,
		TotalTokensUsed:       c.totalTokens,
		EstimatedCost:         c.estimatedCost,
		Providers:             providers,
	}
}
