// Package orchestrator implements the gateway's end-to-end request pipeline:
// cache lookup, queue admission, provider selection, circuit-breaker-guarded
// execution, retry/failover, cache population, and statistics. One struct
// holds adapters, breaker, cache, and stats, with every dependency injected
// via the constructor so mocks can replace them in tests. Failover follows a
// classify-log-walk idiom (classify the error, log a structured failover
// event, walk candidates), now driven by the router's scored selection
// instead of a fixed fallback list, and wrapped in an explicit retry/backoff
// loop plus an admission queue.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/aurorarelay/internal/breaker"
	"github.com/nulpointcorp/aurorarelay/internal/cache"
	"github.com/nulpointcorp/aurorarelay/internal/catalog"
	"github.com/nulpointcorp/aurorarelay/internal/metrics"
	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/internal/queue"
	"github.com/nulpointcorp/aurorarelay/internal/router"
	"github.com/nulpointcorp/aurorarelay/internal/stats"
	"github.com/nulpointcorp/aurorarelay/pkg/gatewayerr"
	"go.uber.org/zap"
)

// Config tunes the orchestrator's retry, concurrency, and queue behavior.
type Config struct {
	MaxRetries            int
	RetryDelay            time.Duration
	DefaultTimeout        time.Duration
	MaxConcurrent         int // 0 means derive from provider count: max(1, 3*count)
	QueueEnabled          bool
	MaxQueueSize          int
	QueueTimeout          time.Duration
	CacheEnabled          bool
	CacheTTL              time.Duration
	LoadBalancingStrategy string
	HealthSweepInterval   time.Duration
	StatsInterval         time.Duration
	ShutdownDrainTimeout  time.Duration
}

func (c Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 3
}

func (c Config) retryDelay() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return time.Second
}

func (c Config) defaultTimeout() time.Duration {
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return providers.DefaultTimeout
}

func (c Config) healthSweepInterval() time.Duration {
	if c.HealthSweepInterval > 0 {
		return c.HealthSweepInterval
	}
	return 60 * time.Second
}

func (c Config) statsInterval() time.Duration {
	if c.StatsInterval > 0 {
		return c.StatsInterval
	}
	return 30 * time.Second
}

func (c Config) shutdownDrainTimeout() time.Duration {
	if c.ShutdownDrainTimeout > 0 {
		return c.ShutdownDrainTimeout
	}
	return 30 * time.Second
}

func (c Config) loadBalancingStrategy() string {
	if c.LoadBalancingStrategy != "" {
		return c.LoadBalancingStrategy
	}
	return router.StrategyPriority
}

const maxRetryBackoff = 30 * time.Second

// RateLimiter gates a provider attempt before it reaches the breaker/adapter,
// letting a proactive per-provider requests-per-minute ceiling reject a
// candidate without waiting on an upstream 429. Satisfied by
// *ratelimit.RPMLimiter; kept as a narrow interface so tests can run without
// Redis.
type RateLimiter interface {
	Allow(ctx context.Context, provider string) (bool, error)
}

// Result is the outcome of a successful ExecuteRequest.
type Result struct {
	Response           *providers.Response
	Provider           string
	Attempts           int
	Duration           time.Duration
	FailoverUsed       bool
	ProvidersAttempted []string
}

// Orchestrator owns every mutable piece of the gateway pipeline: adapters,
// circuit breakers, cache, router, stats, and the admission queue. External
// callers reach it only through the facade.
type Orchestrator struct {
	adapters map[string]providers.Adapter
	breakers *breaker.Set
	cache    cache.Cache
	router   *router.Router
	stats    *stats.Collector
	queue    *queue.Queue
	cfg      Config
	log      *zap.Logger

	rateLimiter RateLimiter       // optional; nil means no proactive RPM gating
	metrics     *metrics.Registry // optional; nil means no Prometheus reporting

	maxConcurrent int
	activeMu      sync.Mutex
	activeCount   int

	shuttingDown atomic.Bool
	stopBg       chan struct{}
	bgWg         sync.WaitGroup
}

// New builds an Orchestrator. entries registers each provider with the
// router; adapters must contain the same provider names.
func New(adapters map[string]providers.Adapter, entries []router.Entry, breakers *breaker.Set, c cache.Cache, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = len(adapters) * 3
		if maxConcurrent < 1 {
			maxConcurrent = 1
		}
	}

	statsCollector := stats.New()

	o := &Orchestrator{
		adapters: adapters,
		breakers: breakers,
		cache:    c,
		// the stats collector doubles as the router's latency source for the
		// least-latency load-balancing strategy
		router:        router.New(breakers, statsCollector),
		stats:         statsCollector,
		queue:         queue.New(cfg.MaxQueueSize),
		cfg:           cfg,
		log:           log,
		maxConcurrent: maxConcurrent,
		stopBg:        make(chan struct{}),
	}

	for _, e := range entries {
		o.router.Register(e)
	}

	return o
}

// WithRateLimiter attaches a proactive per-provider RPM gate, checked before
// each candidate's breaker-guarded attempt. Passing nil disables gating.
func (o *Orchestrator) WithRateLimiter(rl RateLimiter) *Orchestrator {
	o.rateLimiter = rl
	return o
}

// WithMetrics attaches a Prometheus registry that request outcomes, cache
// events, and token counts report to. Passing nil disables reporting.
func (o *Orchestrator) WithMetrics(m *metrics.Registry) *Orchestrator {
	o.metrics = m
	return o
}

// StartBackgroundTasks launches the health-check sweep and stats aggregation
// loops. Call once after New; Shutdown stops them.
func (o *Orchestrator) StartBackgroundTasks(ctx context.Context) {
	o.bgWg.Add(2)
	go o.healthSweepLoop(ctx)
	go o.statsLoop(ctx)
}

func (o *Orchestrator) healthSweepLoop(ctx context.Context) {
	defer o.bgWg.Done()
	ticker := time.NewTicker(o.cfg.healthSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.sweepHealth(ctx)
		case <-o.stopBg:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) sweepHealth(ctx context.Context) {
	for name, a := range o.adapters {
		hctx, cancel := context.WithTimeout(ctx, providers.DefaultHealthTimeout)
		ok := a.HealthCheck(hctx)
		cancel()
		o.router.SetHealthy(name, ok)
		o.log.Debug("health_sweep", zap.String("provider", name), zap.Bool("healthy", ok))
	}
}

func (o *Orchestrator) statsLoop(ctx context.Context) {
	defer o.bgWg.Done()
	ticker := time.NewTicker(o.cfg.statsInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := o.stats.Snapshot()
			o.log.Debug("stats_aggregation",
				zap.Int64("total_requests", snap.TotalRequests),
				zap.Float64("cache_hit_rate", snap.CacheHitRate),
				zap.Float64("avg_response_time_ms", snap.AverageResponseTimeMs),
			)
		case <-o.stopBg:
			return
		case <-ctx.Done():
			return
		}
	}
}

// GetStats returns the current aggregate statistics.
func (o *Orchestrator) GetStats() stats.Snapshot { return o.stats.Snapshot() }

// GetHealthStatus runs a fresh health check against every adapter.
func (o *Orchestrator) GetHealthStatus(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(o.adapters))
	for name, a := range o.adapters {
		hctx, cancel := context.WithTimeout(ctx, providers.DefaultHealthTimeout)
		out[name] = a.HealthCheck(hctx)
		cancel()
	}
	return out
}

// SelectByLoadBalancingStrategy exposes the router's unscored load-balancing
// path directly, using the configured strategy — a separate path alongside
// the always-scored selection ExecuteRequest runs, for a caller that wants a
// raw load-balanced pick without running a full request (e.g. a routing
// preview).
func (o *Orchestrator) SelectByLoadBalancingStrategy() (*router.Entry, error) {
	return o.router.LoadBalance(o.cfg.loadBalancingStrategy())
}

// GetModels returns every adapter's cached model list.
func (o *Orchestrator) GetModels() []providers.Model {
	var out []providers.Model
	for _, a := range o.adapters {
		out = append(out, a.GetModels()...)
	}
	return out
}

// ResetCircuitBreaker forces provider's breaker back to closed.
func (o *Orchestrator) ResetCircuitBreaker(provider string) {
	if o.breakers != nil {
		o.breakers.Reset(provider)
	}
}

// ClearCache empties the response cache.
func (o *Orchestrator) ClearCache(ctx context.Context) error {
	if o.cache == nil {
		return nil
	}
	return o.cache.Clear(ctx)
}

func (o *Orchestrator) incrementActive() {
	o.activeMu.Lock()
	o.activeCount++
	o.activeMu.Unlock()
}

func (o *Orchestrator) decrementActive() {
	o.activeMu.Lock()
	o.activeCount--
	o.activeMu.Unlock()
}

func (o *Orchestrator) activeAtCapacity() bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	return o.activeCount >= o.maxConcurrent
}

// ActiveRequestCount reports the current in-flight request count.
func (o *Orchestrator) ActiveRequestCount() int {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	return o.activeCount
}

// processQueue admits queued requests until active reaches capacity again or
// the queue empties.
func (o *Orchestrator) processQueue() {
	for !o.activeAtCapacity() {
		if !o.queue.Admit() {
			return
		}
		o.incrementActive()
	}
}

// requestForProvider fills in a default model for provider when the caller
// left req.Model empty — the router scores an unset model neutrally across
// every candidate, but an adapter's ValidateRequest requires a concrete
// catalog entry. Returns req unchanged when a model was already given, so
// the shared *Request is never mutated for callers that did name one.
func requestForProvider(req *providers.Request, provider string) *providers.Request {
	if req.Model != "" {
		return req
	}
	model, ok := catalog.DefaultModel(provider)
	if !ok {
		return req
	}
	withModel := *req
	withModel.Model = model
	return &withModel
}

func cacheKey(req *providers.Request) string {
	in := cache.FingerprintInput{
		Provider:     "", // fingerprint is provider-agnostic: identical requests should hit regardless of which provider eventually serves them
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MaxTokens:    req.MaxTokens,
	}
	for _, m := range req.Messages {
		in.Messages = append(in.Messages, cache.FingerprintMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, f := range req.Functions {
		in.Functions = append(in.Functions, f.Name)
	}
	return cache.Key(cache.Fingerprint(in))
}

// ExecuteRequest runs the full cache → queue → retry/failover pipeline for a
// single non-streaming request.
func (o *Orchestrator) ExecuteRequest(ctx context.Context, req *providers.Request, crit router.Criteria) (*Result, error) {
	start := time.Now()
	o.stats.IncrementTotal()

	if o.cfg.CacheEnabled && o.cache != nil {
		key := cacheKey(req)
		if raw, ok := o.cache.Get(ctx, key); ok {
			var resp providers.Response
			if err := json.Unmarshal(raw, &resp); err == nil {
				o.stats.RecordCacheHit()
				if o.metrics != nil {
					o.metrics.CacheGetHit()
				}
				return &Result{Response: &resp, Provider: resp.Provider, Attempts: 0, Duration: time.Since(start), FailoverUsed: false}, nil
			}
		}
		if o.metrics != nil {
			o.metrics.CacheGetMiss()
		}
	} else if o.metrics != nil {
		o.metrics.CacheGetBypass()
	}

	if o.shuttingDown.Load() {
		return nil, gatewayerr.New("orchestrator", "SHUTDOWN", false, nil)
	}

	if o.cfg.QueueEnabled && o.activeAtCapacity() {
		if o.queue.Full() {
			return nil, gatewayerr.New("orchestrator", "QUEUE_FULL", false, nil)
		}
		if err := o.queue.Enqueue(ctx, o.queueTimeout()); err != nil {
			return nil, err
		}
		// Enqueue only returns nil once Admit has released this waiter, and
		// Admit already incremented activeCount on our behalf.
	} else {
		o.incrementActive()
	}
	defer func() {
		o.decrementActive()
		o.processQueue()
	}()

	attempted := append([]string(nil), crit.ExcludedProviders...)
	var lastErr error

	for attempt := 1; attempt <= o.cfg.maxRetries(); attempt++ {
		loopCrit := crit
		loopCrit.ExcludedProviders = attempted

		selection, err := o.router.SelectProvider(req, loopCrit)
		if err != nil {
			return nil, gatewayerr.New("orchestrator", "NO_PROVIDERS_AVAILABLE", false, err)
		}
		attempted = append(attempted, selection.Provider)

		if o.rateLimiter != nil {
			allowed, err := o.rateLimiter.Allow(ctx, selection.Provider)
			if err == nil && !allowed {
				lastErr = gatewayerr.NewRateLimit(selection.Provider, time.Now().Add(o.cfg.retryDelay()), nil)
				o.log.Warn("provider_rate_limited", zap.String("provider", selection.Provider), zap.Int("attempt", attempt))
				if attempt == o.cfg.maxRetries() {
					break
				}
				continue
			}
		}

		callStart := time.Now()
		timeout := providers.RequestTimeout(o.cfg.defaultTimeout(), req.MaxTokens)

		callReq := requestForProvider(req, selection.Provider)
		var resp *providers.Response
		execErr := o.breakers.Execute(ctx, selection.Provider, timeout, func(callCtx context.Context) error {
			r, err := selection.Adapter.Request(callCtx, callReq)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		latencyMs := float64(time.Since(callStart).Milliseconds())

		if execErr == nil {
			o.stats.RecordSuccess(selection.Provider, latencyMs, int64(resp.Usage.TotalTokens), estimatedCost(selection.Provider, resp.Usage))
			o.putCache(ctx, req, resp)
			if o.metrics != nil {
				o.metrics.ObserveUpstreamAttempt(selection.Provider, "chat", "success", time.Since(callStart))
				o.metrics.AddTokens(selection.Provider, "chat", resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
			}
			return &Result{
				Response:           resp,
				Provider:           selection.Provider,
				Attempts:           attempt,
				Duration:           time.Since(start),
				FailoverUsed:       attempt > 1,
				ProvidersAttempted: attempted,
			}, nil
		}

		lastErr = execErr
		o.stats.RecordFailure(selection.Provider, latencyMs)
		o.log.Warn("provider_attempt_failed",
			zap.String("provider", selection.Provider),
			zap.Int("attempt", attempt),
			zap.Error(execErr),
		)

		ge, _ := gatewayerr.AsError(execErr)
		retryable := ge == nil || ge.Retryable
		if o.metrics != nil {
			errType := "generic"
			if ge != nil {
				errType = string(ge.Kind)
			}
			o.metrics.ObserveUpstreamAttempt(selection.Provider, "chat", "failure", time.Since(callStart))
			o.metrics.RecordError(selection.Provider, errType)
		}
		if !retryable || attempt == o.cfg.maxRetries() {
			break
		}

		backoff := retryBackoff(o.cfg.retryDelay(), attempt)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, gatewayerr.NewTimeout("orchestrator", 0, ctx.Err())
		}
	}

	return nil, gatewayerr.New("orchestrator", "ALL_ATTEMPTS_FAILED", false, lastErr)
}

func (o *Orchestrator) queueTimeout() time.Duration {
	if o.cfg.QueueTimeout > 0 {
		return o.cfg.QueueTimeout
	}
	return 10 * time.Second
}

func (o *Orchestrator) putCache(ctx context.Context, req *providers.Request, resp *providers.Response) {
	if !o.cfg.CacheEnabled || o.cache == nil || req.Stream {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ttl := o.cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	putErr := o.cache.Put(ctx, cacheKey(req), raw, ttl)
	if o.metrics != nil {
		if putErr != nil {
			o.metrics.CacheSetError()
		} else {
			o.metrics.CacheSetOK()
		}
	}
}

func estimatedCost(provider string, usage providers.Usage) float64 {
	// Cost-per-token lives in the catalog keyed by model, not provider; the
	// orchestrator only has the provider name here and computes no per-model
	// cost anywhere else, so every call contributes zero and the
	// process-wide running total stays zero rather than using a made-up rate.
	return 0
}

func retryBackoff(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<uint(attempt-1))
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

// Shutdown drains in-flight requests (polling up to ShutdownDrainTimeout),
// then rejects all queued items and stops background tasks.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shuttingDown.Store(true)

	deadline := time.Now().Add(o.cfg.shutdownDrainTimeout())
	for o.ActiveRequestCount() > 0 && time.Now().Before(deadline) {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			break
		}
	}

	o.queue.Shutdown()
	close(o.stopBg)
	o.bgWg.Wait()

	return nil
}

func streamMaxRetries(cfg Config) int {
	if m := cfg.maxRetries(); m < 2 {
		return m
	}
	return 2
}

// ExecuteStreamRequest selects a provider exactly as ExecuteRequest does, but
// once the first chunk is produced the stream is pinned to that provider —
// no mid-stream failover. Retries happen only before the first chunk,
// capped at min(maxRetries, 2) attempts: an adapter or first-chunk error is
// retried only when it is a Network or Timeout error (or not a gatewayerr),
// while a candidate skipped for an open breaker or the rate limiter, or one
// whose stream closes without a chunk, always moves on to the next attempt.
// Streaming requests never consult or populate the cache.
func (o *Orchestrator) ExecuteStreamRequest(ctx context.Context, req *providers.Request, crit router.Criteria) (<-chan providers.StreamChunk, string, error) {
	o.stats.IncrementTotal()

	attempted := append([]string(nil), crit.ExcludedProviders...)
	var lastErr error

	for attempt := 1; attempt <= streamMaxRetries(o.cfg); attempt++ {
		loopCrit := crit
		loopCrit.ExcludedProviders = attempted
		callStart := time.Now()

		selection, err := o.router.SelectProvider(req, loopCrit)
		if err != nil {
			return nil, "", gatewayerr.New("orchestrator", "NO_PROVIDERS_AVAILABLE", false, err)
		}
		attempted = append(attempted, selection.Provider)

		if o.breakers != nil && !o.breakers.Allow(selection.Provider) {
			lastErr = gatewayerr.NewCircuitOpen(selection.Provider)
			continue
		}

		if o.rateLimiter != nil {
			if allowed, err := o.rateLimiter.Allow(ctx, selection.Provider); err == nil && !allowed {
				lastErr = gatewayerr.NewRateLimit(selection.Provider, time.Now().Add(o.cfg.retryDelay()), nil)
				continue
			}
		}

		timeout := providers.RequestTimeout(o.cfg.defaultTimeout(), req.MaxTokens)
		callCtx, cancel := context.WithTimeout(ctx, timeout)

		callReq := requestForProvider(req, selection.Provider)
		upstream, err := selection.Adapter.StreamRequest(callCtx, callReq)
		if err != nil {
			cancel()
			if o.breakers != nil {
				o.breakers.RecordFailure(selection.Provider)
			}
			lastErr = err
			o.recordStreamFailure(selection.Provider, callStart, err)
			if !isStreamRetryable(err) || attempt == streamMaxRetries(o.cfg) {
				break
			}
			continue
		}

		first, ok := <-upstream
		if !ok {
			cancel()
			lastErr = gatewayerr.NewNetwork(selection.Provider, nil)
			if o.breakers != nil {
				o.breakers.RecordFailure(selection.Provider)
			}
			o.recordStreamFailure(selection.Provider, callStart, lastErr)
			continue
		}
		if first.Err != nil {
			cancel()
			if o.breakers != nil {
				o.breakers.RecordFailure(selection.Provider)
			}
			lastErr = first.Err
			o.recordStreamFailure(selection.Provider, callStart, first.Err)
			if !isStreamRetryable(first.Err) || attempt == streamMaxRetries(o.cfg) {
				break
			}
			continue
		}

		if o.breakers != nil {
			o.breakers.RecordSuccess(selection.Provider)
		}
		o.stats.RecordSuccess(selection.Provider, float64(time.Since(callStart).Milliseconds()), 0, 0)
		if o.metrics != nil {
			o.metrics.ObserveUpstreamAttempt(selection.Provider, "stream", "success", time.Since(callStart))
		}

		out := make(chan providers.StreamChunk, 16)
		go func() {
			defer cancel()
			defer close(out)
			out <- first
			for c := range upstream {
				if c.Done && c.Usage != nil && o.metrics != nil {
					o.metrics.AddTokens(selection.Provider, "stream", c.Usage.InputTokens, c.Usage.OutputTokens, false)
				}
				out <- c
			}
		}()
		return out, selection.Provider, nil
	}

	return nil, "", gatewayerr.New("orchestrator", "ALL_ATTEMPTS_FAILED", false, lastErr)
}

// recordStreamFailure attributes a pre-first-chunk streaming failure to
// provider in both the process-local stats collector and, if attached, the
// Prometheus registry.
func (o *Orchestrator) recordStreamFailure(provider string, callStart time.Time, err error) {
	latencyMs := float64(time.Since(callStart).Milliseconds())
	o.stats.RecordFailure(provider, latencyMs)
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveUpstreamAttempt(provider, "stream", "failure", time.Since(callStart))
	errType := "generic"
	if ge, ok := gatewayerr.AsError(err); ok {
		errType = string(ge.Kind)
	}
	o.metrics.RecordError(provider, errType)
}

func isStreamRetryable(err error) bool {
	ge, ok := gatewayerr.AsError(err)
	if !ok {
		return true
	}
	return ge.Kind == gatewayerr.Network || ge.Kind == gatewayerr.Timeout
}
