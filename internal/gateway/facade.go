// Package gateway is the facade: a process-local singleton wrapping one
// orchestrator, built once during startup and reused by every caller in the
// process. It plays the same "wire everything up, expose Run/Close" role an
// application-wiring struct would, but reshaped as a package-level handle
// with idempotent Initialize instead of an explicitly-constructed value
// passed around by the caller, matching the consumer contract the gateway
// exposes to other subsystems.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nulpointcorp/aurorarelay/internal/breaker"
	"github.com/nulpointcorp/aurorarelay/internal/cache"
	"github.com/nulpointcorp/aurorarelay/internal/config"
	"github.com/nulpointcorp/aurorarelay/internal/metrics"
	"github.com/nulpointcorp/aurorarelay/internal/orchestrator"
	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/internal/providers/deepseek"
	"github.com/nulpointcorp/aurorarelay/internal/providers/gemini"
	"github.com/nulpointcorp/aurorarelay/internal/providers/kimi"
	"github.com/nulpointcorp/aurorarelay/internal/providers/mock"
	"github.com/nulpointcorp/aurorarelay/internal/providers/qwen"
	"github.com/nulpointcorp/aurorarelay/internal/ratelimit"
	"github.com/nulpointcorp/aurorarelay/internal/router"
	"github.com/nulpointcorp/aurorarelay/internal/stats"
	"github.com/redis/go-redis/v9"
)

// reliabilityByProvider and costTierByProvider feed the router's scoring
// pass; there is no per-provider environment knob for these, so they're
// assigned from each upstream's observed characteristics (Gemini: fast,
// generous context, high historical uptime; DeepSeek/Qwen: lower cost but
// more variable; Kimi: mid-tier on both axes) and fixed at the provider
// level.
var (
	reliabilityByProvider = map[string]router.ReliabilityLevel{
		"gemini":   router.ReliabilityHigh,
		"deepseek": router.ReliabilityMedium,
		"qwen":     router.ReliabilityMedium,
		"kimi":     router.ReliabilityMedium,
		"mock":     router.ReliabilityHigh,
	}
	costTierByProvider = map[string]router.CostTier{
		"gemini":   router.CostMedium,
		"deepseek": router.CostLow,
		"qwen":     router.CostLow,
		"kimi":     router.CostMedium,
		"mock":     router.CostLow,
	}
)

// Facade is the process-wide entry point. All of its methods delegate to a
// single wrapped Orchestrator.
type Facade struct {
	orch *orchestrator.Orchestrator
	log  *zap.Logger
}

var (
	instance *Facade
	initOnce sync.Once
	initErr  error
)

// Initialize builds the facade from cfg. It is idempotent: once a call
// succeeds, subsequent calls return the existing instance and ignore cfg —
// matching the "process-wide singleton... initialize(config) is idempotent"
// contract. Tests that need an isolated instance should construct an
// Orchestrator directly instead of going through this package.
func Initialize(ctx context.Context, cfg *config.Config, log *zap.Logger, reg *metrics.Registry) (*Facade, error) {
	initOnce.Do(func() {
		instance, initErr = build(ctx, cfg, log, reg)
	})
	return instance, initErr
}

// Instance returns the already-initialized facade, or nil if Initialize has
// not yet succeeded.
func Instance() *Facade {
	return instance
}

func build(ctx context.Context, cfg *config.Config, log *zap.Logger, reg *metrics.Registry) (*Facade, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}

	adapters, entries, err := buildProviders(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	breakers := breaker.NewSet(breaker.Config{
		ErrorThreshold:  cfg.CircuitBreaker.FailureThreshold,
		TimeWindow:      cfg.CircuitBreaker.MonitoringPeriod,
		HalfOpenTimeout: cfg.CircuitBreaker.RecoveryTimeout,
	})
	if reg != nil {
		breakers.WithMetrics(reg)
	}

	var cacheImpl cache.Cache
	if cfg.Cache.Enabled {
		cacheImpl = cache.NewFingerprintCache(ctx, cfg.Cache.MaxSize)
	}

	orch := orchestrator.New(adapters, entries, breakers, cacheImpl, orchestrator.Config{
		MaxRetries:            cfg.Orchestrator.MaxRetries,
		RetryDelay:            cfg.Orchestrator.RetryDelay,
		DefaultTimeout:        cfg.Orchestrator.DefaultTimeout,
		MaxConcurrent:         cfg.Orchestrator.MaxConcurrent,
		QueueEnabled:          cfg.Orchestrator.QueueEnabled,
		MaxQueueSize:          cfg.Orchestrator.MaxQueueSize,
		QueueTimeout:          cfg.Orchestrator.QueueTimeout,
		CacheEnabled:          cfg.Cache.Enabled,
		CacheTTL:              cfg.Cache.TTL,
		LoadBalancingStrategy: cfg.Orchestrator.LoadBalancingStrategy,
		HealthSweepInterval:   cfg.Orchestrator.HealthSweepInterval,
		StatsInterval:         cfg.Orchestrator.StatsInterval,
		ShutdownDrainTimeout:  cfg.Orchestrator.ShutdownDrainTimeout,
	}, log)
	if reg != nil {
		orch.WithMetrics(reg)
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("gateway: parse redis url for rate limiter: %w", err)
		}
		rl := ratelimit.NewRPMLimiter(redis.NewClient(opt))
		for name, pc := range cfg.ProviderConfigs() {
			if pc.RateLimit > 0 {
				rl.SetLimit(name, pc.RateLimit)
			}
		}
		orch.WithRateLimiter(rl)
		log.Info("rate limiter enabled", zap.String("redis", cfg.RedisURL))
	}

	orch.StartBackgroundTasks(ctx)

	log.Info("gateway initialized", zap.Int("providers", len(adapters)))

	return &Facade{orch: orch, log: log}, nil
}

// buildProviders constructs an adapter and a router entry for every enabled
// provider, probing each with Initialize before the gateway accepts traffic.
// A provider only enters the map when it's enabled in config.
func buildProviders(ctx context.Context, cfg *config.Config, log *zap.Logger) (map[string]providers.Adapter, []router.Entry, error) {
	adapters := make(map[string]providers.Adapter)
	var entries []router.Entry

	add := func(name string, a providers.Adapter, pc config.ProviderConfig) error {
		if err := a.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		adapters[name] = a
		entries = append(entries, router.Entry{
			Name:             name,
			Adapter:          a,
			Priority:         pc.Priority,
			ReliabilityLevel: reliabilityByProvider[name],
			CostTier:         costTierByProvider[name],
		})
		return nil
	}

	if cfg.Gemini.Enabled {
		a, err := gemini.New(ctx, cfg.Gemini.APIKey, geminiOptions(cfg.Gemini)...)
		if err != nil {
			return nil, nil, fmt.Errorf("construct gemini: %w", err)
		}
		if err := add("gemini", a, cfg.Gemini); err != nil {
			return nil, nil, err
		}
	}

	if cfg.DeepSeek.Enabled {
		a := deepseek.New(cfg.DeepSeek.APIKey, cfg.DeepSeek.BaseURL)
		if err := add("deepseek", a, cfg.DeepSeek); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Qwen.Enabled {
		a := qwen.New(cfg.Qwen.APIKey, cfg.Qwen.BaseURL)
		if err := add("qwen", a, cfg.Qwen); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Kimi.Enabled {
		a := kimi.New(cfg.Kimi.APIKey, cfg.Kimi.BaseURL)
		if err := add("kimi", a, cfg.Kimi); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Mock.Enabled {
		a := mock.New()
		if err := add("mock", a, cfg.Mock); err != nil {
			return nil, nil, err
		}
	}

	if len(adapters) == 0 {
		return nil, nil, errors.New("no providers enabled")
	}

	log.Info("providers initialized", zap.Int("count", len(adapters)))
	return adapters, entries, nil
}

func geminiOptions(pc config.ProviderConfig) []gemini.Option {
	var opts []gemini.Option
	if pc.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(pc.BaseURL))
	}
	if pc.Timeout > 0 {
		opts = append(opts, gemini.WithTimeout(pc.Timeout))
	}
	return opts
}

// Request performs a single-shot chat completion, delegating to the
// wrapped orchestrator.
func (f *Facade) Request(ctx context.Context, req *providers.Request, crit router.Criteria) (*orchestrator.Result, error) {
	return f.orch.ExecuteRequest(ctx, req, crit)
}

// StreamRequest performs a streaming chat completion.
func (f *Facade) StreamRequest(ctx context.Context, req *providers.Request, crit router.Criteria) (<-chan providers.StreamChunk, string, error) {
	return f.orch.ExecuteStreamRequest(ctx, req, crit)
}

// SelectByLoadBalancingStrategy returns a provider chosen by the configured
// load-balancing strategy, without the router's capability/cost/health
// scoring pass — a separate unscored path alongside Request's always-scored
// selection.
func (f *Facade) SelectByLoadBalancingStrategy() (*router.Entry, error) {
	return f.orch.SelectByLoadBalancingStrategy()
}

// GetModels returns the models known across all enabled providers.
func (f *Facade) GetModels() []providers.Model {
	return f.orch.GetModels()
}

// GetHealthStatus reports the last health-sweep outcome per provider.
func (f *Facade) GetHealthStatus(ctx context.Context) map[string]bool {
	return f.orch.GetHealthStatus(ctx)
}

// GetStats returns a snapshot of the process-local request/provider counters.
func (f *Facade) GetStats() stats.Snapshot {
	return f.orch.GetStats()
}

// ResetCircuitBreaker forces provider's breaker back to closed.
func (f *Facade) ResetCircuitBreaker(provider string) {
	f.orch.ResetCircuitBreaker(provider)
}

// ClearCache empties the response cache.
func (f *Facade) ClearCache(ctx context.Context) error {
	return f.orch.ClearCache(ctx)
}

// Shutdown drains in-flight requests, rejects queued ones with SHUTDOWN, and
// stops background tasks.
func (f *Facade) Shutdown(ctx context.Context) error {
	return f.orch.Shutdown(ctx)
}
