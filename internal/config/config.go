// Package config loads and validates all runtime configuration for the
// gateway, via a viper+gotenv loader scoped to the four upstream providers
// (Gemini, DeepSeek, Qwen, Kimi), the in-process mock, and the
// orchestrator/cache/breaker/queue/load-balancing knobs this gateway
// actually has.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file. A .env file in
// the working directory is loaded first, if present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// ProviderConfig holds per-provider configuration. Config carries one per
// provider identifier used throughout the gateway ("gemini", "deepseek",
// "qwen", "kimi", "mock").
type ProviderConfig struct {
	Enabled   bool
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	RateLimit int // requests per minute the provider is assumed to tolerate; 0 = unknown
	Priority  int // router tie-break weight; higher wins
}

// OrchestratorConfig controls the request pipeline: retries, timeouts,
// queueing, and load balancing.
type OrchestratorConfig struct {
	LoadBalancingStrategy string
	DefaultTimeout        time.Duration
	MaxRetries            int
	RetryDelay            time.Duration
	MaxConcurrent         int
	QueueEnabled          bool
	MaxQueueSize          int
	QueueTimeout          time.Duration
	HealthSweepInterval   time.Duration
	StatsInterval         time.Duration
	ShutdownDrainTimeout  time.Duration
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Timeout          time.Duration
	MonitoringPeriod time.Duration
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
	MaxSize int
}

// Config is the top-level configuration container.
type Config struct {
	Port     int
	LogLevel string

	Gemini   ProviderConfig
	DeepSeek ProviderConfig
	Qwen     ProviderConfig
	Kimi     ProviderConfig
	Mock     ProviderConfig

	Orchestrator   OrchestratorConfig
	CircuitBreaker CircuitBreakerConfig
	Cache          CacheConfig

	CORSOrigins []string

	// RedisURL backs the per-provider RPM rate limiter (internal/ratelimit).
	// Empty disables proactive rate limiting; providers' RateLimit fields are
	// then read but not enforced.
	RedisURL string
}

// ProviderConfigs returns the five providers as a map keyed by provider
// identifier (map iteration order is not fixed) — used by the application wiring to
// build adapters and router entries without repeating the five field names.
func (c *Config) ProviderConfigs() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"gemini":   c.Gemini,
		"deepseek": c.DeepSeek,
		"qwen":     c.Qwen,
		"kimi":     c.Kimi,
		"mock":     c.Mock,
	}
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		Port:     v.GetInt("GATEWAY_PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Gemini:   providerConfig(v, "GEMINI"),
		DeepSeek: providerConfig(v, "DEEPSEEK"),
		Qwen:     providerConfig(v, "QWEN"),
		Kimi:     providerConfig(v, "KIMI"),
		Mock:     providerConfig(v, "MOCK"),

		Orchestrator: OrchestratorConfig{
			LoadBalancingStrategy: v.GetString("AI_LOAD_BALANCING_STRATEGY"),
			DefaultTimeout:        v.GetDuration("AI_DEFAULT_TIMEOUT"),
			MaxRetries:            v.GetInt("AI_MAX_RETRIES"),
			RetryDelay:            v.GetDuration("AI_RETRY_DELAY"),
			MaxConcurrent:         v.GetInt("AI_MAX_CONCURRENT"),
			QueueEnabled:          v.GetBool("AI_QUEUE_ENABLED"),
			MaxQueueSize:          v.GetInt("AI_MAX_QUEUE_SIZE"),
			QueueTimeout:          v.GetDuration("AI_QUEUE_TIMEOUT"),
			HealthSweepInterval:   v.GetDuration("AI_HEALTH_SWEEP_INTERVAL"),
			StatsInterval:         v.GetDuration("AI_STATS_INTERVAL"),
			ShutdownDrainTimeout:  v.GetDuration("AI_SHUTDOWN_DRAIN_TIMEOUT"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("AI_CIRCUIT_BREAKER_FAILURE_THRESHOLD"),
			RecoveryTimeout:  v.GetDuration("AI_CIRCUIT_BREAKER_RECOVERY_TIMEOUT"),
			Timeout:          v.GetDuration("AI_CIRCUIT_BREAKER_TIMEOUT"),
			MonitoringPeriod: v.GetDuration("AI_CIRCUIT_BREAKER_MONITORING_PERIOD"),
		},

		Cache: CacheConfig{
			Enabled: v.GetBool("AI_CACHE_ENABLED"),
			TTL:     v.GetDuration("AI_CACHE_TTL"),
			MaxSize: v.GetInt("AI_CACHE_MAX_SIZE"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		RedisURL: v.GetString("AI_RATE_LIMIT_REDIS_URL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func providerConfig(v *viper.Viper, prefix string) ProviderConfig {
	return ProviderConfig{
		Enabled:   v.GetBool("AI_" + prefix + "_ENABLED"),
		APIKey:    v.GetString("AI_" + prefix + "_API_KEY"),
		BaseURL:   v.GetString("AI_" + prefix + "_BASE_URL"),
		Timeout:   v.GetDuration("AI_" + prefix + "_TIMEOUT"),
		RateLimit: v.GetInt("AI_" + prefix + "_RATE_LIMIT"),
		Priority:  v.GetInt("AI_" + prefix + "_PRIORITY"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("GATEWAY_PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("AI_LOAD_BALANCING_STRATEGY", "priority")
	v.SetDefault("AI_DEFAULT_TIMEOUT", "30s")
	v.SetDefault("AI_MAX_RETRIES", 3)
	v.SetDefault("AI_RETRY_DELAY", "500ms")
	v.SetDefault("AI_MAX_CONCURRENT", 0) // 0 = derive from provider count
	v.SetDefault("AI_QUEUE_ENABLED", false)
	v.SetDefault("AI_MAX_QUEUE_SIZE", 100)
	v.SetDefault("AI_QUEUE_TIMEOUT", "10s")
	v.SetDefault("AI_HEALTH_SWEEP_INTERVAL", "60s")
	v.SetDefault("AI_STATS_INTERVAL", "30s")
	v.SetDefault("AI_SHUTDOWN_DRAIN_TIMEOUT", "30s")

	v.SetDefault("AI_CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("AI_CIRCUIT_BREAKER_RECOVERY_TIMEOUT", "30s")
	v.SetDefault("AI_CIRCUIT_BREAKER_TIMEOUT", "30s")
	v.SetDefault("AI_CIRCUIT_BREAKER_MONITORING_PERIOD", "60s")

	v.SetDefault("AI_CACHE_ENABLED", true)
	v.SetDefault("AI_CACHE_TTL", "5m")
	v.SetDefault("AI_CACHE_MAX_SIZE", 1000)

	v.SetDefault("AI_GEMINI_ENABLED", true)
	v.SetDefault("AI_GEMINI_TIMEOUT", "30s")
	v.SetDefault("AI_GEMINI_PRIORITY", 4)

	v.SetDefault("AI_DEEPSEEK_ENABLED", true)
	v.SetDefault("AI_DEEPSEEK_TIMEOUT", "30s")
	v.SetDefault("AI_DEEPSEEK_PRIORITY", 3)

	v.SetDefault("AI_QWEN_ENABLED", true)
	v.SetDefault("AI_QWEN_TIMEOUT", "30s")
	v.SetDefault("AI_QWEN_PRIORITY", 2)

	v.SetDefault("AI_KIMI_ENABLED", true)
	v.SetDefault("AI_KIMI_TIMEOUT", "30s")
	v.SetDefault("AI_KIMI_PRIORITY", 1)

	v.SetDefault("AI_MOCK_ENABLED", false)
	v.SetDefault("AI_MOCK_TIMEOUT", "30s")
	v.SetDefault("AI_MOCK_PRIORITY", 0)
}

// validate checks every semantic constraint that must fail startup: no
// enabled providers, an enabled provider missing its API key, and
// out-of-range numeric limits.
func (c *Config) validate() error {
	enabled := 0
	for name, pc := range c.ProviderConfigs() {
		if !pc.Enabled {
			continue
		}
		enabled++
		if name != "mock" && pc.APIKey == "" {
			return fmt.Errorf("config: provider %s is enabled but AI_%s_API_KEY is empty", name, strings.ToUpper(name))
		}
	}
	if enabled == 0 {
		return errors.New("config: at least one provider must be enabled (AI_{GEMINI|DEEPSEEK|QWEN|KIMI|MOCK}_ENABLED=true)")
	}

	switch c.Orchestrator.LoadBalancingStrategy {
	case "priority", "round-robin", "random", "least-latency":
	default:
		return fmt.Errorf("config: invalid AI_LOAD_BALANCING_STRATEGY %q", c.Orchestrator.LoadBalancingStrategy)
	}

	if c.Orchestrator.MaxRetries < 1 {
		return fmt.Errorf("config: AI_MAX_RETRIES must be ≥ 1, got %d", c.Orchestrator.MaxRetries)
	}
	if c.Orchestrator.DefaultTimeout <= 0 {
		return errors.New("config: AI_DEFAULT_TIMEOUT must be a positive duration")
	}
	if c.Orchestrator.RetryDelay <= 0 {
		return errors.New("config: AI_RETRY_DELAY must be a positive duration")
	}
	if c.Orchestrator.MaxConcurrent < 0 {
		return errors.New("config: AI_MAX_CONCURRENT must be ≥ 0")
	}
	if c.Orchestrator.MaxQueueSize < 0 {
		return errors.New("config: AI_MAX_QUEUE_SIZE must be ≥ 0")
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: AI_CIRCUIT_BREAKER_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		return errors.New("config: AI_CIRCUIT_BREAKER_RECOVERY_TIMEOUT must be a positive duration")
	}
	if c.CircuitBreaker.MonitoringPeriod <= 0 {
		return errors.New("config: AI_CIRCUIT_BREAKER_MONITORING_PERIOD must be a positive duration")
	}

	if c.Cache.Enabled && c.Cache.MaxSize < 1 {
		return fmt.Errorf("config: AI_CACHE_MAX_SIZE must be ≥ 1 when caching is enabled, got %d", c.Cache.MaxSize)
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return errors.New("config: AI_CACHE_TTL must be a positive duration when caching is enabled")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
