// Package router selects a provider for a request: a capability/cost/health-
// scored selection over a small, config-driven provider set, plus a
// separate unscored load-balancing path, per the gateway's routing design.
package router

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/aurorarelay/internal/breaker"
	"github.com/nulpointcorp/aurorarelay/internal/catalog"
	"github.com/nulpointcorp/aurorarelay/internal/providers"
)

// Strategy names for the unscored load-balancing path.
const (
	StrategyPriority     = "priority"
	StrategyRoundRobin   = "round-robin"
	StrategyRandom       = "random"
	StrategyLeastLatency = "least-latency"
)

// ReliabilityLevel and CostTier are per-provider static configuration
// consulted by scoring; they come from provider config, not from any
// upstream signal.
type ReliabilityLevel string

const (
	ReliabilityHigh   ReliabilityLevel = "high"
	ReliabilityMedium ReliabilityLevel = "medium"
	ReliabilityLow    ReliabilityLevel = "low"
)

type CostTier string

const (
	CostLow    CostTier = "low"
	CostMedium CostTier = "medium"
	CostHigh   CostTier = "high"
)

func (r ReliabilityLevel) multiplier() float64 {
	switch r {
	case ReliabilityHigh:
		return 1.0
	case ReliabilityMedium:
		return 0.7
	case ReliabilityLow:
		return 0.4
	default:
		return 0.7
	}
}

// RequiredCapabilities narrows which providers may serve a request beyond
// what the request itself implies.
type RequiredCapabilities struct {
	Streaming        bool
	FunctionCalling  bool
	Images           bool
	Documents        bool
	MinContextTokens int
}

// Criteria carries the routing preferences accompanying a request.
type Criteria struct {
	RequiredCapabilities RequiredCapabilities
	CostPreference       CostTier
	ReliabilityLevel     ReliabilityLevel
	Performance          string // "speed" | "quality" | "balanced"
	PreferredProvider    string
	ExcludedProviders    []string
}

func (c Criteria) excludes(provider string) bool {
	for _, p := range c.ExcludedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// Entry is the static, config-driven description of one registered
// provider: its adapter plus the attributes scoring and load-balancing
// consult.
type Entry struct {
	Name             string
	Adapter          providers.Adapter
	Priority         int
	ReliabilityLevel ReliabilityLevel
	CostTier         CostTier
}

// Selection is the outcome of SelectProvider.
type Selection struct {
	Provider   string
	Adapter    providers.Adapter
	Confidence float64
	Reason     string
	Fallbacks  []string
}

// LatencySource reports a rolling average latency for a provider, used by
// the least-latency load-balancing strategy. Implemented by the
// orchestrator's stats aggregator.
type LatencySource interface {
	AverageLatencyMs(provider string) (ms float64, ok bool)
}

// Router picks a provider for a request, either by capability/cost/health
// score (SelectProvider) or by one of the unscored load-balancing
// strategies (LoadBalance).
type Router struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string // insertion order, for stable tie-breaks and round-robin

	breakers *breaker.Set
	latency  LatencySource

	healthMu sync.RWMutex
	healthy  map[string]bool

	rrMu    sync.Mutex
	rrIndex int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Router. latency may be nil; the least-latency strategy then
// always falls back to priority.
func New(breakers *breaker.Set, latency LatencySource) *Router {
	return &Router{
		entries:  make(map[string]*Entry),
		breakers: breakers,
		latency:  latency,
		healthy:  make(map[string]bool),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds or replaces a provider entry. Newly registered providers
// default to healthy until the background health sweep says otherwise.
func (r *Router) Register(e Entry) {
	r.mu.Lock()
	if _, exists := r.entries[e.Name]; !exists {
		r.order = append(r.order, e.Name)
	}
	r.entries[e.Name] = &e
	r.mu.Unlock()

	r.healthMu.Lock()
	if _, ok := r.healthy[e.Name]; !ok {
		r.healthy[e.Name] = true
	}
	r.healthMu.Unlock()
}

// SetHealthy records the outcome of a health-check sweep for provider. Called
// by the orchestrator's background health task, never by request handling
// itself.
func (r *Router) SetHealthy(provider string, ok bool) {
	r.healthMu.Lock()
	r.healthy[provider] = ok
	r.healthMu.Unlock()
}

func (r *Router) isHealthy(provider string) bool {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	ok, known := r.healthy[provider]
	return !known || ok
}

func (r *Router) snapshotEntries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// SelectProvider runs the availability filter, capability filter, and
// additive scoring pass, returning the best provider plus up to three
// fallbacks in descending-score order.
func (r *Router) SelectProvider(req *providers.Request, crit Criteria) (*Selection, error) {
	candidates := r.snapshotEntries()

	type scored struct {
		entry *Entry
		score float64
	}

	var survivors []scored
	for _, e := range candidates {
		if crit.excludes(e.Name) {
			continue
		}
		if e.Adapter == nil {
			continue
		}
		if !r.isHealthy(e.Name) {
			continue
		}
		if r.breakers != nil && !r.breakers.CanAttempt(e.Name) {
			continue
		}
		if !r.satisfiesCapabilities(e, req, crit) {
			continue
		}
		survivors = append(survivors, scored{entry: e, score: r.score(e, req, crit)})
	}

	if len(survivors) == 0 {
		return nil, fmt.Errorf("no providers available")
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].score != survivors[j].score {
			return survivors[i].score > survivors[j].score
		}
		return survivors[i].entry.Priority > survivors[j].entry.Priority
	})

	best := survivors[0]
	fallbacks := make([]string, 0, 3)
	for i := 1; i < len(survivors) && i <= 3; i++ {
		fallbacks = append(fallbacks, survivors[i].entry.Name)
	}

	confidence := best.score / 100
	if confidence > 1.0 {
		confidence = 1.0
	}

	return &Selection{
		Provider:   best.entry.Name,
		Adapter:    best.entry.Adapter,
		Confidence: confidence,
		Reason:     fmt.Sprintf("score=%.1f reliability=%s cost=%s", best.score, best.entry.ReliabilityLevel, best.entry.CostTier),
		Fallbacks:  fallbacks,
	}, nil
}

func (r *Router) satisfiesCapabilities(e *Entry, req *providers.Request, crit Criteria) bool {
	capInfo, hasModel := catalog.Lookup(req.Model)

	rc := crit.RequiredCapabilities
	if req.Stream || rc.Streaming {
		if hasModel && capInfo.Provider == e.Name && !capInfo.SupportsStreaming {
			return false
		}
	}
	if len(req.Functions) > 0 || rc.FunctionCalling {
		if hasModel && capInfo.Provider == e.Name && !capInfo.SupportsFunctionCalls {
			return false
		}
	}
	if rc.Images && hasModel && capInfo.Provider == e.Name && !capInfo.SupportsImages {
		return false
	}
	if rc.Documents && hasModel && capInfo.Provider == e.Name && !capInfo.SupportsDocuments {
		return false
	}
	if rc.MinContextTokens > 0 && hasModel && capInfo.Provider == e.Name && capInfo.MaxContextTokens < rc.MinContextTokens {
		return false
	}
	return true
}

func (r *Router) score(e *Entry, req *providers.Request, crit Criteria) float64 {
	score := 30.0 // availability

	reliability := e.ReliabilityLevel
	if reliability == "" {
		reliability = ReliabilityMedium
	}
	score += 25 * reliability.multiplier()

	costPref := crit.CostPreference
	if costPref == "" {
		costPref = CostMedium
	}
	switch {
	case costPref == CostLow && e.CostTier == CostLow:
		score += 20
	case costPref == CostMedium && e.CostTier == CostMedium:
		score += 15
	case costPref == CostHigh && e.CostTier == CostHigh:
		score += 10
	}

	capInfo, hasModel := catalog.Lookup(req.Model)
	modelIsThisProvider := hasModel && capInfo.Provider == e.Name

	if req.Stream && modelIsThisProvider && capInfo.SupportsStreaming {
		score += 3
	}
	if len(req.Functions) > 0 && modelIsThisProvider && capInfo.SupportsFunctionCalls {
		score += 5
	}
	if crit.RequiredCapabilities.Images && modelIsThisProvider && capInfo.SupportsImages {
		score += 4
	}
	if crit.RequiredCapabilities.Documents && modelIsThisProvider && capInfo.SupportsDocuments {
		score += 3
	}

	switch {
	case req.Model == "":
		// no model requested, neutral
	case !hasModel:
		score -= 2
	case modelIsThisProvider:
		score += 10
	default:
		score += 5 // model known, but belongs to a different provider: partial credit
	}

	if crit.PreferredProvider == e.Name {
		score += 15
	}

	if r.breakers != nil {
		score -= min(2*float64(r.breakers.FailureCount(e.Name)), 10)
	}

	if score < 0 {
		score = 0
	}
	return score
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// LoadBalance selects a provider without scoring, per the configured
// strategy. Only healthy, non-open-breaker providers are considered.
func (r *Router) LoadBalance(strategy string) (*Entry, error) {
	candidates := r.snapshotEntries()

	var healthy []*Entry
	for _, e := range candidates {
		if e.Adapter == nil || !r.isHealthy(e.Name) {
			continue
		}
		if r.breakers != nil && !r.breakers.CanAttempt(e.Name) {
			continue
		}
		healthy = append(healthy, e)
	}
	if len(healthy) == 0 {
		return nil, fmt.Errorf("no providers available")
	}

	switch strategy {
	case StrategyRoundRobin:
		r.rrMu.Lock()
		idx := r.rrIndex % len(healthy)
		r.rrIndex++
		r.rrMu.Unlock()
		return healthy[idx], nil

	case StrategyRandom:
		r.rngMu.Lock()
		idx := r.rng.Intn(len(healthy))
		r.rngMu.Unlock()
		return healthy[idx], nil

	case StrategyLeastLatency:
		if r.latency == nil {
			return r.highestPriority(healthy), nil
		}
		var best *Entry
		var bestMs float64
		for _, e := range healthy {
			ms, ok := r.latency.AverageLatencyMs(e.Name)
			if !ok {
				continue
			}
			if best == nil || ms < bestMs {
				best, bestMs = e, ms
			}
		}
		if best == nil {
			return r.highestPriority(healthy), nil
		}
		return best, nil

	default: // StrategyPriority and any unrecognized value
		return r.highestPriority(healthy), nil
	}
}

func (r *Router) highestPriority(entries []*Entry) *Entry {
	best := entries[0]
	for _, e := range entries[1:] {
		if e.Priority > best.Priority {
			best = e
		}
	}
	return best
}
