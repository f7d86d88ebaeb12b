// Package breaker implements a per-provider circuit breaker: a three-state
// closed/open/half-open machine with a rolling error window. Providers are
// registered lazily instead of from a fixed list, and Execute wraps a
// provider call with its own hard per-call timeout so one slow upstream
// can't stall the whole request.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/aurorarelay/internal/metrics"
	"github.com/nulpointcorp/aurorarelay/pkg/gatewayerr"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

// Config holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults.
type Config struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

const (
	DefaultErrorThreshold  = 5
	DefaultTimeWindow      = 60 * time.Second
	DefaultHalfOpenTimeout = 30 * time.Second
)

func (c Config) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return DefaultErrorThreshold
}

func (c Config) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return DefaultTimeWindow
}

func (c Config) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return DefaultHalfOpenTimeout
}

// providerState holds per-provider breaker state.
type providerState struct {
	mu sync.Mutex

	st            state
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// Set manages independent circuit breakers keyed by provider name. Providers
// are registered on first use, since the gateway's provider set is
// config-driven and may not be known at construction time.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*providerState
	cfg      Config

	metrics *metrics.Registry // optional; nil means no Prometheus reporting
}

// NewSet creates an empty breaker set with the given config.
func NewSet(cfg Config) *Set {
	return &Set{breakers: make(map[string]*providerState), cfg: cfg}
}

// WithMetrics attaches a Prometheus registry that every state transition and
// rejection reports to. Passing nil disables reporting.
func (s *Set) WithMetrics(m *metrics.Registry) *Set {
	s.metrics = m
	return s
}

// reportState pushes provider's current state to the registry, matching the
// gauge's documented 0=closed, 1=open, 2=half-open convention.
func (s *Set) reportState(provider string, st state) {
	if s.metrics == nil {
		return
	}
	s.metrics.SetCircuitBreaker(provider, int64(st))
}

func (s *Set) get(provider string) *providerState {
	s.mu.RLock()
	pst, ok := s.breakers[provider]
	s.mu.RUnlock()
	if ok {
		return pst
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pst, ok := s.breakers[provider]; ok {
		return pst
	}
	pst = &providerState{st: closed, windowStart: time.Now()}
	s.breakers[provider] = pst
	return pst
}

// Allow reports whether provider should receive the next request.
func (s *Set) Allow(provider string) bool {
	pst := s.get(provider)

	pst.mu.Lock()
	defer pst.mu.Unlock()

	switch pst.st {
	case closed:
		return true
	case open:
		if time.Since(pst.openedAt) >= s.cfg.halfOpenTimeout() {
			pst.st = halfOpen
			pst.probeInflight = true
			s.reportState(provider, halfOpen)
			return true
		}
		if s.metrics != nil {
			s.metrics.RecordCircuitBreakerRejection(provider, "open")
		}
		return false
	case halfOpen:
		if pst.probeInflight {
			if s.metrics != nil {
				s.metrics.RecordCircuitBreakerRejection(provider, "half_open")
			}
			return false
		}
		pst.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess resets provider's breaker to closed.
func (s *Set) RecordSuccess(provider string) {
	pst := s.get(provider)
	pst.mu.Lock()
	defer pst.mu.Unlock()

	pst.st = closed
	pst.errorCount = 0
	pst.probeInflight = false
	pst.windowStart = time.Now()
	s.reportState(provider, closed)
}

// RecordFailure increments provider's error counter and opens the breaker
// once the threshold is reached within the rolling window. A failure while
// half-open always reopens immediately, regardless of the threshold.
func (s *Set) RecordFailure(provider string) {
	pst := s.get(provider)
	pst.mu.Lock()
	defer pst.mu.Unlock()

	now := time.Now()

	if pst.st == halfOpen {
		pst.st = open
		pst.openedAt = now
		pst.probeInflight = false
		s.reportState(provider, open)
		return
	}

	if now.Sub(pst.windowStart) > s.cfg.timeWindow() {
		pst.errorCount = 0
		pst.windowStart = now
	}

	pst.errorCount++
	pst.probeInflight = false

	if pst.errorCount >= s.cfg.errorThreshold() {
		pst.st = open
		pst.openedAt = now
		s.reportState(provider, open)
	}
}

// Reset forces provider's breaker back to closed, discarding any accumulated
// error count. Exposed as an operator hook (e.g. a manual override endpoint)
// distinct from the automatic RecordSuccess path.
func (s *Set) Reset(provider string) {
	pst := s.get(provider)
	pst.mu.Lock()
	defer pst.mu.Unlock()
	pst.st = closed
	pst.errorCount = 0
	pst.probeInflight = false
	pst.windowStart = time.Now()
	s.reportState(provider, closed)
}

// StateLabel returns "closed", "open", or "half_open" for provider.
func (s *Set) StateLabel(provider string) string {
	pst := s.get(provider)
	pst.mu.Lock()
	defer pst.mu.Unlock()
	switch pst.st {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// NextAttemptAt returns when an open breaker will next allow a probe. The
// second return is false when the breaker is not currently open.
func (s *Set) NextAttemptAt(provider string) (time.Time, bool) {
	pst := s.get(provider)
	pst.mu.Lock()
	defer pst.mu.Unlock()
	if pst.st != open {
		return time.Time{}, false
	}
	return pst.openedAt.Add(s.cfg.halfOpenTimeout()), true
}

// LastFailureAt returns the start of the current error-counting window, used
// by status reporting to show how recently a provider has been failing.
func (s *Set) LastFailureAt(provider string) time.Time {
	pst := s.get(provider)
	pst.mu.Lock()
	defer pst.mu.Unlock()
	return pst.windowStart
}

// FailureCount returns the current error count within the rolling window,
// used by the router to penalize recently-failing providers in scoring.
func (s *Set) FailureCount(provider string) int {
	pst := s.get(provider)
	pst.mu.Lock()
	defer pst.mu.Unlock()
	return pst.errorCount
}

// IsOpen reports whether provider's breaker is currently in the open state,
// without the side effects Allow has (transitioning to half-open, marking a
// probe inflight). Used for status reporting.
func (s *Set) IsOpen(provider string) bool {
	pst := s.get(provider)
	pst.mu.Lock()
	defer pst.mu.Unlock()
	return pst.st == open
}

// CanAttempt reports whether provider would currently be allowed a call,
// same logic as Allow, but without Allow's side effects (transitioning open
// to half-open, marking a probe inflight). Used by the router's availability
// filter, which must consult many candidates without "spending" the single
// half-open trial on a provider that isn't ultimately selected — the
// mutating transition only happens via Allow/Execute on the provider
// actually chosen.
func (s *Set) CanAttempt(provider string) bool {
	pst := s.get(provider)
	pst.mu.Lock()
	defer pst.mu.Unlock()

	switch pst.st {
	case closed:
		return true
	case open:
		return time.Since(pst.openedAt) >= s.cfg.halfOpenTimeout()
	case halfOpen:
		return !pst.probeInflight
	}
	return true
}

// Execute runs fn under a hard per-call timeout if the breaker allows the
// request, recording success or failure based on the outcome. Returns
// gatewayerr.NewCircuitOpen if the breaker currently rejects the provider,
// and gatewayerr.NewTimeout if fn does not return before timeout.
func (s *Set) Execute(ctx context.Context, provider string, timeout time.Duration, fn func(context.Context) error) error {
	if !s.Allow(provider) {
		return gatewayerr.NewCircuitOpen(provider)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		if err != nil {
			s.RecordFailure(provider)
			return err
		}
		s.RecordSuccess(provider)
		return nil
	case <-callCtx.Done():
		s.RecordFailure(provider)
		return gatewayerr.NewTimeout(provider, timeout.Milliseconds(), callCtx.Err())
	}
}
