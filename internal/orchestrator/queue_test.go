package orchestrator

import (
	"context"
	"sync"
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

// newQueuedOrchestrator wires a single slow provider behind a 1-slot admission
// gate, so a second concurrent request is always forced through the queue.
func newQueuedOrchestrator(t *testing.T, maxQueueSize int, stepDelay time.Duration, steps int) (*Orchestrator, *mock.Adapter) {
	t.Helper()

	mockSteps := make([]mock.Step, steps)
	for i := range mockSteps {
		mockSteps[i] = mock.Step{
			Response: &providers.Response{Content: "ok", Provider: "mock"},
			Delay:    stepDelay,
		}
	}
	a := mock.New(mockSteps...)
	adapters := map[string]providers.Adapter{"mock": a}
	entries := []router.Entry{{Name: "mock", Adapter: a, Priority: 1, ReliabilityLevel: router.ReliabilityHigh, CostTier: router.CostMedium}}

	b := breaker.NewSet(breaker.Config{})
	mc := cache.NewFingerprintCache(context.Background(), 1000)
	t.Cleanup(mc.Close)

	o := New(adapters, entries, b, mc, Config{
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
		CacheEnabled:  false,
		MaxConcurrent: 1,
		QueueEnabled:  true,
		MaxQueueSize:  maxQueueSize,
		QueueTimeout:  time.Second,
	}, nil)
	return o, a
}

// A queued request's admission must increment activeCount exactly once —
// whether that increment comes from processQueue (admitting the waiter) or
// from the fast path (skipping the queue entirely), never both.
func TestOrchestrator_QueueAdmission_DoesNotDoubleCountActive(t *testing.T) {
	o, _ := newQueuedOrchestrator(t, 4, 60*time.Millisecond, 2)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := o.ExecuteRequest(context.Background(), req("first"), router.Criteria{})
		assert.NoError(t, err)
	}()

	// Give the first request time to claim the only slot before the second
	// one is admitted and would observe activeAtCapacity().
	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, 1, o.ActiveRequestCount(), "first request should hold the only slot")

	go func() {
		defer wg.Done()
		_, err := o.ExecuteRequest(context.Background(), req("second"), router.Criteria{})
		assert.NoError(t, err)
	}()

	// The second request is now parked in the queue, waiting for the first
	// to finish. While both are outstanding, active must never exceed 1.
	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, 1, o.ActiveRequestCount(), "queued request must not bump active above the configured limit")

	// Shortly after the first request's ~60ms delay elapses, processQueue
	// admits the second waiter. If the bug were still present, the
	// resumed Enqueue caller would add a second, unaccounted-for
	// increment here, leaving active stuck above 1 even though only one
	// request is actually running.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, o.ActiveRequestCount(), "admitting the queued request must not double-increment active")

	wg.Wait()
	assert.Equal(t, 0, o.ActiveRequestCount(), "active must settle back to 0 once both requests complete")
}

// Once the queue itself is full, further admission attempts fail fast with
// QUEUE_FULL rather than blocking forever or silently dropping the request.
func TestOrchestrator_QueueFull_RejectsAdmission(t *testing.T) {
	o, _ := newQueuedOrchestrator(t, 1, 80*time.Millisecond, 3)

	var wg sync.WaitGroup
	wg.Add(2)

	// Occupies the only active slot.
	go func() {
		defer wg.Done()
		_, err := o.ExecuteRequest(context.Background(), req("holds-slot"), router.Criteria{})
		assert.NoError(t, err)
	}()
	time.Sleep(15 * time.Millisecond)

	// Fills the 1-entry queue.
	go func() {
		defer wg.Done()
		_, err := o.ExecuteRequest(context.Background(), req("fills-queue"), router.Criteria{})
		assert.NoError(t, err)
	}()
	time.Sleep(15 * time.Millisecond)

	// The queue is now full; this request must be rejected immediately
	// instead of waiting out QueueTimeout.
	start := time.Now()
	_, err := o.ExecuteRequest(context.Background(), req("overflow"), router.Criteria{})
	elapsed := time.Since(start)

	require.Error(t, err)
	ge, ok := gatewayerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "QUEUE_FULL", ge.Code)
	assert.Less(t, elapsed, 500*time.Millisecond, "a full queue must reject immediately, not block")

	wg.Wait()
}
