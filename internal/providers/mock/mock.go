// Package mock provides an in-process providers.Adapter implementation used
// by orchestrator tests to script exact response and failure sequences
// without a network round trip. It is distinct from mock/providers/, which
// runs real HTTP servers simulating each upstream's wire protocol for
// integration and load testing — this package never touches the network.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/aurorarelay/internal/catalog"
	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/pkg/gatewayerr"
)

const providerName = "mock"

// Step describes one scripted outcome. Exactly one of Response or Err should
// be set; Delay simulates processing latency before the outcome is returned.
type Step struct {
	Response *providers.Response
	Chunks   []providers.StreamChunk
	Err      error
	Delay    time.Duration
}

// Adapter is a scripted providers.Adapter. Calls to Request/StreamRequest
// consume Steps in order; once exhausted it repeats the last Step
// indefinitely so tests don't need to size the script exactly to call count.
type Adapter struct {
	mu        sync.Mutex
	steps     []Step
	callCount int
	healthy   bool
	models    []providers.Model

	requests []providers.Request // records every request seen, for assertions
}

// New creates a mock adapter with the given scripted steps. With no steps,
// every call returns a default successful Response.
func New(steps ...Step) *Adapter {
	return &Adapter{steps: steps, healthy: true}
}

// SetHealthy overrides what HealthCheck reports.
func (a *Adapter) SetHealthy(h bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = h
}

// Requests returns a copy of every request the adapter has received so far.
func (a *Adapter) Requests() []providers.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]providers.Request, len(a.requests))
	copy(out, a.requests)
	return out
}

// CallCount returns how many times Request or StreamRequest has been called.
func (a *Adapter) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callCount
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Initialize(ctx context.Context) error {
	caps := catalog.ForProvider(providerName)
	models := make([]providers.Model, 0, len(caps))
	for _, c := range caps {
		models = append(models, providers.Model{ID: c.ModelID, DisplayName: c.ModelID, Provider: providerName, Available: true})
	}
	a.mu.Lock()
	a.models = models
	a.mu.Unlock()
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy
}

func (a *Adapter) GetModels() []providers.Model {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.models
}

func (a *Adapter) nextStep() Step {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.callCount
	a.callCount++

	if len(a.steps) == 0 {
		return Step{}
	}
	if idx >= len(a.steps) {
		idx = len(a.steps) - 1
	}
	return a.steps[idx]
}

func (a *Adapter) record(req *providers.Request) {
	a.mu.Lock()
	a.requests = append(a.requests, *req)
	a.mu.Unlock()
}

func (a *Adapter) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	a.record(req)

	step := a.nextStep()
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, gatewayerr.NewTimeout(providerName, step.Delay.Milliseconds(), ctx.Err())
		}
	}

	if step.Err != nil {
		return nil, step.Err
	}
	if step.Response != nil {
		return step.Response, nil
	}

	return &providers.Response{
		Content:  "mock response",
		ModelID:  req.Model,
		Provider: providerName,
		Usage:    providers.Usage{InputTokens: 5, OutputTokens: 5, TotalTokens: 10},
		Metadata: providers.ResponseMetadata{
			DurationMs:   0,
			Timestamp:    time.Now(),
			FinishReason: providers.FinishStop,
		},
	}, nil
}

func (a *Adapter) StreamRequest(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	a.record(req)

	step := a.nextStep()
	if step.Err != nil {
		return nil, step.Err
	}

	ch := make(chan providers.StreamChunk, len(step.Chunks)+1)
	go func() {
		defer close(ch)
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-ctx.Done():
				ch <- providers.StreamChunk{Done: true, Provider: providerName, Err: gatewayerr.NewTimeout(providerName, step.Delay.Milliseconds(), ctx.Err())}
				return
			}
		}

		if len(step.Chunks) == 0 {
			ch <- providers.StreamChunk{Delta: "mock ", ModelID: req.Model, Provider: providerName}
			ch <- providers.StreamChunk{
				Done: true, ModelID: req.Model, Provider: providerName,
				Usage: &providers.Usage{InputTokens: 5, OutputTokens: 5, TotalTokens: 10},
			}
			return
		}
		for _, c := range step.Chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (a *Adapter) GetRateLimitStatus() providers.RateLimitStatus {
	return providers.RateLimitStatus{Remaining: 1000, Limit: 1000, ResetAt: time.Now().Add(time.Minute)}
}
