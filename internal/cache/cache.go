// Package cache provides the response cache sitting in front of provider
// adapters. A single in-process backend is offered — FingerprintCache, an
// in-memory cache bounded by entry count with FIFO eviction — plus an
// optional Redis-backed layer for multi-instance deployments that need a
// cache shared across replicas.
//
// Both implement the Cache interface so the orchestrator never needs to know
// which backend is wired in.
package cache

import (
	"context"
	"time"
)

// Cache is the contract the orchestrator's response cache relies on. Get
// returns (nil, false) on a miss — including an expired or evicted entry —
// never an error; a cache is an optimization, never a required dependency.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
}
