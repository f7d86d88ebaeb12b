package httpapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/aurorarelay/internal/config"
	"github.com/nulpointcorp/aurorarelay/internal/gateway"
)

// testServer builds a Server backed by a facade with only the mock provider
// enabled, so these tests never touch a real network. gateway.Initialize is a
// process-wide singleton; this is the only place in this package that calls
// it, so every test in this file shares one facade instance.
func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		LogLevel: "info",
		Mock:     config.ProviderConfig{Enabled: true, Priority: 1},
		Orchestrator: config.OrchestratorConfig{
			LoadBalancingStrategy: "priority",
			DefaultTimeout:        1_000_000_000,
			MaxRetries:            3,
			RetryDelay:            1_000_000,
		},
		Cache: config.CacheConfig{Enabled: true, MaxSize: 100, TTL: 60_000_000_000},
	}
	facade, err := gateway.Initialize(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	return New(facade, nil, nil)
}

func newCtx(method, body string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetBodyString(body)
	return ctx
}

func TestHandleChatCompletions_Success(t *testing.T) {
	s := testServer(t)
	ctx := newCtx(fasthttp.MethodPost, `{
		"model": "mock-standard",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	s.handleChatCompletions(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var resp chatResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "mock", resp.Provider)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.NotEmpty(t, resp.Choices)
}

func TestHandleChatCompletions_InvalidBody(t *testing.T) {
	s := testServer(t)
	ctx := newCtx(fasthttp.MethodPost, `not json`)

	s.handleChatCompletions(ctx)

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleModels_ReturnsNonEmptyList(t *testing.T) {
	s := testServer(t)
	ctx := newCtx(fasthttp.MethodGet, "")

	s.handleModels(ctx)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var body struct {
		Object string `json:"object"`
		Data   []any  `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, "list", body.Object)
	assert.NotEmpty(t, body.Data)
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	s := testServer(t)
	ctx := newCtx(fasthttp.MethodGet, "")

	s.handleHealth(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var body struct {
		Healthy bool `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	assert.True(t, body.Healthy)
}

func TestHandleStats_ReturnsSnapshot(t *testing.T) {
	s := testServer(t)
	ctx := newCtx(fasthttp.MethodGet, "")

	s.handleStats(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.NotEmpty(t, ctx.Response.Body())
}

func TestHandleResetBreaker_RequiresProvider(t *testing.T) {
	s := testServer(t)
	ctx := newCtx(fasthttp.MethodPost, "")

	s.handleResetBreaker(ctx)

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleResetBreaker_Success(t *testing.T) {
	s := testServer(t)
	ctx := newCtx(fasthttp.MethodPost, "")
	ctx.SetUserValue("provider", "mock")

	s.handleResetBreaker(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestHandleClearCache_Success(t *testing.T) {
	s := testServer(t)
	ctx := newCtx(fasthttp.MethodPost, "")

	s.handleClearCache(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}
