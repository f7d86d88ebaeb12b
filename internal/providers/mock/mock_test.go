package mock

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/pkg/gatewayerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapter_DefaultRequestSucceeds(t *testing.T) {
	a := New()
	resp, err := a.Request(context.Background(), &providers.Request{Model: "mock-standard", Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "mock response", resp.Content)
	assert.Equal(t, 1, a.CallCount())
}

func TestAdapter_ScriptedSequenceConsumedInOrder(t *testing.T) {
	wantErr := gatewayerr.NewNetwork("mock", assert.AnError)
	a := New(
		Step{Err: wantErr},
		Step{Response: &providers.Response{Content: "second"}},
	)

	req := &providers.Request{Model: "mock-standard", Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}}}

	_, err := a.Request(context.Background(), req)
	assert.Equal(t, wantErr, err)

	resp, err := a.Request(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content)
}

func TestAdapter_ScriptExhaustedRepeatsLastStep(t *testing.T) {
	a := New(Step{Response: &providers.Response{Content: "only"}})
	req := &providers.Request{Model: "mock-standard", Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}}}

	for i := 0; i < 3; i++ {
		resp, err := a.Request(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "only", resp.Content)
	}
	assert.Equal(t, 3, a.CallCount())
}

func TestAdapter_RequestRecordsCalls(t *testing.T) {
	a := New()
	req := &providers.Request{Model: "mock-standard", Messages: []providers.Message{{Role: providers.RoleUser, Content: "track me"}}}
	_, _ = a.Request(context.Background(), req)

	got := a.Requests()
	require.Len(t, got, 1)
	assert.Equal(t, "track me", got[0].Messages[0].Content)
}

func TestAdapter_DelayRespectsContextCancellation(t *testing.T) {
	a := New(Step{Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Request(ctx, &providers.Request{Model: "mock-standard"})
	require.Error(t, err)
	ge, ok := gatewayerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.Timeout, ge.Kind)
}

func TestAdapter_StreamRequestDefaultProducesTwoChunks(t *testing.T) {
	a := New()
	ch, err := a.StreamRequest(context.Background(), &providers.Request{Model: "mock-standard"})
	require.NoError(t, err)

	var chunks []providers.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.False(t, chunks[0].Done)
	assert.True(t, chunks[1].Done)
	assert.NotNil(t, chunks[1].Usage)
}

func TestAdapter_StreamRequestScriptedChunks(t *testing.T) {
	a := New(Step{Chunks: []providers.StreamChunk{
		{Delta: "a"}, {Delta: "b"}, {Done: true},
	}})
	ch, err := a.StreamRequest(context.Background(), &providers.Request{Model: "mock-standard"})
	require.NoError(t, err)

	var got []string
	for c := range ch {
		got = append(got, c.Delta)
	}
	assert.Equal(t, []string{"a", "b", ""}, got)
}

func TestAdapter_StreamRequestErrStepFailsBeforeStreaming(t *testing.T) {
	wantErr := gatewayerr.NewModelNotAvailable("mock", "nope")
	a := New(Step{Err: wantErr})
	_, err := a.StreamRequest(context.Background(), &providers.Request{Model: "mock-standard"})
	assert.Equal(t, wantErr, err)
}

func TestAdapter_HealthCheckReflectsSetHealthy(t *testing.T) {
	a := New()
	assert.True(t, a.HealthCheck(context.Background()))
	a.SetHealthy(false)
	assert.False(t, a.HealthCheck(context.Background()))
}

func TestAdapter_InitializeSeedsModelsFromCatalog(t *testing.T) {
	a := New()
	require.NoError(t, a.Initialize(context.Background()))
	models := a.GetModels()
	require.NotEmpty(t, models)
	for _, m := range models {
		assert.Equal(t, "mock", m.Provider)
	}
}
