// Package openaicompat is a generic OpenAI-compatible adapter. DeepSeek and
// Kimi both speak the OpenAI chat-completions wire format, so each gets a
// thin wrapper package that configures this adapter with its own name, base
// URL, and API key rather than duplicating the request/response
// translation.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/aurorarelay/internal/catalog"
	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/pkg/gatewayerr"
)

// Adapter is a configurable OpenAI-compatible providers.Adapter.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
	timeout time.Duration

	mu     sync.RWMutex
	models []providers.Model

	rlMu        sync.Mutex
	rateLimited bool
	rateLimitAt time.Time
}

// New creates an OpenAI-compatible adapter under the given provider name.
func New(name, apiKey, baseURL string) *Adapter {
	a := &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		timeout: providers.DefaultTimeout,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: a.timeout}),
	}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}

	a.client = openaiSDK.NewClient(opts...)
	return a
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Initialize(ctx context.Context) error {
	_, err := a.client.Models.List(ctx)
	if err != nil {
		return a.toGatewayErr(err)
	}

	caps := catalog.ForProvider(a.name)
	models := make([]providers.Model, 0, len(caps))
	for _, c := range caps {
		models = append(models, providers.Model{ID: c.ModelID, DisplayName: c.ModelID, Provider: a.name, Available: true})
	}

	a.mu.Lock()
	a.models = models
	a.mu.Unlock()

	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, providers.DefaultHealthTimeout)
	defer cancel()
	_, err := a.client.Models.List(hctx)
	return err == nil
}

func (a *Adapter) GetModels() []providers.Model {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.models
}

func (a *Adapter) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if err := providers.ValidateRequest(a.name, req); err != nil {
		return nil, err
	}

	params := a.buildParams(req)

	deadline := providers.RequestTimeout(a.timeout, req.MaxTokens)
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	resp, err := a.client.Chat.Completions.New(callCtx, params)
	if err != nil {
		a.noteRateLimit(err)
		return nil, a.toGatewayErr(err)
	}

	content := ""
	finish := providers.FinishStop
	var fc *providers.FunctionCall
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		content = choice.Message.Content
		finish = mapFinishReason(string(choice.FinishReason))
		if len(choice.Message.ToolCalls) > 0 {
			tc := choice.Message.ToolCalls[0]
			fc = &providers.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
			finish = providers.FinishFunctionCall
		}
	}

	inTok := int(resp.Usage.PromptTokens)
	outTok := int(resp.Usage.CompletionTokens)

	return &providers.Response{
		Content:  content,
		ModelID:  resp.Model,
		Provider: a.name,
		Usage:    providers.Usage{InputTokens: inTok, OutputTokens: outTok, TotalTokens: inTok + outTok},
		Metadata: providers.ResponseMetadata{
			DurationMs:   time.Since(start).Milliseconds(),
			Timestamp:    time.Now(),
			FinishReason: finish,
			FunctionCall: fc,
		},
	}, nil
}

func (a *Adapter) StreamRequest(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	if err := providers.ValidateRequest(a.name, req); err != nil {
		return nil, err
	}

	params := a.buildParams(req)

	deadline := providers.RequestTimeout(a.timeout, req.MaxTokens)
	callCtx, cancel := context.WithTimeout(ctx, deadline)

	ch := make(chan providers.StreamChunk, 64)

	stream := a.client.Chat.Completions.NewStreaming(callCtx, params)

	go func() {
		defer cancel()
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			if c.FinishReason != "" {
				ch <- providers.StreamChunk{
					Delta: c.Delta.Content, Done: true, ModelID: chunk.Model, Provider: a.name,
					Usage: &providers.Usage{
						InputTokens: int(chunk.Usage.PromptTokens), OutputTokens: int(chunk.Usage.CompletionTokens),
						TotalTokens: int(chunk.Usage.TotalTokens),
					},
				}
				return
			}
			if c.Delta.Content != "" {
				ch <- providers.StreamChunk{Delta: c.Delta.Content, ModelID: chunk.Model, Provider: a.name}
			}
		}

		if err := stream.Err(); err != nil {
			a.noteRateLimit(err)
			ch <- providers.StreamChunk{Done: true, Provider: a.name, Err: a.toGatewayErr(err)}
		}
	}()

	return ch, nil
}

func (a *Adapter) GetRateLimitStatus() providers.RateLimitStatus {
	a.rlMu.Lock()
	defer a.rlMu.Unlock()
	if a.rateLimited {
		return providers.RateLimitStatus{Remaining: 0, Limit: 0, ResetAt: a.rateLimitAt}
	}
	return providers.RateLimitStatus{Remaining: 1, Limit: 1, ResetAt: time.Now().Add(time.Minute)}
}

func (a *Adapter) noteRateLimit(err error) {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) && apierr.StatusCode == 429 {
		a.rlMu.Lock()
		a.rateLimited = true
		a.rateLimitAt = time.Now().Add(60 * time.Second)
		a.rlMu.Unlock()
	}
}

func (a *Adapter) buildParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.HasTemp {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.HasTopP {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Functions) > 0 {
		tools := make([]openaiSDK.ChatCompletionToolUnionParam, 0, len(req.Functions))
		for _, f := range req.Functions {
			tools = append(tools, openaiSDK.ChatCompletionFunctionTool(openaiSDK.FunctionDefinitionParam{
				Name:        f.Name,
				Description: openaiSDK.String(f.Description),
				Parameters:  f.Parameters,
			}))
		}
		params.Tools = tools
	}

	return params
}

func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	switch m.Role {
	case providers.RoleSystem:
		return openaiSDK.SystemMessage(m.Content)
	case providers.RoleAssistant:
		return openaiSDK.AssistantMessage(m.Content)
	case providers.RoleFunction:
		return openaiSDK.UserMessage(m.Content) // tool-result framing is adapter-internal; content carries the result
	default:
		return openaiSDK.UserMessage(m.Content)
	}
}

// mapFinishReason passes OpenAI's finish_reason through unchanged except for
// normalizing it onto the gateway's FinishReason type.
func mapFinishReason(r string) providers.FinishReason {
	switch r {
	case "length":
		return providers.FinishLength
	case "tool_calls", "function_call":
		return providers.FinishFunctionCall
	case "stop", "":
		return providers.FinishStop
	default:
		return providers.FinishError
	}
}

func (a *Adapter) toGatewayErr(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return gatewayerr.NewAuthentication(a.name, apierr)
		case 404:
			return gatewayerr.NewModelNotAvailable(a.name, "")
		case 429:
			return gatewayerr.NewRateLimit(a.name, time.Now().Add(60*time.Second), apierr)
		}
		if apierr.StatusCode >= 500 {
			return gatewayerr.NewNetwork(a.name, apierr)
		}
		return gatewayerr.New(a.name, fmt.Sprintf("%d", apierr.StatusCode), false, apierr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return gatewayerr.NewTimeout(a.name, 0, err)
	}

	return gatewayerr.NewNetwork(a.name, err)
}
