// Package qwen adapts Alibaba Cloud's DashScope text-generation API for the
// Qwen model family. Unlike DeepSeek and Kimi, DashScope's wire shape is not
// OpenAI-compatible (input.messages / parameters.* / output.text), and no
// available SDK speaks it, so this adapter talks to DashScope directly over
// net/http in the same structural shape as the openaicompat package —
// request builder, response handler, streaming handler, provider error type
// — just against a bespoke JSON body instead of a generated client.
package qwen

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/aurorarelay/internal/catalog"
	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/pkg/gatewayerr"
)

const (
	providerName   = "qwen"
	defaultBaseURL = "https://dashscope.aliyuncs.com/api/v1"
	generationPath = "/services/aigc/text-generation/generation"
)

// Adapter implements providers.Adapter for DashScope/Qwen.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration

	mu     sync.RWMutex
	models []providers.Model

	rlMu        sync.Mutex
	rateLimited bool
	rateLimitAt time.Time
}

// New creates a Qwen/DashScope adapter.
func New(apiKey, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    providers.DefaultTimeout,
		httpClient: &http.Client{Timeout: providers.DefaultTimeout},
	}
}

func (a *Adapter) Name() string { return providerName }

// Initialize has no upstream model-listing endpoint to probe against, so it
// validates the API key with a minimal generation call instead, per the
// adapter contract's "list models or a trivial generation" allowance.
func (a *Adapter) Initialize(ctx context.Context) error {
	probe := &providers.Request{
		Model:     "qwen-turbo",
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}

	if _, err := a.doGeneration(ctx, probe, false); err != nil {
		return err
	}

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
	hctx, cancel := context.WithTimeout(ctx, providers.DefaultHealthTimeout)
	defer cancel()

	req := &providers.Request{Model: "qwen-turbo", Messages: []providers.Message{{Role: providers.RoleUser, Content: "ping"}}, MaxTokens: 1}
	_, err := a.doGeneration(hctx, req, false)
	return err == nil
}

func (a *Adapter) GetModels() []providers.Model {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.models
}

func (a *Adapter) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if err := providers.ValidateRequest(providerName, req); err != nil {
		return nil, err
	}

	deadline := providers.RequestTimeout(a.timeout, req.MaxTokens)
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	body, err := a.doGeneration(callCtx, req, false)
	if err != nil {
		return nil, err
	}

	var parsed generationResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, gatewayerr.New(providerName, "decode_error", false, err)
	}

	return &providers.Response{
		Content:  parsed.Output.Text,
		ModelID:  req.Model,
		Provider: providerName,
		Usage: providers.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
		Metadata: providers.ResponseMetadata{
			DurationMs:   time.Since(start).Milliseconds(),
			Timestamp:    time.Now(),
			FinishReason: mapFinishReason(parsed.Output.FinishReason),
		},
	}, nil
}

func (a *Adapter) StreamRequest(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	if err := providers.ValidateRequest(providerName, req); err != nil {
		return nil, err
	}

	deadline := providers.RequestTimeout(a.timeout, req.MaxTokens)
	callCtx, cancel := context.WithTimeout(ctx, deadline)

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer cancel()
		defer close(ch)

		httpResp, err := a.send(callCtx, req, true)
		if err != nil {
			ch <- providers.StreamChunk{Done: true, Provider: providerName, Err: err}
			return
		}
		defer httpResp.Body.Close()

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue // SSE id:/event: framing lines are ignored
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var parsed generationResponse
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				// A malformed chunk is skipped without logging; mid-stream
				// it must not abort the whole stream.
				continue
			}

			if parsed.Output.FinishReason != "" && parsed.Output.FinishReason != "null" {
				ch <- providers.StreamChunk{
					Delta: parsed.Output.Text, Done: true, ModelID: req.Model, Provider: providerName,
					Usage: &providers.Usage{
						InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens,
						TotalTokens: parsed.Usage.TotalTokens,
					},
				}
				return
			}
			if parsed.Output.Text != "" {
				ch <- providers.StreamChunk{Delta: parsed.Output.Text, ModelID: req.Model, Provider: providerName}
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- providers.StreamChunk{Done: true, Provider: providerName, Err: gatewayerr.NewNetwork(providerName, err)}
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

// ── wire format ──────────────────────────────────────────────────────────

type dashscopeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generationRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []dashscopeMessage `json:"messages"`
	} `json:"input"`
	Parameters struct {
		Temperature       *float64 `json:"temperature,omitempty"`
		TopP              *float64 `json:"top_p,omitempty"`
		MaxTokens         int      `json:"max_tokens,omitempty"`
		IncrementalOutput bool     `json:"incremental_output,omitempty"`
	} `json:"parameters"`
}

type generationResponse struct {
	Output struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *Adapter) doGeneration(ctx context.Context, req *providers.Request, stream bool) ([]byte, error) {
	resp, err := a.send(ctx, req, stream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gatewayerr.NewNetwork(providerName, err)
	}

	if resp.StatusCode >= 400 {
		return nil, a.mapStatusError(resp.StatusCode, body)
	}

	return body, nil
}

func (a *Adapter) send(ctx context.Context, req *providers.Request, stream bool) (*http.Response, error) {
	var body generationRequest
	body.Model = req.Model

	if req.SystemPrompt != "" {
		body.Input.Messages = append(body.Input.Messages, dashscopeMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		body.Input.Messages = append(body.Input.Messages, dashscopeMessage{Role: string(m.Role), Content: m.Content})
	}

	if req.HasTemp {
		t := req.Temperature
		body.Parameters.Temperature = &t
	}
	if req.HasTopP {
		t := req.TopP
		body.Parameters.TopP = &t
	}
	if req.MaxTokens > 0 {
		body.Parameters.MaxTokens = req.MaxTokens
	}
	body.Parameters.IncrementalOutput = stream

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, gatewayerr.NewInvalidRequest(providerName, "failed to encode request body")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+generationPath, bytes.NewReader(payload))
	if err != nil {
		return nil, gatewayerr.NewNetwork(providerName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if stream {
		httpReq.Header.Set("X-DashScope-SSE", "enable")
	} else {
		httpReq.Header.Set("X-DashScope-SSE", "disable")
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gatewayerr.NewTimeout(providerName, 0, err)
		}
		return nil, gatewayerr.NewNetwork(providerName, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		a.rlMu.Lock()
		a.rateLimited = true
		a.rateLimitAt = time.Now().Add(60 * time.Second)
		a.rlMu.Unlock()
	}

	return resp, nil
}

func (a *Adapter) mapStatusError(status int, body []byte) error {
	var parsed generationResponse
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Message
	if msg == "" {
		msg = string(body)
	}

	switch status {
	case 401, 403:
		return gatewayerr.NewAuthentication(providerName, fmt.Errorf("%s", msg))
	case 404:
		return gatewayerr.NewModelNotAvailable(providerName, "")
	case 429:
		return gatewayerr.NewRateLimit(providerName, time.Now().Add(60*time.Second), fmt.Errorf("%s", msg))
	}
	if status >= 500 {
		return gatewayerr.NewNetwork(providerName, fmt.Errorf("%s", msg))
	}
	return gatewayerr.New(providerName, parsed.Code, false, fmt.Errorf("%s", msg))
}

func mapFinishReason(r string) providers.FinishReason {
	switch r {
	case "stop", "":
		return providers.FinishStop
	case "length":
		return providers.FinishLength
	case "tool_calls":
		return providers.FinishFunctionCall
	default:
		return providers.FinishError
	}
}
