// Package gemini adapts Google's Gemini API to the providers.Adapter
// contract, built on the official genai SDK — only the surrounding
// request/response shape changes to match the gateway's normalized types.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/aurorarelay/internal/catalog"
	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/pkg/gatewayerr"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Adapter implements providers.Adapter for Google Gemini.
type Adapter struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	httpClient *http.Client
	base       string
	apiVersion string
	timeout    time.Duration

	mu     sync.RWMutex
	models []providers.Model

	rlMu        sync.Mutex
	rateLimited bool
	rateLimitAt time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing against a mock).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithTimeout overrides the base per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// New creates a Gemini adapter. The genai client is constructed eagerly so
// construction failures (malformed base URL, etc.) surface immediately
// rather than on first use.
func New(ctx context.Context, apiKey string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: providers.DefaultTimeout,
	}
	for _, o := range opts {
		o(a)
	}

	a.httpClient = &http.Client{Timeout: a.timeout}

	base, ver := splitBaseURLAndVersion(a.baseURL)
	a.base = base
	a.apiVersion = ver

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      a.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  a.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: a.base, APIVersion: a.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	a.client = client

	return a, nil
}

func (a *Adapter) Name() string { return providerName }

// Initialize probes the upstream by listing models, then seeds the model
// list from the compiled-in catalog — the router's capability filter needs
// one cached per adapter.
func (a *Adapter) Initialize(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return toGatewayErr(providerName, err)
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
	_, err := a.client.Models.List(hctx, &genai.ListModelsConfig{PageSize: 1})
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

	contents, cfg := a.buildContentsAndConfig(req)

	deadline := providers.RequestTimeout(a.timeout, req.MaxTokens)
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	resp, err := a.client.Models.GenerateContent(callCtx, req.Model, contents, cfg)
	if err != nil {
		a.noteRateLimit(err)
		return nil, toGatewayErr(providerName, err)
	}

	content := ""
	var finish providers.FinishReason = providers.FinishStop
	var inTok, outTok int
	if resp != nil {
		content = resp.Text()
		if resp.UsageMetadata != nil {
			inTok = int(resp.UsageMetadata.PromptTokenCount)
			outTok = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = mapFinishReason(string(resp.Candidates[0].FinishReason))
		}
	}

	return &providers.Response{
		Content:  content,
		ModelID:  req.Model,
		Provider: providerName,
		Usage:    providers.Usage{InputTokens: inTok, OutputTokens: outTok, TotalTokens: inTok + outTok},
		Metadata: providers.ResponseMetadata{
			DurationMs:   time.Since(start).Milliseconds(),
			Timestamp:    time.Now(),
			FinishReason: finish,
		},
	}, nil
}

func (a *Adapter) StreamRequest(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	if err := providers.ValidateRequest(providerName, req); err != nil {
		return nil, err
	}

	contents, cfg := a.buildContentsAndConfig(req)

	deadline := providers.RequestTimeout(a.timeout, req.MaxTokens)
	callCtx, cancel := context.WithTimeout(ctx, deadline)

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer cancel()
		defer close(ch)

		var inTok, outTok int

		for resp, err := range a.client.Models.GenerateContentStream(callCtx, req.Model, contents, cfg) {
			if err != nil {
				a.noteRateLimit(err)
				ch <- providers.StreamChunk{Done: true, ModelID: req.Model, Provider: providerName, Err: toGatewayErr(providerName, err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := firstCandidateText(c)
			if resp.UsageMetadata != nil {
				inTok = int(resp.UsageMetadata.PromptTokenCount)
				outTok = int(resp.UsageMetadata.CandidatesTokenCount)
			}

			if c.FinishReason != "" {
				ch <- providers.StreamChunk{
					Delta: text, Done: true, ModelID: req.Model, Provider: providerName,
					Usage: &providers.Usage{InputTokens: inTok, OutputTokens: outTok, TotalTokens: inTok + outTok},
				}
				return
			}
			if text != "" {
				ch <- providers.StreamChunk{Delta: text, ModelID: req.Model, Provider: providerName}
			}
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
	// Gemini does not expose quota headers through the genai SDK; report a
	// conservative synthetic value rather than omitting the field.
	return providers.RateLimitStatus{Remaining: 1, Limit: 1, ResetAt: time.Now().Add(time.Minute)}
}

func (a *Adapter) noteRateLimit(err error) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		a.rlMu.Lock()
		a.rateLimited = true
		a.rateLimitAt = time.Now().Add(60 * time.Second)
		a.rlMu.Unlock()
	}
}

func (a *Adapter) buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	systemPrompt := req.SystemPrompt
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case providers.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}

	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if req.HasTemp {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.HasTopP {
		cfg.TopP = genai.Ptr[float32](float32(req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func firstCandidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// mapFinishReason translates Gemini's finishReason values per the gateway's
// taxonomy: STOP→stop, MAX_TOKENS→length, everything else (SAFETY,
// RECITATION, OTHER, ...) → error.
func mapFinishReason(r string) providers.FinishReason {
	switch r {
	case "STOP":
		return providers.FinishStop
	case "MAX_TOKENS":
		return providers.FinishLength
	case "":
		return providers.FinishStop
	default:
		return providers.FinishError
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// toGatewayErr normalizes a genai.APIError (or plain error) into the
// gateway's tagged error type per the adapter error-mapping table.
func toGatewayErr(provider string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return gatewayerr.NewAuthentication(provider, apiErr)
		case 404:
			return gatewayerr.NewModelNotAvailable(provider, "")
		case 429:
			return gatewayerr.NewRateLimit(provider, time.Now().Add(60*time.Second), apiErr)
		}
		if apiErr.Code >= 500 {
			return gatewayerr.NewNetwork(provider, apiErr)
		}
		return gatewayerr.New(provider, fmt.Sprintf("%d", apiErr.Code), false, apiErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return gatewayerr.NewTimeout(provider, 0, err)
	}

	return gatewayerr.NewNetwork(provider, err)
}
