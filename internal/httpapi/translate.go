package httpapi

import (
	"encoding/json"
	"time"

	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/internal/router"
)

// chatMessage is the OpenAI-compatible wire shape for one message.
type chatMessage struct {
	Role         string          `json:"role"`
	Content      string          `json:"content"`
	FunctionCall *functionCallJS `json:"function_call,omitempty"`
}

type functionCallJS struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type functionSpecJS struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// routingJS carries this gateway's routing preferences alongside the
// OpenAI-compatible request body, under a top-level "routing" key so a
// client that only speaks plain OpenAI JSON still gets sane defaults.
type routingJS struct {
	CostPreference    string   `json:"cost_preference,omitempty"`
	ReliabilityLevel  string   `json:"reliability_level,omitempty"`
	Performance       string   `json:"performance,omitempty"`
	PreferredProvider string   `json:"preferred_provider,omitempty"`
	ExcludedProviders []string `json:"excluded_providers,omitempty"`
}

// chatRequest is the accepted wire shape for POST /v1/chat/completions and
// /v1/chat/stream.
type chatRequest struct {
	Model        string           `json:"model"`
	Messages     []chatMessage    `json:"messages"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
	TopP         *float64         `json:"top_p,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
	Functions    []functionSpecJS `json:"functions,omitempty"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Routing      routingJS        `json:"routing,omitempty"`
}

func (cr *chatRequest) toDomain(requestID string) (*providers.Request, router.Criteria) {
	req := &providers.Request{
		Model:        cr.Model,
		MaxTokens:    cr.MaxTokens,
		Stream:       cr.Stream,
		SystemPrompt: cr.SystemPrompt,
		RequestID:    requestID,
	}
	if cr.Temperature != nil {
		req.Temperature = *cr.Temperature
		req.HasTemp = true
	}
	if cr.TopP != nil {
		req.TopP = *cr.TopP
		req.HasTopP = true
	}
	for _, m := range cr.Messages {
		msg := providers.Message{Role: providers.Role(m.Role), Content: m.Content}
		if m.FunctionCall != nil {
			msg.FunctionCall = &providers.FunctionCall{Name: m.FunctionCall.Name, Arguments: m.FunctionCall.Arguments}
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, f := range cr.Functions {
		req.Functions = append(req.Functions, providers.FunctionSpec{
			Name: f.Name, Description: f.Description, Parameters: f.Parameters,
		})
	}

	crit := router.Criteria{
		CostPreference:    router.CostTier(cr.Routing.CostPreference),
		ReliabilityLevel:  router.ReliabilityLevel(cr.Routing.ReliabilityLevel),
		Performance:       cr.Routing.Performance,
		PreferredProvider: cr.Routing.PreferredProvider,
		ExcludedProviders: cr.Routing.ExcludedProviders,
	}
	if len(cr.Functions) > 0 {
		crit.RequiredCapabilities.FunctionCalling = true
	}
	if cr.Stream {
		crit.RequiredCapabilities.Streaming = true
	}

	return req, crit
}

// chatChoice and chatResponse mirror the OpenAI /v1/chat/completions
// response shape closely enough for existing OpenAI clients to parse.
type chatChoice struct {
	Index        int          `json:"index"`
	Message      chatMessage  `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type usageJS struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID       string       `json:"id"`
	Object   string       `json:"object"`
	Created  int64        `json:"created"`
	Model    string       `json:"model"`
	Provider string       `json:"provider"`
	Choices  []chatChoice `json:"choices"`
	Usage    usageJS      `json:"usage"`
}

func fromDomainResponse(requestID string, resp *providers.Response) chatResponse {
	return chatResponse{
		ID:       requestID,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    resp.ModelID,
		Provider: resp.Provider,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: string(providers.RoleAssistant), Content: resp.Content},
			FinishReason: string(resp.Metadata.FinishReason),
		}},
		Usage: usageJS{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// streamChunkJS is one SSE data payload for /v1/chat/stream, matching the
// OpenAI streaming delta shape.
type streamChunkJS struct {
	ID       string        `json:"id"`
	Object   string        `json:"object"`
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Choices  []streamChoice `json:"choices"`
}

type streamChoice struct {
	Index        int           `json:"index"`
	Delta        streamDeltaJS `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}

type streamDeltaJS struct {
	Content string `json:"content,omitempty"`
}

func fromStreamChunk(requestID string, chunk providers.StreamChunk) ([]byte, error) {
	var finish *string
	if chunk.Done {
		s := "stop"
		finish = &s
	}
	payload := streamChunkJS{
		ID:       requestID,
		Object:   "chat.completion.chunk",
		Model:    chunk.ModelID,
		Provider: chunk.Provider,
		Choices: []streamChoice{{
			Index:        0,
			Delta:        streamDeltaJS{Content: chunk.Delta},
			FinishReason: finish,
		}},
	}
	return json.Marshal(payload)
}
