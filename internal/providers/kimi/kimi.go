// Package kimi adapts Moonshot AI's Kimi models, which speak the same
// OpenAI-compatible /v1/chat/completions protocol DeepSeek does.
package kimi

import (
	"github.com/nulpointcorp/aurorarelay/internal/providers/openaicompat"
)

const (
	providerName   = "kimi"
	defaultBaseURL = "https://api.moonshot.cn/v1"
)

// New creates a Kimi (Moonshot) adapter.
func New(apiKey, baseURL string) *openaicompat.Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return openaicompat.New(providerName, apiKey, baseURL)
}
