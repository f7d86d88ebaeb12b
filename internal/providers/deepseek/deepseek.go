// Package deepseek adapts DeepSeek's OpenAI-compatible API. DeepSeek exposes
// the same /v1/chat/completions shape OpenAI does, so this package is a thin
// configuration wrapper around the shared openaicompat adapter rather than
// its own protocol translation.
package deepseek

import (
	"github.com/nulpointcorp/aurorarelay/internal/providers/openaicompat"
)

const (
	providerName   = "deepseek"
	defaultBaseURL = "https://api.deepseek.com/v1"
)

// New creates a DeepSeek adapter. baseURL may be overridden (e.g. to point
// at the mock server in tests); an empty string uses DeepSeek's production
// endpoint.
func New(apiKey, baseURL string) *openaicompat.Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return openaicompat.New(providerName, apiKey, baseURL)
}
