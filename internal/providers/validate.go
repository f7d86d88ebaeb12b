package providers

import (
	"github.com/nulpointcorp/aurorarelay/internal/catalog"
	"github.com/nulpointcorp/aurorarelay/pkg/gatewayerr"
)

// ValidateRequest checks req against the compiled-in capability table for
// the given provider before an adapter spends a network call on it. An
// unknown model raises ModelNotAvailable; every other violation raises
// InvalidRequest.
func ValidateRequest(provider string, req *Request) error {
	cap, ok := catalog.Lookup(req.Model)
	if !ok {
		return gatewayerr.NewModelNotAvailable(provider, req.Model)
	}

	inputChars := len(req.SystemPrompt)
	for _, m := range req.Messages {
		inputChars += len(m.Content)
	}
	if catalog.EstimateTokens(inputChars) > cap.MaxContextTokens {
		return gatewayerr.NewInvalidRequest(provider, "estimated input tokens exceed model context window")
	}

	if req.MaxTokens > 0 && req.MaxTokens > cap.MaxOutputTokens {
		return gatewayerr.NewInvalidRequest(provider, "max_tokens exceeds model's max output tokens")
	}

	if req.Stream && !cap.SupportsStreaming {
		return gatewayerr.NewInvalidRequest(provider, "model does not support streaming")
	}

	if len(req.Functions) > 0 && !cap.SupportsFunctionCalls {
		return gatewayerr.NewInvalidRequest(provider, "model does not support function calling")
	}

	if req.HasTemp && (req.Temperature < 0 || req.Temperature > 1) {
		return gatewayerr.NewInvalidRequest(provider, "temperature must be in [0,1]")
	}
	if req.HasTopP && (req.TopP < 0 || req.TopP > 1) {
		return gatewayerr.NewInvalidRequest(provider, "top_p must be in [0,1]")
	}
	if len(req.Messages) == 0 {
		return gatewayerr.NewInvalidRequest(provider, "messages must be non-empty")
	}

	return nil
}
