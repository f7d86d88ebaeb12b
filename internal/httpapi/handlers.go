package httpapi

import (
	"bufio"
	"encoding/json"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/nulpointcorp/aurorarelay/internal/gateway"
	"github.com/nulpointcorp/aurorarelay/internal/providers"
	"github.com/nulpointcorp/aurorarelay/internal/router"
)

// Server exposes the gateway facade over HTTP: OpenAI-compatible chat
// completion and streaming endpoints, plus health/model/metrics/admin
// routes.
type Server struct {
	facade *gateway.Facade
	log    *zap.Logger
	cors   []string
	srv    *fasthttp.Server
}

// New wraps facade for HTTP serving. corsOrigins configures the CORS
// middleware; nil or ["*"] allows any origin.
func New(facade *gateway.Facade, log *zap.Logger, corsOrigins []string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{facade: facade, log: log, cors: corsOrigins}
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue("request_id").(string); ok {
		return v
	}
	return ""
}

func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	var body chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeJSON(ctx, map[string]string{"error": "invalid request body"})
		return
	}

	reqID := requestIDFrom(ctx)
	req, crit := body.toDomain(reqID)

	if body.Stream {
		s.streamChat(ctx, req, crit, reqID)
		return
	}

	result, err := s.facade.Request(ctx, req, crit)
	if err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, fromDomainResponse(reqID, result.Response))
}

func (s *Server) handleChatStream(ctx *fasthttp.RequestCtx) {
	var body chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeJSON(ctx, map[string]string{"error": "invalid request body"})
		return
	}
	body.Stream = true
	reqID := requestIDFrom(ctx)
	req, crit := body.toDomain(reqID)
	s.streamChat(ctx, req, crit, reqID)
}

// streamChat runs req through the facade's streaming path and writes the
// result as a Server-Sent Events body, one JSON chunk per "data:" line,
// terminated by "data: [DONE]" — the same SSE framing OpenAI's streaming
// API uses, so existing SSE clients need no changes to consume it.
func (s *Server) streamChat(ctx *fasthttp.RequestCtx, req *providers.Request, crit router.Criteria, reqID string) {
	chunks, _, err := s.facade.StreamRequest(ctx, req, crit)
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		for chunk := range chunks {
			if chunk.Err != nil {
				s.log.Warn("stream chunk error", zap.String("request_id", reqID), zap.Error(chunk.Err))
				break
			}
			data, err := fromStreamChunk(reqID, chunk)
			if err != nil {
				continue
			}
			w.WriteString("data: ")
			w.Write(data)
			w.WriteString("\n\n")
			w.Flush()
			if chunk.Done {
				break
			}
		}
		w.WriteString("data: [DONE]\n\n")
		w.Flush()
	})
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"object": "list", "data": s.facade.GetModels()})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	statuses := s.facade.GetHealthStatus(ctx)
	allHealthy := true
	for _, ok := range statuses {
		if !ok {
			allHealthy = false
			break
		}
	}
	if !allHealthy {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, map[string]any{"providers": statuses, "healthy": allHealthy})
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.facade.GetStats())
}

func (s *Server) handleResetBreaker(ctx *fasthttp.RequestCtx) {
	provider, _ := ctx.UserValue("provider").(string)
	if provider == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeJSON(ctx, map[string]string{"error": "provider is required"})
		return
	}
	s.facade.ResetCircuitBreaker(provider)
	writeJSON(ctx, map[string]string{"status": "reset", "provider": provider})
}

func (s *Server) handleClearCache(ctx *fasthttp.RequestCtx) {
	if err := s.facade.ClearCache(ctx); err != nil {
		writeError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]string{"status": "cleared"})
}
