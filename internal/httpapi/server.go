package httpapi

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/aurorarelay/internal/metrics"
)

// ListenAndServe builds the route table, wraps it in the standard
// middleware chain, and blocks serving HTTP on addr (e.g. ":8080") until
// Shutdown is called from another goroutine. reg may be nil to omit the
// /metrics endpoint.
func (s *Server) ListenAndServe(addr string, reg *metrics.Registry) error {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/chat/stream", s.handleChatStream)
	r.GET("/v1/models", s.handleModels)
	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	r.POST("/admin/breakers/{provider}/reset", s.handleResetBreaker)
	r.POST("/admin/cache/clear", s.handleClearCache)

	if reg != nil {
		r.GET("/metrics", func(ctx *fasthttp.RequestCtx) { reg.Handler()(ctx) })
	}

	handler := applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		timing,
		corsHandler(s.cors),
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the HTTP listener, waiting for in-flight
// requests to finish or ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- s.srv.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
