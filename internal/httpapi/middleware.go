package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(log *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler_panic",
						zap.Any("panic", r),
						zap.String("path", string(ctx.Path())),
						zap.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					ctx.SetStatusCode(fasthttp.StatusInternalServerError)
					ctx.SetContentType("application/json")
					ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
				}
			}()
			next(ctx)
		}
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated. The ID is also stored in the
// request context under the key "request_id" for downstream handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time response
// header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds HTTP security headers to every response. This is an
// API-only surface (no HTML), so the CSP denies everything.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

// corsHandler returns a CORS middleware configured for the given allowed
// origins, backed by rs/cors so origin matching, preflight handling, and
// header negotiation follow the library rather than a hand-rolled header
// check. nil or []string{"*"} means open to any origin.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	allowed := origins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}

	c := cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{fasthttp.MethodGet, fasthttp.MethodPost, fasthttp.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	})

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			var httpReq http.Request
			if err := fasthttpadaptor.ConvertRequest(ctx, &httpReq, true); err != nil {
				next(ctx)
				return
			}

			rw := newCORSResponseWriter()
			passedThrough := false
			c.ServeHTTP(rw, &httpReq, func(http.ResponseWriter, *http.Request) {
				passedThrough = true
			})
			rw.flushTo(ctx)

			if !passedThrough {
				// Preflight request: rs/cors already wrote the status and headers.
				return
			}
			next(ctx)
		}
	}
}

// corsResponseWriter satisfies http.ResponseWriter so rs/cors.ServeHTTP can
// write CORS headers and the preflight status for a request it intercepts;
// flushTo copies the result onto the real fasthttp response.
type corsResponseWriter struct {
	header http.Header
	status int
}

func newCORSResponseWriter() *corsResponseWriter {
	return &corsResponseWriter{header: make(http.Header)}
}

func (w *corsResponseWriter) Header() http.Header         { return w.header }
func (w *corsResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *corsResponseWriter) WriteHeader(status int)      { w.status = status }

func (w *corsResponseWriter) flushTo(ctx *fasthttp.RequestCtx) {
	for k, values := range w.header {
		for _, v := range values {
			ctx.Response.Header.Add(k, v)
		}
	}
	if w.status != 0 {
		ctx.SetStatusCode(w.status)
	}
}

// applyMiddleware wraps h with the given middleware chain; the first entry
// becomes the outermost wrapper (runs first on request, last on response):
//
//	applyMiddleware(h, mw1, mw2) == mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
