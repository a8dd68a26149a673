package proxy

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/reading-gateway/pkg/apierr"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery turns a handler panic into the internal-error envelope.
func recovery(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					reqID, _ := ctx.UserValue("request_id").(string)
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("request_id", reqID),
						slog.String("method", string(ctx.Method())),
						slog.String("path", string(ctx.Path())),
					)
					ctx.ResetBody()
					apierr.WriteInternal(ctx, "internal server error")
				}
			}()
			next(ctx)
		}
	}
}

const maxRequestIDLen = 128

// validRequestID accepts short IDs made of URL-safe characters. Client IDs
// end up in logs and usage events, so anything else is replaced.
func validRequestID(id []byte) bool {
	if len(id) == 0 || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// requestID echoes a valid client X-Request-ID or assigns a UUID v4, and
// stores it under the "request_id" user value.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		raw := ctx.Request.Header.Peek("X-Request-ID")
		id := string(raw)
		if !validRequestID(raw) {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// accessLog sets X-Response-Time and logs one debug line per request.
func accessLog(log *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			next(ctx)
			elapsed := time.Since(start)
			ctx.Response.Header.Set("X-Response-Time", elapsed.String())

			reqID, _ := ctx.UserValue("request_id").(string)
			log.Debug("http_request",
				slog.String("request_id", reqID),
				slog.String("method", string(ctx.Method())),
				slog.String("path", string(ctx.Path())),
				slog.Int("status", ctx.Response.StatusCode()),
				slog.String("x_cache", string(ctx.Response.Header.Peek("X-Cache"))),
				slog.Duration("elapsed", elapsed),
			)
		}
	}
}

// securityHeaders hardens every response. The gateway serves JSON only.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
	}
}

// corsHandler serves browser clients of the reading UI.
//
//   - nil or ["*"]      → Access-Control-Allow-Origin: *
//   - explicit origins  → the request Origin is echoed when listed, and the
//     header is omitted otherwise
//
// X-Cache, X-Request-ID and Retry-After are exposed to scripts. OPTIONS
// preflights are answered with 204 and never reach the router.
func corsHandler(origins []string) middleware {
	allowAll := len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Vary", "Origin")
				origin := string(ctx.Request.Header.Peek("Origin"))
				if _, ok := allowed[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Admin-Key")
			h.Set("Access-Control-Expose-Headers", "X-Cache, X-Request-ID, Retry-After")

			if ctx.IsOptions() {
				h.Set("Access-Control-Max-Age", "600")
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that mws[0] is the outermost layer:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
