package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/reading-gateway/internal/reading"
	"github.com/nulpointcorp/reading-gateway/internal/upstream"
	"github.com/nulpointcorp/reading-gateway/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the gateway routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	return g.NewServer(mgmt).ListenAndServe(addr)
}

// NewServer returns a fasthttp server for the gateway routes. The caller
// owns its lifecycle, including ShutdownWithContext.
func (g *Gateway) NewServer(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		Name:        "reading-gateway",
		ReadTimeout: 60 * time.Second,
		// Admitted requests may sit through a 65s rate-limit cooldown.
		WriteTimeout: 3 * time.Minute,
	}
}

// Handler builds the routed handler wrapped in the middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/generate", g.handleGenerate)
	r.POST("/api/read", g.handleGenerate)
	r.POST("/api/ai", g.handleGenerate)
	r.GET("/usage", g.handleUsage)
	r.GET("/api/usage", g.handleUsage)
	r.GET("/", g.handleLiveness)
	r.GET("/healthz", g.handleLiveness)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.CodeNotFound, "no such route")
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		accessLog(g.log),
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) handleGenerate(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "generate"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx, ctx.RemoteIP().String())
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
				g.metrics.RecordRejection("rate_limited")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("client", ctx.RemoteIP().String()),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	req, err := reading.ParseRequest(ctx.PostBody())
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordRejection("invalid_request")
		}
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	resp, err := g.Generate(ctx, req, reqID)
	if err != nil {
		g.writeGenerateError(ctx, reqID, err, time.Since(start))
		return
	}

	switch resp.Source {
	case reading.SourceCache:
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	case reading.SourceProvider:
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	if g.metrics != nil {
		g.metrics.RecordGenerate(resp.Source)
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	writeJSON(ctx, resp)
}

// writeGenerateError maps a Generate error onto its HTTP envelope.
func (g *Gateway) writeGenerateError(ctx *fasthttp.RequestCtx, reqID string, err error, elapsed time.Duration) {
	switch {
	case errors.Is(err, ErrBusy):
		if g.metrics != nil {
			g.metrics.RecordRejection("busy")
		}
		apierr.WriteBusy(ctx)
		return
	case errors.Is(err, ErrBudgetExceeded):
		if g.metrics != nil {
			g.metrics.RecordRejection("budget_exceeded")
		}
		apierr.WriteBudgetExceeded(ctx)
		return
	}

	if g.metrics != nil {
		g.metrics.RecordGenerate("error")
	}
	g.log.ErrorContext(ctx, "generate_failed",
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", elapsed),
	)

	switch {
	case errors.Is(err, upstream.ErrThrottled):
		apierr.WriteGenerationFailed(ctx, apierr.CodeUpstreamThrottled, err.Error(),
			"The provider is rate limiting requests. Wait a minute and try again.")
	case errors.Is(err, upstream.ErrInvalidPayload):
		apierr.WriteGenerationFailed(ctx, apierr.CodeUpstreamInvalid, err.Error(),
			"The provider answered without a usable reading. Try again.")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apierr.WriteGenerationFailed(ctx, apierr.CodeUpstreamTransport, err.Error(),
			"The request was cancelled before the provider answered.")
	default:
		apierr.WriteGenerationFailed(ctx, apierr.CodeUpstreamTransport, err.Error(),
			"Check the provider API key, model name and network connectivity.")
	}
}

func (g *Gateway) handleUsage(ctx *fasthttp.RequestCtx) {
	if !g.adminAuthorized(ctx) {
		apierr.WriteForbidden(ctx)
		return
	}
	writeJSON(ctx, g.UsageReport())
}

// adminAuthorized accepts the admin key from ?key= or X-Admin-Key.
// Without a configured key the usage endpoint is open.
func (g *Gateway) adminAuthorized(ctx *fasthttp.RequestCtx) bool {
	if g.adminKey == "" {
		return true
	}
	supplied := ctx.QueryArgs().Peek("key")
	if len(supplied) == 0 {
		supplied = ctx.Request.Header.Peek("X-Admin-Key")
	}
	return subtle.ConstantTimeCompare(supplied, []byte(g.adminKey)) == 1
}

func (g *Gateway) handleLiveness(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString("ok")
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "stub_mode": g.stubMode})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
