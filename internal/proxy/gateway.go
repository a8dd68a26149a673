// Package proxy is the reading gateway: the generate orchestrator and the
// fasthttp surface in front of it.
//
// A generate request moves through a fixed sequence:
//
//	cache check -> admission -> budget check -> upstream call -> store
//
// A cache hit is answered without taking the admission gate. Every request
// that does take the gate releases it exactly once, from a single deferred
// release, whichever way it leaves.
//
// Key design constraints:
//   - Cache, metrics and the RPM limiter are optional and nil-safe.
//   - A rejected request (busy, over budget) does no upstream work and
//     leaves the usage ledger untouched.
//   - Only successful readings are stored in the cache.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/reading-gateway/internal/admission"
	"github.com/nulpointcorp/reading-gateway/internal/cache"
	"github.com/nulpointcorp/reading-gateway/internal/fingerprint"
	"github.com/nulpointcorp/reading-gateway/internal/metrics"
	"github.com/nulpointcorp/reading-gateway/internal/ratelimit"
	"github.com/nulpointcorp/reading-gateway/internal/reading"
	"github.com/nulpointcorp/reading-gateway/internal/upstream"
	"github.com/nulpointcorp/reading-gateway/internal/usage"
)

var (
	// ErrBusy is returned when another generation holds the admission gate.
	ErrBusy = errors.New("proxy: another generation is in flight")
	// ErrBudgetExceeded is returned once today's spend reached the ceiling.
	ErrBudgetExceeded = errors.New("proxy: daily budget exceeded")
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// UsageLimits are the advisory daily limits reported by GET /usage.
// They are not enforced; only the budget ceiling is.
type UsageLimits struct {
	Tokens   int64
	Requests int64
}

// GatewayOptions holds optional tuning parameters for a Gateway. Zero values
// fall back to sensible defaults.
type GatewayOptions struct {
	// Logger is the structured logger for request events.
	// Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// Gate is the admission gate. Default: a process-wide GlobalGate.
	Gate admission.Gate

	// Policy carries the budget ceiling, unit prices and the per-call token cap.
	Policy usage.BudgetPolicy

	// Limits are reported by GET /usage.
	Limits UsageLimits

	// Model is the upstream model name.
	Model string

	// KeyVersion is embedded in every fingerprint. Bumping it invalidates
	// every cached reading. Default: reading.PromptVersion.
	KeyVersion string

	// CacheTTL is how long a reading stays cached. Default: cache.DefaultTTL.
	CacheTTL time.Duration

	// CacheReady reports cache backend reachability for /health.
	CacheReady func() bool

	// StubMode answers every request with a fixed reading and never calls
	// the provider.
	StubMode bool

	// AdminKey protects GET /usage when non-empty.
	AdminKey string
}

// Gateway orchestrates generate requests. All dependencies are injected so
// tests can build isolated instances.
type Gateway struct {
	caller  *upstream.Caller
	ledger  *usage.Ledger
	cache   cache.Cache
	gate    admission.Gate
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	policy     usage.BudgetPolicy
	limits     UsageLimits
	model      string
	keyVersion string
	cacheTTL   time.Duration
	stubMode   bool
	adminKey   string

	// Optional dependencies, nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string
}

// NewGateway creates a fully configured Gateway.
//
// caller may be nil only in stub mode. c may be nil to disable caching.
func NewGateway(
	baseCtx context.Context,
	caller *upstream.Caller,
	ledger *usage.Ledger,
	c cache.Cache,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if caller == nil && !opts.StubMode {
		panic("gateway: upstream caller is required outside stub mode")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	if ledger == nil {
		ledger = usage.NewLedger(time.UTC)
	}
	if c == nil {
		c = cache.NopCache{}
	}

	gate := opts.Gate
	if gate == nil {
		gate = admission.NewGlobalGate()
	}

	keyVersion := opts.KeyVersion
	if keyVersion == "" {
		keyVersion = reading.PromptVersion
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = cache.DefaultTTL
	}

	gw := &Gateway{
		caller:     caller,
		ledger:     ledger,
		cache:      c,
		gate:       gate,
		baseCtx:    baseCtx,
		log:        log,
		metrics:    opts.Metrics,
		policy:     opts.Policy,
		limits:     opts.Limits,
		model:      opts.Model,
		keyVersion: keyVersion,
		cacheTTL:   cacheTTL,
		stubMode:   opts.StubMode,
		adminKey:   opts.AdminKey,
	}

	if caller != nil {
		gw.health = NewHealthChecker(baseCtx, caller.Provider(), opts.CacheReady, gw.metrics)
	}

	return gw
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiter injects the RPM rate limiter for the generate routes.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// Close stops background work owned by the gateway.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// Generate produces a reading for req.
//
// It returns ErrBusy or ErrBudgetExceeded for rejected requests and one of
// the upstream sentinel errors when an admitted generation fails.
func (g *Gateway) Generate(ctx context.Context, req *reading.Request, requestID string) (*reading.Response, error) {
	if g.stubMode {
		return reading.NewResponse(req, reading.SourceStub, reading.StubReading), nil
	}

	fp := fingerprint.Build(req, g.keyVersion)

	if resp, ok := g.lookup(ctx, fp, requestID); ok {
		return resp, nil
	}
	if g.metrics != nil {
		g.metrics.CacheGetMiss()
	}

	if !g.gate.TryAcquire(fp) {
		g.log.WarnContext(ctx, "gate_busy",
			slog.String("request_id", requestID),
			slog.String("fingerprint", fp),
		)
		return nil, ErrBusy
	}
	defer g.gate.Release(fp)

	// A duplicate may have finished between the first lookup and admission.
	if resp, ok := g.lookup(ctx, fp, requestID); ok {
		return resp, nil
	}

	if g.ledger.IsOverBudget(g.policy.CeilingUSD) {
		snap := g.ledger.Snapshot()
		g.log.WarnContext(ctx, "budget_block",
			slog.String("request_id", requestID),
			slog.Float64("spent_today_usd", snap.SpentUSD),
			slog.Float64("ceiling_usd", g.policy.CeilingUSD),
		)
		return nil, ErrBudgetExceeded
	}

	genReq, err := reading.BuildRequest(req, g.model, g.policy.MaxTokensPerCall, requestID)
	if err != nil {
		return nil, err
	}

	res, err := g.caller.Call(ctx, genReq, g.policy)
	if err != nil {
		return nil, err
	}

	resp := reading.NewResponse(req, reading.SourceProvider, res.Reading)
	g.store(ctx, fp, resp)

	g.log.InfoContext(ctx, "generate_ok",
		slog.String("request_id", requestID),
		slog.String("fingerprint", fp),
		slog.String("response_id", res.ResponseID),
		slog.Int("tokens", res.Usage.InputTokens+res.Usage.OutputTokens),
		slog.Float64("cost_usd", res.CostUSD),
		slog.Int("attempts", res.Attempts),
	)

	return resp, nil
}

// lookup returns the cached reading for fp relabelled as a cache answer.
// An entry that no longer decodes is dropped and treated as a miss.
func (g *Gateway) lookup(ctx context.Context, fp, requestID string) (*reading.Response, bool) {
	body, ok := g.cache.Get(ctx, fp)
	if !ok {
		return nil, false
	}

	var resp reading.Response
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Reading) == 0 {
		g.log.WarnContext(ctx, "cache_entry_corrupt",
			slog.String("request_id", requestID),
			slog.String("fingerprint", fp),
		)
		_ = g.cache.Delete(ctx, fp)
		return nil, false
	}
	resp.OK = true
	resp.Source = reading.SourceCache

	if g.metrics != nil {
		g.metrics.CacheGetHit()
	}
	g.log.DebugContext(ctx, "cache_hit",
		slog.String("request_id", requestID),
		slog.String("fingerprint", fp),
	)
	return &resp, true
}

func (g *Gateway) store(ctx context.Context, fp string, resp *reading.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, fp, body, g.cacheTTL); err != nil {
		if g.metrics != nil {
			g.metrics.CacheSetError()
		}
		g.log.WarnContext(ctx, "cache_set_failed",
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()),
		)
		return
	}
	if g.metrics != nil {
		g.metrics.CacheSetOK()
	}
}
