package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/reading-gateway/internal/admission"
	rgCache "github.com/nulpointcorp/reading-gateway/internal/cache"
	"github.com/nulpointcorp/reading-gateway/internal/logger"
	"github.com/nulpointcorp/reading-gateway/internal/metrics"
	"github.com/nulpointcorp/reading-gateway/internal/proxy"
	"github.com/nulpointcorp/reading-gateway/internal/ratelimit"
	"github.com/nulpointcorp/reading-gateway/internal/upstream"
	"github.com/nulpointcorp/reading-gateway/internal/usage"
)

// initInfra establishes optional external connections.
// Redis is required for CACHE_MODE=redis and for RPM limiting.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if dsn := a.cfg.UsageLog.ClickHouseDSN; dsn != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(dsn)))

		sink, err := logger.NewClickHouseSink(ctx, dsn)
		if err != nil {
			return err
		}
		a.chSink = sink
		a.log.Info("clickhouse usage sink ready")
	}

	return nil
}

// initProvider builds the generation provider client. Stub mode runs
// without one; config validation guarantees a key otherwise.
func (a *App) initProvider(ctx context.Context) error {
	if a.cfg.Upstream.StubMode {
		a.log.Warn("stub mode: upstream generation disabled")
		return nil
	}

	prov, err := buildProvider(a.baseCtx, a.cfg)
	if err != nil {
		return err
	}
	a.provider = prov

	a.log.Info("provider loaded",
		slog.String("provider", prov.Name()),
		slog.String("model", a.cfg.Upstream.Model),
	)

	return nil
}

// initServices creates the metrics registry, the cache backend, the usage
// ledger, the usage event log and the upstream caller.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the client connected in initInfra (built in initGateway).
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache - zero external dependencies, not shared across replicas.
		a.memCache = rgCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.ledger = usage.NewLedger(a.cfg.Usage.Location)

	sinks := []logger.Sink{logger.NewSlogSink(a.log)}
	if a.chSink != nil {
		sinks = append(sinks, a.chSink)
	}
	usageLog, err := logger.New(a.baseCtx, a.log, sinks...)
	if err != nil {
		return fmt.Errorf("usage log: %w", err)
	}
	a.usageLog = usageLog

	if a.provider != nil {
		a.caller = upstream.New(a.provider, a.ledger, upstream.Config{
			MinCallGap:           a.cfg.Pacing.MinCallGap,
			RetryCooldown:        a.cfg.Pacing.RetryCooldown,
			LowCapacityThreshold: a.cfg.Pacing.LowCapacityThreshold,
			LowCapacityCooldown:  a.cfg.Pacing.LowCapacityCooldown,
			UsageWindow:          a.cfg.Pacing.UsageWindow,
		},
			upstream.WithLogger(a.log),
			upstream.WithMetrics(a.prom),
			upstream.WithEvents(a.usageLog),
		)
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl rgCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		exact := rgCache.NewExactCache(a.rdb, rgCache.WithLogger(a.log))
		cacheImpl = exact
		cacheReady = func() bool { return exact.Ready(a.baseCtx) }
	case "memory":
		cacheImpl = a.memCache
	case "none":
		// nil cache - gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:     a.log,
		Metrics:    a.prom,
		Gate:       admission.New(a.cfg.AdmissionMode),
		Policy:     a.cfg.Budget.Policy(),
		Limits:     proxy.UsageLimits{Tokens: a.cfg.Usage.LimitTokens, Requests: a.cfg.Usage.LimitRequests},
		Model:      a.cfg.Upstream.Model,
		KeyVersion: a.cfg.Cache.KeyVersion,
		CacheTTL:   a.cfg.Cache.TTL,
		CacheReady: cacheReady,
		StubMode:   a.cfg.Upstream.StubMode,
		AdminKey:   a.cfg.AdminKey,
	}

	gw := proxy.NewGateway(a.baseCtx, a.caller, a.ledger, cacheImpl, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting - only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	if a.cfg.AdminKey == "" {
		a.log.Warn("ADMIN_KEY not set: /usage is unauthenticated")
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw
	a.srv = gw.NewServer(a.mgmt)

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
