// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    - external connections (Redis, ClickHouse when configured)
//  2. initProvider - the generation provider client (skipped in stub mode)
//  3. initServices - metrics, cache, usage ledger, usage event log, upstream caller
//  4. initGateway  - orchestrator + HTTP routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	rgCache "github.com/nulpointcorp/reading-gateway/internal/cache"
	"github.com/nulpointcorp/reading-gateway/internal/config"
	"github.com/nulpointcorp/reading-gateway/internal/logger"
	"github.com/nulpointcorp/reading-gateway/internal/metrics"
	"github.com/nulpointcorp/reading-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/reading-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/reading-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/reading-gateway/internal/providers/openai"
	"github.com/nulpointcorp/reading-gateway/internal/proxy"
	"github.com/nulpointcorp/reading-gateway/internal/upstream"
	"github.com/nulpointcorp/reading-gateway/internal/usage"
)

const (
	shutdownTimeout = 10 * time.Second
	statsInterval   = 15 * time.Second
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections - nil when not configured.
	rdb    *redis.Client
	chSink *logger.ClickHouseSink

	usageLog *logger.Logger
	memCache *rgCache.MemoryCache

	prom *metrics.Registry

	provider providers.Provider
	ledger   *usage.Ledger
	caller   *upstream.Caller

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
	srv  *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"provider", a.initProvider},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It shuts the server down and closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("provider", a.providerName()),
		slog.String("model", a.cfg.Upstream.Model),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("admission_mode", a.cfg.AdmissionMode),
		slog.Bool("stub_mode", a.cfg.Upstream.StubMode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		a.reportStats(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.srv.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// reportStats mirrors ledger counters and dropped usage events into the
// metrics registry so gauges follow the day rollover even when idle.
func (a *App) reportStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	// Close may clear the field while the last tick is running.
	usageLog := a.usageLog
	var reportedDrops int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.ledger.Snapshot()
			a.prom.SetLedger(snap.Tokens, snap.Calls, snap.SpentUSD)
			if a.caller != nil {
				a.prom.SetWindowTokens(a.caller.WindowTokens())
			}
			if usageLog != nil {
				drops := usageLog.DroppedEvents()
				a.prom.AddDroppedEvents(drops - reportedDrops)
				reportedDrops = drops
			}
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.usageLog != nil {
		if err := a.usageLog.Close(); err != nil {
			a.log.Error("usage log close error", slog.String("error", err.Error()))
		}
		a.usageLog = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

func (a *App) providerName() string {
	if a.provider == nil {
		return "stub"
	}
	return a.provider.Name()
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildProvider creates the client of the selected provider.
func buildProvider(ctx context.Context, cfg *config.Config) (providers.Provider, error) {
	sel := cfg.SelectedProvider()
	timeout := cfg.Upstream.Timeout

	switch cfg.Upstream.Provider {
	case "openai":
		return openaiprov.New(sel.APIKey,
			openaiprov.WithBaseURL(sel.BaseURL),
			openaiprov.WithTimeout(timeout),
		), nil
	case "anthropic":
		return anthropicprov.New(sel.APIKey,
			anthropicprov.WithBaseURL(sel.BaseURL),
			anthropicprov.WithTimeout(timeout),
		), nil
	case "gemini":
		return geminiprov.New(ctx, sel.APIKey,
			geminiprov.WithBaseURL(sel.BaseURL),
			geminiprov.WithTimeout(timeout),
		)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Upstream.Provider)
	}
}
