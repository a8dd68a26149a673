// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 180}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_generate_total{outcome}
	generateTotal *prometheus.CounterVec

	// gateway_admission_rejections_total{reason}
	rejections *prometheus.CounterVec

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_upstream_retries_total{provider}
	upstreamRetries *prometheus.CounterVec

	// gateway_upstream_self_throttles_total{provider}
	selfThrottles *prometheus.CounterVec

	// gateway_upstream_remaining_tokens{provider}
	remainingTokens *prometheus.GaugeVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_spend_usd_total{provider}
	spendTotal *prometheus.CounterVec

	// gateway_ledger_* - today's ledger counters
	ledgerSpent  prometheus.Gauge
	ledgerTokens prometheus.Gauge
	ledgerCalls  prometheus.Gauge

	// gateway_usage_window_tokens
	windowTokens prometheus.Gauge

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_usage_events_dropped_total
	droppedEvents prometheus.Counter

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cooldowns)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		generateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_generate_total",
				Help: "Generate requests by final outcome",
			},
			[]string{"outcome"},
		),

		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admission_rejections_total",
				Help: "Generate requests rejected before reaching the provider",
			},
			[]string{"reason"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes the throttle retry)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "outcome"},
		),

		upstreamRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_retries_total",
				Help: "Retries taken after an upstream rate-limit response",
			},
			[]string{"provider"},
		),

		selfThrottles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_self_throttles_total",
				Help: "Voluntary cooldowns taken because upstream capacity was low",
			},
			[]string{"provider"},
		),

		remainingTokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_upstream_remaining_tokens",
				Help: "Remaining upstream token capacity reported by the last call",
			},
			[]string{"provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		spendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_spend_usd_total",
				Help: "Estimated upstream spend in USD",
			},
			[]string{"provider"},
		),

		ledgerSpent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ledger_spent_usd",
			Help: "Spend recorded in today's usage ledger",
		}),

		ledgerTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ledger_tokens",
			Help: "Tokens recorded in today's usage ledger",
		}),

		ledgerCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ledger_calls",
			Help: "Upstream calls recorded in today's usage ledger",
		}),

		windowTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_usage_window_tokens",
			Help: "Tokens used within the rolling observation window",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_usage_events_dropped_total",
			Help: "Usage events dropped because the event buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.generateTotal,
		r.rejections,
		r.cacheOps,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.upstreamRetries,
		r.selfThrottles,
		r.remainingTokens,
		r.tokensTotal,
		r.spendTotal,
		r.ledgerSpent,
		r.ledgerTokens,
		r.ledgerCalls,
		r.windowTokens,
		r.rateLimitTotal,
		r.providerHealth,
		r.droppedEvents,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordGenerate counts a finished generate request (cache, provider, stub,
// busy, budget_exceeded or an upstream error code).
func (r *Registry) RecordGenerate(outcome string) {
	r.generateTotal.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordRejection(reason string) {
	r.rejections.WithLabelValues(reason).Inc()
}

func (r *Registry) CacheGetHit()    { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss()   { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }
func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordRetry(provider string) {
	r.upstreamRetries.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordSelfThrottle(provider string) {
	r.selfThrottles.WithLabelValues(provider).Inc()
}

func (r *Registry) SetRemainingTokens(provider string, remaining int) {
	r.remainingTokens.WithLabelValues(provider).Set(float64(remaining))
}

// AddUsage records the usage and cost of one completed upstream call.
func (r *Registry) AddUsage(provider string, inputTokens, outputTokens int, costUSD float64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
	if costUSD > 0 {
		r.spendTotal.WithLabelValues(provider).Add(costUSD)
	}
}

// SetLedger mirrors today's ledger counters.
func (r *Registry) SetLedger(tokens, calls int64, spentUSD float64) {
	r.ledgerTokens.Set(float64(tokens))
	r.ledgerCalls.Set(float64(calls))
	r.ledgerSpent.Set(spentUSD)
}

func (r *Registry) SetWindowTokens(tokens int) { r.windowTokens.Set(float64(tokens)) }

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) AddDroppedEvents(n int64) {
	if n > 0 {
		r.droppedEvents.Add(float64(n))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
