// Package upstream calls the generation provider on behalf of the gateway.
//
// A Caller spaces consecutive calls, retries once after a cooldown when the
// provider reports a rate limit, records usage in the daily ledger, and
// takes a voluntary cooldown when the provider says its remaining capacity
// is low. The structured result is then pulled out of the provider text.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/nulpointcorp/reading-gateway/internal/logger"
	"github.com/nulpointcorp/reading-gateway/internal/metrics"
	"github.com/nulpointcorp/reading-gateway/internal/providers"
	"github.com/nulpointcorp/reading-gateway/internal/usage"
)

var (
	// ErrThrottled is returned when the provider rate-limits the retry too.
	ErrThrottled = errors.New("upstream: rate limited")
	// ErrInvalidPayload is returned when the provider output has no result.
	ErrInvalidPayload = errors.New("upstream: invalid payload")
	// ErrTransport covers every other provider failure.
	ErrTransport = errors.New("upstream: transport error")
)

const maxAttempts = 2

// Config holds the timing policy of a Caller.
type Config struct {
	MinCallGap           time.Duration
	RetryCooldown        time.Duration
	LowCapacityThreshold int
	LowCapacityCooldown  time.Duration
	UsageWindow          time.Duration
}

// DefaultConfig returns the production timing policy.
func DefaultConfig() Config {
	return Config{
		MinCallGap:           300 * time.Millisecond,
		RetryCooldown:        65 * time.Second,
		LowCapacityThreshold: 2000,
		LowCapacityCooldown:  60 * time.Second,
		UsageWindow:          60 * time.Second,
	}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// EventLogger receives one event per completed upstream call.
type EventLogger interface {
	Log(e logger.UsageEvent)
}

// Result is a successful upstream call.
type Result struct {
	Reading      json.RawMessage
	ResponseID   string
	Model        string
	Usage        providers.Usage
	RateLimit    providers.RateLimit
	CostUSD      float64
	Attempts     int
	WindowTokens int
}

type Option func(*Caller)

// WithSleeper replaces the cooldown sleep. Tests use it to skip real waits.
func WithSleeper(s Sleeper) Option {
	return func(c *Caller) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithClock replaces time.Now for latency and the token window.
func WithClock(now func() time.Time) Option {
	return func(c *Caller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Caller) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(c *Caller) { c.metrics = m }
}

func WithEvents(e EventLogger) Option {
	return func(c *Caller) { c.events = e }
}

// Caller is safe for concurrent use; spacing is enforced across all callers.
type Caller struct {
	provider providers.Provider
	ledger   *usage.Ledger
	window   *usage.TokenWindow
	limiter  *rate.Limiter
	cfg      Config

	sleep   Sleeper
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Registry
	events  EventLogger
}

// New returns a Caller for provider that accounts usage into ledger.
func New(provider providers.Provider, ledger *usage.Ledger, cfg Config, opts ...Option) *Caller {
	c := &Caller{
		provider: provider,
		ledger:   ledger,
		cfg:      cfg,
		sleep:    SleepContext,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}

	limit := rate.Inf
	if cfg.MinCallGap > 0 {
		limit = rate.Every(cfg.MinCallGap)
	}
	c.limiter = rate.NewLimiter(limit, 1)
	c.window = usage.NewTokenWindow(cfg.UsageWindow, c.now)

	return c
}

// Provider returns the wrapped provider.
func (c *Caller) Provider() providers.Provider { return c.provider }

// WindowTokens returns the tokens used within the observation window.
func (c *Caller) WindowTokens() int { return c.window.Total() }

// Call runs one generation under policy.
//
// Usage is recorded as soon as the provider answers, before the result is
// parsed, so an unusable answer is still accounted for.
func (c *Caller) Call(ctx context.Context, req *providers.GenerateRequest, policy usage.BudgetPolicy) (*Result, error) {
	start := c.now()
	resp, attempts, err := c.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	cost := c.ledger.RecordUsage(in, out, policy.PriceIn, policy.PriceOut)
	windowTotal := c.window.Add(in + out)
	snap := c.ledger.Snapshot()

	c.observe(ctx, req, resp, attempts, cost, snap, windowTotal, c.now().Sub(start))
	c.throttleIfLow(ctx, resp.RateLimit)

	result, err := ExtractResult(resp.Content)
	if err != nil {
		c.log.WarnContext(ctx, "upstream_invalid_payload",
			slog.String("request_id", req.RequestID),
			slog.String("response_id", resp.ID),
			slog.Int("content_len", len(resp.Content)),
		)
		return nil, err
	}

	return &Result{
		Reading:      result,
		ResponseID:   resp.ID,
		Model:        resp.Model,
		Usage:        resp.Usage,
		RateLimit:    resp.RateLimit,
		CostUSD:      cost,
		Attempts:     attempts,
		WindowTokens: windowTotal,
	}, nil
}

func (c *Caller) generate(ctx context.Context, req *providers.GenerateRequest) (*providers.GenerateResponse, int, error) {
	name := c.provider.Name()

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, attempt, fmt.Errorf("%w: spacing wait: %w", ErrTransport, err)
		}

		t0 := c.now()
		resp, err := c.provider.Generate(ctx, req)
		dur := c.now().Sub(t0)

		if err == nil {
			if c.metrics != nil {
				c.metrics.ObserveUpstreamAttempt(name, "ok", dur)
			}
			return resp, attempt, nil
		}

		if !providers.IsRateLimited(err) {
			if c.metrics != nil {
				c.metrics.ObserveUpstreamAttempt(name, "error", dur)
			}
			c.log.ErrorContext(ctx, "upstream_error",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return nil, attempt, fmt.Errorf("%w: %w", ErrTransport, err)
		}

		if c.metrics != nil {
			c.metrics.ObserveUpstreamAttempt(name, "rate_limited", dur)
		}
		if attempt >= maxAttempts {
			c.log.ErrorContext(ctx, "upstream_throttled",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
				slog.Int("attempts", attempt),
			)
			return nil, attempt, fmt.Errorf("%w: %w", ErrThrottled, err)
		}

		c.log.WarnContext(ctx, "upstream_throttled_retry",
			slog.String("request_id", req.RequestID),
			slog.String("provider", name),
			slog.Duration("cooldown", c.cfg.RetryCooldown),
		)
		if c.metrics != nil {
			c.metrics.RecordRetry(name)
		}
		if err := c.sleep(ctx, c.cfg.RetryCooldown); err != nil {
			return nil, attempt, fmt.Errorf("%w: cooldown interrupted: %w", ErrThrottled, err)
		}
	}
}

// throttleIfLow sleeps when the provider reported capacity under the
// threshold. Unknown capacity never throttles.
func (c *Caller) throttleIfLow(ctx context.Context, rl providers.RateLimit) {
	if !rl.Known || c.cfg.LowCapacityThreshold <= 0 || rl.RemainingTokens >= c.cfg.LowCapacityThreshold {
		return
	}

	name := c.provider.Name()
	c.log.WarnContext(ctx, "upstream_low_capacity",
		slog.String("provider", name),
		slog.Int("remaining_tokens", rl.RemainingTokens),
		slog.Int("threshold", c.cfg.LowCapacityThreshold),
		slog.Duration("cooldown", c.cfg.LowCapacityCooldown),
	)
	if c.metrics != nil {
		c.metrics.RecordSelfThrottle(name)
	}
	if err := c.sleep(ctx, c.cfg.LowCapacityCooldown); err != nil {
		c.log.DebugContext(ctx, "upstream_low_capacity_cooldown_interrupted", slog.String("error", err.Error()))
	}
}

func (c *Caller) observe(
	ctx context.Context,
	req *providers.GenerateRequest,
	resp *providers.GenerateResponse,
	attempts int,
	cost float64,
	snap usage.Snapshot,
	windowTotal int,
	latency time.Duration,
) {
	name := c.provider.Name()

	remaining := int64(-1)
	if resp.RateLimit.Known {
		remaining = int64(resp.RateLimit.RemainingTokens)
	}

	c.log.InfoContext(ctx, "usage_window",
		slog.String("request_id", req.RequestID),
		slog.Int("tokens", resp.Usage.InputTokens+resp.Usage.OutputTokens),
		slog.Int("window_tokens", windowTotal),
		slog.Duration("window", c.cfg.UsageWindow),
	)

	if c.metrics != nil {
		c.metrics.AddUsage(name, resp.Usage.InputTokens, resp.Usage.OutputTokens, cost)
		c.metrics.SetLedger(snap.Tokens, snap.Calls, snap.SpentUSD)
		c.metrics.SetWindowTokens(windowTotal)
		if resp.RateLimit.Known {
			c.metrics.SetRemainingTokens(name, resp.RateLimit.RemainingTokens)
		}
	}

	if c.events != nil {
		c.events.Log(logger.UsageEvent{
			RequestID:       req.RequestID,
			Provider:        name,
			Model:           resp.Model,
			ResponseID:      resp.ID,
			InputTokens:     uint32(max(resp.Usage.InputTokens, 0)),
			OutputTokens:    uint32(max(resp.Usage.OutputTokens, 0)),
			CostUSD:         cost,
			SpentTodayUSD:   snap.SpentUSD,
			RemainingTokens: remaining,
			LimitTokens:     int64(resp.RateLimit.LimitTokens),
			ResetTokens:     resp.RateLimit.ResetTokens,
			Attempts:        uint8(attempts),
			LatencyMs:       uint32(latency.Milliseconds()),
			CreatedAt:       c.now(),
		})
	}
}

// SleepContext waits for d, returning early with ctx.Err() on cancellation.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
