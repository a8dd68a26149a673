package upstream

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/reading-gateway/internal/logger"
	"github.com/nulpointcorp/reading-gateway/internal/providers"
	"github.com/nulpointcorp/reading-gateway/internal/usage"
)

// --- helpers ----------------------------------------------------------------

type funcProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req *providers.GenerateRequest) (*providers.GenerateResponse, error)
}

func (f *funcProvider) Name() string { return "fake" }

func (f *funcProvider) Generate(_ context.Context, req *providers.GenerateRequest) (*providers.GenerateResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n, req)
}

func (f *funcProvider) HealthCheck(context.Context) error { return nil }

func (f *funcProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResponse(content string, remaining int, known bool) *providers.GenerateResponse {
	return &providers.GenerateResponse{
		ID:      "resp-1",
		Model:   "gpt-4o-mini",
		Content: content,
		Usage:   providers.Usage{InputTokens: 1000, OutputTokens: 500},
		RateLimit: providers.RateLimit{
			Known:           known,
			RemainingTokens: remaining,
			LimitTokens:     200000,
		},
	}
}

var errRateLimited = &providers.Error{Provider: "fake", StatusCode: http.StatusTooManyRequests, Message: "slow down"}

type recordedSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
	err   error
}

func (s *recordedSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return s.err
}

func (s *recordedSleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type eventSink struct {
	mu     sync.Mutex
	events []logger.UsageEvent
}

func (e *eventSink) Log(ev logger.UsageEvent) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinCallGap = 0
	return cfg
}

var testPolicy = usage.NewBudgetPolicy(math.Inf(1), 0.15, 0.60, 1000)

func newTestCaller(t *testing.T, p providers.Provider, cfg Config, opts ...Option) (*Caller, *usage.Ledger, *recordedSleeper) {
	t.Helper()
	ledger := usage.NewLedger(time.UTC)
	sleeper := &recordedSleeper{}
	opts = append([]Option{
		WithSleeper(sleeper.Sleep),
		WithLogger(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))),
	}, opts...)
	return New(p, ledger, cfg, opts...), ledger, sleeper
}

func request() *providers.GenerateRequest {
	return &providers.GenerateRequest{Model: "gpt-4o-mini", MaxTokens: 1000, RequestID: "req-1"}
}

// --- tests ------------------------------------------------------------------

func TestCall_Success(t *testing.T) {
	p := &funcProvider{fn: func(int, *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		return okResponse(`{"reading":{"score":7}}`, 0, false), nil
	}}
	events := &eventSink{}
	c, ledger, sleeper := newTestCaller(t, p, testConfig(), WithEvents(events))

	res, err := c.Call(context.Background(), request(), testPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Reading) != `{"score":7}` {
		t.Errorf("reading = %s", res.Reading)
	}
	if res.Attempts != 1 || p.Calls() != 1 {
		t.Errorf("attempts = %d, calls = %d", res.Attempts, p.Calls())
	}

	wantCost := 1000*testPolicy.PriceIn + 500*testPolicy.PriceOut
	if math.Abs(res.CostUSD-wantCost) > 1e-12 {
		t.Errorf("cost = %g, want %g", res.CostUSD, wantCost)
	}
	snap := ledger.Snapshot()
	if snap.Calls != 1 || snap.Tokens != 1500 || math.Abs(snap.SpentUSD-wantCost) > 1e-12 {
		t.Errorf("ledger = %+v", snap)
	}
	if res.WindowTokens != 1500 || c.WindowTokens() != 1500 {
		t.Errorf("window tokens = %d / %d", res.WindowTokens, c.WindowTokens())
	}
	if len(sleeper.Waits()) != 0 {
		t.Errorf("no cooldown expected, got %v", sleeper.Waits())
	}
	if len(events.events) != 1 || events.events[0].RemainingTokens != -1 || events.events[0].InputTokens != 1000 {
		t.Errorf("unexpected events %+v", events.events)
	}
}

func TestCall_RetriesOnceAfterRateLimit(t *testing.T) {
	p := &funcProvider{fn: func(call int, _ *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		if call == 1 {
			return nil, errRateLimited
		}
		return okResponse(`{"reading":{"score":5}}`, 0, false), nil
	}}
	c, _, sleeper := newTestCaller(t, p, testConfig())

	res, err := c.Call(context.Background(), request(), testPolicy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Calls() != 2 || res.Attempts != 2 {
		t.Errorf("expected exactly one retry, calls=%d attempts=%d", p.Calls(), res.Attempts)
	}
	waits := sleeper.Waits()
	if len(waits) != 1 || waits[0] != 65*time.Second {
		t.Errorf("expected a single 65s cooldown, got %v", waits)
	}
}

func TestCall_SecondRateLimitIsTerminal(t *testing.T) {
	p := &funcProvider{fn: func(int, *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		return nil, errRateLimited
	}}
	c, ledger, sleeper := newTestCaller(t, p, testConfig())

	_, err := c.Call(context.Background(), request(), testPolicy)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	if p.Calls() != 2 {
		t.Errorf("expected no third attempt, got %d calls", p.Calls())
	}
	if len(sleeper.Waits()) != 1 {
		t.Errorf("expected one cooldown, got %v", sleeper.Waits())
	}
	if s := ledger.Snapshot(); s.Calls != 0 {
		t.Errorf("failed calls must not be recorded, got %+v", s)
	}
}

func TestCall_CooldownInterrupted(t *testing.T) {
	p := &funcProvider{fn: func(int, *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		return nil, errRateLimited
	}}
	c, _, sleeper := newTestCaller(t, p, testConfig())
	sleeper.err = context.Canceled

	_, err := c.Call(context.Background(), request(), testPolicy)
	if !errors.Is(err, ErrThrottled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected throttled+canceled, got %v", err)
	}
	if p.Calls() != 1 {
		t.Errorf("calls = %d", p.Calls())
	}
}

func TestCall_TransportErrorNotRetried(t *testing.T) {
	upstreamErr := &providers.Error{Provider: "fake", StatusCode: http.StatusBadGateway, Message: "bad gateway"}
	p := &funcProvider{fn: func(int, *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		return nil, upstreamErr
	}}
	c, _, sleeper := newTestCaller(t, p, testConfig())

	_, err := c.Call(context.Background(), request(), testPolicy)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	var pe *providers.Error
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadGateway {
		t.Errorf("provider error should stay inspectable, got %v", err)
	}
	if p.Calls() != 1 || len(sleeper.Waits()) != 0 {
		t.Errorf("transport errors are not retried: calls=%d waits=%v", p.Calls(), sleeper.Waits())
	}
}

func TestCall_InvalidPayloadStillRecordsUsage(t *testing.T) {
	p := &funcProvider{fn: func(int, *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		return okResponse(`I'm sorry, I can't do that.`, 0, false), nil
	}}
	c, ledger, _ := newTestCaller(t, p, testConfig())

	_, err := c.Call(context.Background(), request(), testPolicy)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if s := ledger.Snapshot(); s.Calls != 1 || s.Tokens != 1500 {
		t.Errorf("usage must be recorded even for unusable output, got %+v", s)
	}
}

func TestCall_SelfThrottleWhenCapacityLow(t *testing.T) {
	p := &funcProvider{fn: func(int, *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		return okResponse(`{"reading":{}}`, 1999, true), nil
	}}
	c, _, sleeper := newTestCaller(t, p, testConfig())

	if _, err := c.Call(context.Background(), request(), testPolicy); err != nil {
		t.Fatal(err)
	}
	waits := sleeper.Waits()
	if len(waits) != 1 || waits[0] != 60*time.Second {
		t.Errorf("expected a 60s self-throttle, got %v", waits)
	}
}

func TestCall_NoSelfThrottle(t *testing.T) {
	cases := []struct {
		name      string
		remaining int
		known     bool
	}{
		{"at threshold", 2000, true},
		{"plenty", 150000, true},
		{"unknown", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &funcProvider{fn: func(int, *providers.GenerateRequest) (*providers.GenerateResponse, error) {
				return okResponse(`{"reading":{}}`, tc.remaining, tc.known), nil
			}}
			c, _, sleeper := newTestCaller(t, p, testConfig())
			if _, err := c.Call(context.Background(), request(), testPolicy); err != nil {
				t.Fatal(err)
			}
			if len(sleeper.Waits()) != 0 {
				t.Errorf("unexpected cooldown %v", sleeper.Waits())
			}
		})
	}
}

func TestCall_SelfThrottleInterruptedStillSucceeds(t *testing.T) {
	p := &funcProvider{fn: func(int, *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		return okResponse(`{"reading":{"score":1}}`, 10, true), nil
	}}
	c, _, sleeper := newTestCaller(t, p, testConfig())
	sleeper.err = context.Canceled

	res, err := c.Call(context.Background(), request(), testPolicy)
	if err != nil {
		t.Fatalf("a paid-for result should still be returned: %v", err)
	}
	if string(res.Reading) != `{"score":1}` {
		t.Errorf("reading = %s", res.Reading)
	}
}

func TestCall_EnforcesMinimumSpacing(t *testing.T) {
	p := &funcProvider{fn: func(int, *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		return okResponse(`{"reading":{}}`, 0, false), nil
	}}
	cfg := testConfig()
	cfg.MinCallGap = 80 * time.Millisecond
	c, _, _ := newTestCaller(t, p, cfg)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Call(context.Background(), request(), testPolicy); err != nil {
			t.Fatal(err)
		}
	}
	// The first call is immediate; each following call waits one gap.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("three calls took %v, expected at least two gaps", elapsed)
	}
}

func TestCall_SpacingWaitHonoursContext(t *testing.T) {
	p := &funcProvider{fn: func(int, *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		return okResponse(`{"reading":{}}`, 0, false), nil
	}}
	cfg := testConfig()
	cfg.MinCallGap = time.Hour
	c, _, _ := newTestCaller(t, p, cfg)

	if _, err := c.Call(context.Background(), request(), testPolicy); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, request(), testPolicy)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected spacing wait to fail with ErrTransport, got %v", err)
	}
	if p.Calls() != 1 {
		t.Errorf("provider must not be called when the wait fails, got %d", p.Calls())
	}
}

func TestSleepContext(t *testing.T) {
	if err := SleepContext(context.Background(), 0); err != nil {
		t.Errorf("zero sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCall_LogsRetry(t *testing.T) {
	var buf bytes.Buffer
	p := &funcProvider{fn: func(call int, _ *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		if call == 1 {
			return nil, errRateLimited
		}
		return okResponse(`{"reading":{}}`, 0, false), nil
	}}
	c, _, _ := newTestCaller(t, p, testConfig(), WithLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	if _, err := c.Call(context.Background(), request(), testPolicy); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "upstream_throttled_retry") {
		t.Errorf("expected retry log line, got %s", buf.String())
	}
}

type traceKey struct{}

// traceHandler adds the trace id carried by the record context.
type traceHandler struct{ slog.Handler }

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(traceKey{}).(string); ok {
		r.AddAttrs(slog.String("trace", id))
	}
	return h.Handler.Handle(ctx, r)
}

func TestCall_UsageWindowLogCarriesContext(t *testing.T) {
	var buf bytes.Buffer
	p := &funcProvider{fn: func(int, *providers.GenerateRequest) (*providers.GenerateResponse, error) {
		return okResponse(`{"reading":{}}`, 0, false), nil
	}}
	log := slog.New(traceHandler{slog.NewJSONHandler(&buf, nil)})
	c, _, _ := newTestCaller(t, p, testConfig(), WithLogger(log))

	ctx := context.WithValue(context.Background(), traceKey{}, "t-42")
	if _, err := c.Call(ctx, request(), testPolicy); err != nil {
		t.Fatal(err)
	}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, `"msg":"usage_window"`) {
			if !strings.Contains(line, `"trace":"t-42"`) {
				t.Errorf("usage_window logged without request context: %s", line)
			}
			return
		}
	}
	t.Errorf("no usage_window line in %s", buf.String())
}
