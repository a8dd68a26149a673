// Package logger implements a non-blocking, batched usage-event logger.
//
// Every completed upstream call produces a UsageEvent. Events are written to
// an internal buffered channel and flushed in batches by a background
// goroutine to one or more sinks, so logging never blocks the generate path.
// If the channel fills up (> 10 000 entries), new events are dropped and
// counted in DroppedEvents.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	drainTimeout  = 5 * time.Second
)

// UsageEvent describes one upstream call and what it cost.
type UsageEvent struct {
	ID            uuid.UUID
	RequestID     string
	Provider      string
	Model         string
	ResponseID    string
	InputTokens   uint32
	OutputTokens  uint32
	CostUSD       float64
	SpentTodayUSD float64
	// RemainingTokens is -1 when the provider did not report capacity.
	RemainingTokens int64
	LimitTokens     int64
	ResetTokens     string
	Attempts        uint8
	LatencyMs       uint32
	CreatedAt       time.Time
}

// Sink persists a batch of events.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []UsageEvent) error
}

type Logger struct {
	ch        chan UsageEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEvents int64

	baseCtx context.Context
	log     *slog.Logger
	sinks   []Sink
}

// New starts the background flusher. With no sinks, events are written to
// slogger through a SlogSink.
func New(ctx context.Context, slogger *slog.Logger, sinks ...Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if len(sinks) == 0 {
		sinks = []Sink{NewSlogSink(slogger)}
	}

	l := &Logger{
		ch:      make(chan UsageEvent, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sinks:   sinks,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues e without blocking.
func (l *Logger) Log(e UsageEvent) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.droppedEvents, 1)
	}
}

func (l *Logger) DroppedEvents() int64 {
	return atomic.LoadInt64(&l.droppedEvents)
}

// Close flushes pending events and stops the flusher.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageEvent, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, s := range l.sinks {
			if err := s.Write(ctx, batch); err != nil {
				l.log.Warn("usage_sink_write_failed",
					slog.String("sink", s.Name()),
					slog.Int("events", len(batch)),
					slog.String("error", err.Error()),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			// The base context is usually cancelled by now; the drain gets
			// its own deadline so the last events still reach the sinks.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), drainTimeout)
			defer cancel()
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush(ctx)
					}
				default:
					flush(ctx)
					return
				}
			}
		}
	}
}

// SlogSink writes each event as a structured log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink { return &SlogSink{log: log} }

func (s *SlogSink) Name() string { return "slog" }

func (s *SlogSink) Write(ctx context.Context, events []UsageEvent) error {
	for _, e := range events {
		s.log.InfoContext(ctx, "usage",
			slog.String("id", e.ID.String()),
			slog.String("request_id", e.RequestID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("response_id", e.ResponseID),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Float64("cost_usd", e.CostUSD),
			slog.Float64("spent_today_usd", e.SpentTodayUSD),
			slog.Int64("remaining_tokens", e.RemainingTokens),
			slog.Int64("limit_tokens", e.LimitTokens),
			slog.String("reset_tokens", e.ResetTokens),
			slog.Uint64("attempts", uint64(e.Attempts)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
