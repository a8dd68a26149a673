package usage

import (
	"sync"
	"time"
)

type windowSample struct {
	at     time.Time
	tokens int
}

// TokenWindow sums token usage over a trailing time window.
type TokenWindow struct {
	mu      sync.Mutex
	span    time.Duration
	now     func() time.Time
	samples []windowSample
}

// NewTokenWindow returns a window covering span. A nil now means time.Now.
func NewTokenWindow(span time.Duration, now func() time.Time) *TokenWindow {
	if span <= 0 {
		span = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &TokenWindow{span: span, now: now}
}

// Add records tokens and returns the window total including them.
func (w *TokenWindow) Add(tokens int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.samples = append(w.samples, windowSample{at: now, tokens: tokens})
	return w.sumLocked(now)
}

// Total returns the tokens recorded within the window.
func (w *TokenWindow) Total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sumLocked(w.now())
}

func (w *TokenWindow) sumLocked(now time.Time) int {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}

	total := 0
	for _, s := range w.samples {
		total += s.tokens
	}
	return total
}
