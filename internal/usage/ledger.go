// Package usage tracks what the gateway spends on its generation provider.
//
// Ledger holds the per-day counters (tokens, calls, USD) that drive the
// daily budget ceiling and the /usage report. TokenWindow keeps a rolling
// short-term view of token consumption for diagnostics only.
package usage

import (
	"math"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// Snapshot is a read-only copy of the ledger state.
type Snapshot struct {
	Day      string
	Tokens   int64
	Calls    int64
	SpentUSD float64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now. Used by tests to cross day boundaries.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger is the process-wide daily usage record. All methods are safe for
// concurrent use and roll the record over before touching it.
type Ledger struct {
	mu  sync.Mutex
	loc *time.Location
	now func() time.Time

	day    string
	tokens int64
	calls  int64
	spent  float64
}

// NewLedger returns a zeroed ledger for the current day in loc.
// A nil loc means UTC.
func NewLedger(loc *time.Location, opts ...Option) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	l := &Ledger{loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.day = l.today()
	return l
}

// Location returns the reference timezone of the calendar day.
func (l *Ledger) Location() *time.Location { return l.loc }

// Rollover resets the counters if the calendar day changed since the last
// operation. Calling it repeatedly within a day is a no-op.
func (l *Ledger) Rollover() {
	l.mu.Lock()
	l.rolloverLocked()
	l.mu.Unlock()
}

// RecordUsage accounts one completed provider call and returns its cost.
// Prices are USD per unit; no rounding is applied.
func (l *Ledger) RecordUsage(in, out int, priceIn, priceOut float64) float64 {
	if in < 0 {
		in = 0
	}
	if out < 0 {
		out = 0
	}
	cost := float64(in)*priceIn + float64(out)*priceOut

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	l.tokens += int64(in + out)
	l.calls++
	l.spent += cost
	return cost
}

// IsOverBudget reports whether today's spend reached ceiling.
// A NaN or infinite ceiling means no budget and always reports false.
func (l *Ledger) IsOverBudget(ceiling float64) bool {
	if math.IsNaN(ceiling) || math.IsInf(ceiling, 0) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return l.spent >= ceiling
}

// Snapshot returns the current counters.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return Snapshot{Day: l.day, Tokens: l.tokens, Calls: l.calls, SpentUSD: l.spent}
}

// NextReset returns the start of the next calendar day in the ledger's zone.
func (l *Ledger) NextReset() time.Time {
	t := l.now().In(l.loc)
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, l.loc)
}

func (l *Ledger) rolloverLocked() {
	if today := l.today(); today != l.day {
		l.day = today
		l.tokens = 0
		l.calls = 0
		l.spent = 0
	}
}

func (l *Ledger) today() string {
	return l.now().In(l.loc).Format(dayLayout)
}
