package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

var fakeThemes = []string{
	"patience", "renewal", "clarity", "momentum", "balance",
	"courage", "release", "focus", "generosity", "rest",
}

// fakeReading returns provider output carrying a reading object. With
// wrap set the JSON is buried in prose and a code fence, the way chatty
// models answer.
func fakeReading(wrap bool) string {
	body := map[string]any{
		"reading": map[string]any{
			"theme":   fakeThemes[rand.IntN(len(fakeThemes))],
			"score":   rand.IntN(10) + 1,
			"summary": "A mock reading produced for development and testing.",
		},
	}
	data, _ := json.Marshal(body)
	if !wrap {
		return string(data)
	}
	return fmt.Sprintf("Here is your reading:\n```json\n%s\n```\nLet me know if you need more.", data)
}

// tokenBucket tracks per-minute token capacity for the rate-limit headers.
type tokenBucket struct {
	mu       sync.Mutex
	capacity int
	used     int
	resetAt  time.Time
}

func newTokenBucket(capacity int) *tokenBucket {
	return &tokenBucket{capacity: capacity, resetAt: time.Now().Add(time.Minute)}
}

// spend records n tokens and returns the remaining capacity and the time
// until the window resets.
func (b *tokenBucket) spend(n int) (remaining int, reset time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if !now.Before(b.resetAt) {
		b.used = 0
		b.resetAt = now.Add(time.Minute)
	}
	b.used += n
	remaining = b.capacity - b.used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, b.resetAt.Sub(now)
}

// setRateLimitHeaders writes limit/remaining/reset headers under the
// provider's header names.
func setRateLimitHeaders(w http.ResponseWriter, limitH, remainingH, resetH string, limit, remaining int, reset string) {
	w.Header().Set(limitH, strconv.Itoa(limit))
	w.Header().Set(remainingH, strconv.Itoa(remaining))
	w.Header().Set(resetH, reset)
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	return roll(cfg.ErrorRate)
}

// shouldThrottle returns true if this request should simulate a 429.
func shouldThrottle(cfg Config) bool {
	return roll(cfg.ThrottleRate)
}

func roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
