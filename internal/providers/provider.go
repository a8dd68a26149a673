// Package providers defines the boundary between the gateway and the
// generation provider it fronts (OpenAI, Anthropic or Gemini).
//
// Each provider lives in its own sub-package and implements Provider. Besides
// the generated text, every adapter reports token usage and, when the
// upstream exposes it, remaining rate-limit capacity.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage - token usage stats. Missing fields are zero.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// RateLimit is the remaining-capacity telemetry of the last call.
	// Known is false when the upstream did not report it.
	RateLimit struct {
		Known           bool
		LimitTokens     int
		RemainingTokens int
		ResetTokens     string
	}

	// ResponseSchema describes the structured output the caller expects.
	ResponseSchema struct {
		Name   string
		Schema map[string]any
	}

	// GenerateRequest - normalized generation request.
	GenerateRequest struct {
		Model     string
		Messages  []Message
		MaxTokens int
		Schema    *ResponseSchema
		RequestID string
	}

	// GenerateResponse - normalized provider response.
	GenerateResponse struct {
		ID        string
		Model     string
		Content   string
		Usage     Usage
		RateLimit RateLimit
	}
)

// Provider - generation provider interface.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	HealthCheck(ctx context.Context) error
}

// ProviderTimeout bounds a single upstream HTTP exchange.
const ProviderTimeout = 90 * time.Second

type StatusCoder interface {
	HTTPStatus() int
}

// Error is a structured error returned by an upstream API.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	RateLimit  RateLimit
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// IsRateLimited reports whether err carries an upstream 429.
func IsRateLimited(err error) bool {
	var sc StatusCoder
	return errors.As(err, &sc) && sc.HTTPStatus() == http.StatusTooManyRequests
}

// RateLimitHeaders names the headers an upstream uses for token capacity.
type RateLimitHeaders struct {
	Limit     string
	Remaining string
	Reset     string
}

// ParseRateLimit reads capacity telemetry from h. Known is set only when
// the remaining header is present and numeric.
func ParseRateLimit(h http.Header, names RateLimitHeaders) RateLimit {
	var rl RateLimit
	if h == nil {
		return rl
	}
	if v, ok := headerInt(h, names.Remaining); ok {
		rl.Known = true
		rl.RemainingTokens = v
	}
	if v, ok := headerInt(h, names.Limit); ok {
		rl.LimitTokens = v
	}
	if names.Reset != "" {
		rl.ResetTokens = h.Get(names.Reset)
	}
	return rl
}

func headerInt(h http.Header, name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
