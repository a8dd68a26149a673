// Package apierr writes the gateway's JSON error envelopes.
//
// Requests turned away before any upstream work use the rejection shape
//
//	{"ok":false,"error":"<code>","message":"..."}
//
// while failures of an admitted generation use
//
//	{"error":"generation_failed","code":"<code>","message":"...","hint":"..."}
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Rejection codes.
const (
	CodeBusy           = "busy"
	CodeBudgetExceeded = "budget_exceeded"
	CodeRateLimited    = "rate_limited"
	CodeInvalidRequest = "invalid_request"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeInternalError  = "internal_error"
)

// Generation failure codes.
const (
	ErrorGenerationFailed = "generation_failed"
	CodeUpstreamThrottled = "upstream_throttled"
	CodeUpstreamInvalid   = "upstream_invalid_payload"
	CodeUpstreamTransport = "upstream_transport_error"
)

type (
	// Rejection is the body of a request refused before generation.
	Rejection struct {
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
		Message string `json:"message,omitempty"`
	}

	// GenerationError is the body of a failed generation.
	GenerationError struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Hint    string `json:"hint"`
	}
)

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}

// Write writes a rejection envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, code, message string) {
	writeJSON(ctx, status, Rejection{OK: false, Error: code, Message: message})
}

// WriteBusy writes the 429 returned while another generation is in flight.
func WriteBusy(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusTooManyRequests, CodeBusy, "another reading is being generated, try again shortly")
}

// WriteBudgetExceeded writes the 429 returned once today's budget is spent.
func WriteBudgetExceeded(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusTooManyRequests, CodeBudgetExceeded, "daily budget exhausted, resets at the next day boundary")
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
}

// WriteInvalidRequest writes a 400.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, CodeInvalidRequest, message)
}

// WriteForbidden writes a 403.
func WriteForbidden(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusForbidden, CodeForbidden, "invalid admin key")
}

// WriteGenerationFailed writes the 500 envelope of a failed generation.
func WriteGenerationFailed(ctx *fasthttp.RequestCtx, code, message, hint string) {
	writeJSON(ctx, fasthttp.StatusInternalServerError, GenerationError{
		Error:   ErrorGenerationFailed,
		Code:    code,
		Message: message,
		Hint:    hint,
	})
}

// WriteInternal writes a generic 500.
func WriteInternal(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, CodeInternalError, message)
}
