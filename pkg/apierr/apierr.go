// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeUpstreamError     = "upstream_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeNotFoundError     = "not_found_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeBudgetExceeded    = "budget_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeModelNotAllowed   = "model_not_allowed"
	CodeNoUpstream        = "no_upstream_channel"
	CodeInternalError     = "internal_error"
	CodeUpstreamError     = "upstream_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUnauthenticated writes a 401 for missing or invalid credentials.
func WriteUnauthenticated(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "invalid or missing API key", TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteForbidden writes a 403 for a valid credential without access to the
// requested model.
func WriteForbidden(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusForbidden, "model "+model+" is not allowed for this API key", TypePermissionError, CodeModelNotAllowed)
}

// WriteBudgetExceeded writes a 429 for an exhausted budget.
func WriteBudgetExceeded(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusTooManyRequests, "budget limit exceeded for this API key", TypeRateLimitError, CodeBudgetExceeded)
}

// WriteNoUpstream writes a 404 when no channel supports the model.
func WriteNoUpstream(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound, "no upstream channel supports model "+model, TypeNotFoundError, CodeNoUpstream)
}

// WriteUpstreamError maps an upstream HTTP status to the gateway response.
//
//	Upstream 429 → 429 + Retry-After: 60
//	Timeout      → 504
//	Default      → 502
func WriteUpstreamError(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	switch {
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstreamError, CodeUpstreamError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeUpstreamError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
