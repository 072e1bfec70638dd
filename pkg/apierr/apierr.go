// Package apierr defines the gateway's stable error taxonomy, its HTTP status
// mapping, and the JSON error envelope written to clients.
//
// Every error that crosses a package boundary on the request path carries one
// of the Code constants so that callers, metrics, and logs agree on what went
// wrong without string matching.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Code identifies one class of gateway failure.
type Code string

// Taxonomy codes. The set is closed: new failure classes get new constants,
// existing ones never change meaning.
const (
	CodeCircuitOpen           Code = "CIRCUIT_OPEN"
	CodeGatewayError          Code = "GATEWAY_ERROR"
	CodeInvalidResponse       Code = "INVALID_RESPONSE"
	CodeGatewayClientError    Code = "GATEWAY_CLIENT_ERROR"
	CodeUnsupportedProvider   Code = "UNSUPPORTED_PROVIDER"
	CodeInvalidConfig         Code = "INVALID_CONFIG"
	CodeProviderNotConfigured Code = "PROVIDER_NOT_CONFIGURED"
	CodeAllProvidersFailed    Code = "ALL_PROVIDERS_FAILED"
	CodeMissingConfig         Code = "MISSING_CONFIG"
	CodeCancelled             Code = "CANCELLED"
)

// ErrorType constants for the JSON envelope.
const (
	TypeProviderError  = "provider_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimitError = "rate_limit_error"
	TypeServerError    = "server_error"
)

// Error is the structured gateway error. Upstream holds the provider's HTTP
// status when the code is CodeGatewayError; it is zero otherwise.
type Error struct {
	Code     Code
	Message  string
	Upstream int
	err      error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus returns the status the gateway reports to its own clients for
// this error. The upstream's original status, if any, is in Upstream.
func (e *Error) HTTPStatus() int { return HTTPStatus(e.Code) }

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps cause. errors.Is/As see through it.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, err: cause}
}

// CodeOf extracts the taxonomy code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }

// Retriable reports whether the fallback chain may advance past this code.
// Configuration and orchestration errors are operator mistakes, not transient
// upstream failures, and surface immediately.
func Retriable(code Code) bool {
	switch code {
	case CodeCircuitOpen, CodeGatewayError, CodeInvalidResponse, CodeGatewayClientError:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a taxonomy code to the status the gateway responds with.
//
//	CIRCUIT_OPEN            → 503
//	GATEWAY_* / INVALID_RESPONSE / ALL_PROVIDERS_FAILED → 502
//	UNSUPPORTED_PROVIDER    → 400
//	config errors           → 500
//	CANCELLED               → 499 (client closed request)
func HTTPStatus(code Code) int {
	switch code {
	case CodeCircuitOpen:
		return fasthttp.StatusServiceUnavailable
	case CodeGatewayError, CodeInvalidResponse, CodeGatewayClientError, CodeAllProvidersFailed:
		return fasthttp.StatusBadGateway
	case CodeUnsupportedProvider:
		return fasthttp.StatusBadRequest
	case CodeInvalidConfig, CodeProviderNotConfigured, CodeMissingConfig:
		return fasthttp.StatusInternalServerError
	case CodeCancelled:
		return 499
	default:
		return fasthttp.StatusInternalServerError
	}
}

func envelopeType(code Code) string {
	switch code {
	case CodeUnsupportedProvider:
		return TypeInvalidRequest
	case CodeInvalidConfig, CodeProviderNotConfigured, CodeMissingConfig:
		return TypeServerError
	default:
		return TypeProviderError
	}
}

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

// Write writes the error as a JSON envelope with the given HTTP status.
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

// WriteError renders err to the response using the taxonomy mapping. Errors
// without a taxonomy code become a generic 500 server_error.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var e *Error
	if !errors.As(err, &e) {
		Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, "internal_error")
		return
	}
	Write(ctx, e.HTTPStatus(), e.Message, envelopeType(e.Code), string(e.Code))
}

// WriteInvalidRequest writes a 400 invalid_request_error envelope.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, "invalid_request")
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, "rate_limit_exceeded")
}
