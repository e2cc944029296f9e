package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is the classified reason a generation failed.
type Code string

// Failure codes surfaced to callers.
const (
	CodeRateLimited   Code = "rate_limited"
	CodeQuotaExceeded Code = "quota_exceeded"
	CodeMalformed     Code = "malformed_response"
	CodeTimeout       Code = "timeout"
	CodeUnavailable   Code = "unavailable"
)

// Retryable reports whether retrying soon could succeed. Rate and quota
// limits are left to the user to retry later.
func (c Code) Retryable() bool {
	switch c {
	case CodeMalformed, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Error is a generation failure with its classified code.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Classify maps provider, transport and context errors onto a Code.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	msg := strings.ToLower(err.Error())
	quota := strings.Contains(msg, "quota") || strings.Contains(msg, "billing")

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyHTTP(apiErr.StatusCode, quota)
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return classifyHTTP(gErr.Code, quota)
	}

	switch status.Code(err) {
	case codes.ResourceExhausted:
		if quota {
			return CodeQuotaExceeded
		}
		return CodeRateLimited
	case codes.DeadlineExceeded:
		return CodeTimeout
	case codes.InvalidArgument, codes.FailedPrecondition:
		return CodeMalformed
	case codes.Unknown:
		// Not a gRPC error; fall through to message sniffing.
	default:
		return CodeUnavailable
	}

	switch {
	case quota:
		return CodeQuotaExceeded
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return CodeRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return CodeTimeout
	default:
		return CodeUnavailable
	}
}

func classifyHTTP(code int, quota bool) Code {
	switch {
	case code == http.StatusTooManyRequests && quota:
		return CodeQuotaExceeded
	case code == http.StatusTooManyRequests:
		return CodeRateLimited
	case code == http.StatusPaymentRequired || (code == http.StatusForbidden && quota):
		return CodeQuotaExceeded
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return CodeTimeout
	default:
		return CodeUnavailable
	}
}
