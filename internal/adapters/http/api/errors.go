package api

import (
	"errors"
	"net/http"

	service "github.com/okian/ritual/internal/app"
	"github.com/okian/ritual/internal/generation"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnauthenticated = errors.New("missing or invalid bearer token")
)

// Error codes returned in response bodies.
const (
	codeBadRequest           = "bad_request"
	codeUnauthenticated      = "unauthenticated"
	codeForbidden            = "forbidden"
	codeNotFound             = "not_found"
	codeValidation           = "validation_error"
	codeConflict             = "conflict"
	codeConcurrentSubmission = "concurrent_submission"
	codeGenerationTimeout    = "generation_timeout"
	codeGenerationFailed     = "generation_failed"
	codePersistence          = "persistence_error"
)

// statusFor maps an error onto its HTTP status and response code.
func statusFor(err error) (int, string) {
	var genErr *service.GenerationError
	switch {
	case errors.As(err, &genErr):
		if genErr.Code == generation.CodeRateLimited || genErr.Code == generation.CodeQuotaExceeded {
			return http.StatusTooManyRequests, codeGenerationFailed
		}
		return http.StatusBadGateway, codeGenerationFailed
	case errors.Is(err, service.ErrGenerationTimeout):
		return http.StatusAccepted, codeGenerationTimeout
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, codeBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, codeUnauthenticated
	case errors.Is(err, service.ErrConcurrentSubmission):
		return http.StatusConflict, codeConcurrentSubmission
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, codeConflict
	default:
		return http.StatusInternalServerError, codePersistence
	}
}
