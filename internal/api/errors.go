package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/lp-portfolio/internal/errors"
	"github.com/lp-portfolio/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeInvalidKey         = "INVALID_KEY"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeUpstreamFailed     = "UPSTREAM_FAILED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeStreamUnsupported  = "STREAM_UNSUPPORTED"
)

// mapServiceError maps service errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrCodeTimeout, "The request timed out"
	}

	catErr := apperrors.Categorize(err)
	switch catErr.Category {
	case apperrors.CategoryUserInput:
		code := catErr.Code
		if code == "" {
			code = ErrCodeInvalidInput
		}
		return http.StatusBadRequest, code, catErr.Message
	case apperrors.CategoryNotFound:
		return http.StatusNotFound, ErrCodeNotFound, catErr.Message
	case apperrors.CategoryTimeout:
		return http.StatusGatewayTimeout, ErrCodeTimeout, "Portfolio data sources timed out"
	case apperrors.CategoryTransport, apperrors.CategoryValidation:
		return http.StatusBadGateway, ErrCodeUpstreamFailed, "Portfolio data sources are unavailable"
	case apperrors.CategorySystem:
		if catErr.StatusCode == http.StatusServiceUnavailable {
			return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, catErr.Message
		}
	}

	if apperrors.IsClientRejection(err) {
		return http.StatusBadGateway, ErrCodeUpstreamFailed, "Portfolio data sources rejected the request"
	}

	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}
