package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/lp-portfolio/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTimeout represents a tier that exceeded its time bound
	CategoryTimeout ErrorCategory = "timeout"
	// CategoryValidation represents a structurally malformed response
	CategoryValidation ErrorCategory = "validation"
	// CategoryTransport represents network or upstream status failures
	CategoryTransport ErrorCategory = "transport"
	// CategoryNotFound represents the absence of usable data in every tier
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryCache represents remote cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryStorage represents local backup storage errors
	CategoryStorage ErrorCategory = "storage"
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewTimeoutError creates an error for a tier that exceeded its bound
func NewTimeoutError(tier string, target string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTimeout,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "TIMEOUT",
		Message:    fmt.Sprintf("%s timed out: %s", tier, target),
		Cause:      cause,
		Details: map[string]interface{}{
			"tier":   tier,
			"target": target,
		},
	}
}

// NewValidationError creates an error for a structurally malformed response
func NewValidationError(source string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadGateway,
		Code:       "INVALID_RESPONSE",
		Message:    fmt.Sprintf("malformed response from %s: %s", source, reason),
		Details: map[string]interface{}{
			"source": source,
			"reason": reason,
		},
	}
}

// NewTransportError creates an error for a network or connection failure
func NewTransportError(target string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransport,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSPORT_ERROR",
		Message:    fmt.Sprintf("request to %s failed", target),
		Cause:      cause,
		Details: map[string]interface{}{
			"target": target,
		},
	}
}

// NewUpstreamStatusError creates an error for a non-2xx upstream response.
// The upstream status is kept as the StatusCode so that 4xx rejections can be
// told apart from server-side failures.
func NewUpstreamStatusError(target string, status int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransport,
		StatusCode: status,
		Code:       "UPSTREAM_STATUS",
		Message:    fmt.Sprintf("%s responded with status %d", target, status),
		Details: map[string]interface{}{
			"target": target,
			"status": status,
		},
	}
}

// NewNotFoundError creates an error for a key no tier had data for
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewStorageError creates a local storage error
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorage,
		StatusCode: http.StatusInternalServerError,
		Code:       "STORAGE_ERROR",
		Message:    fmt.Sprintf("storage error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInvalidKeyError creates an invalid portfolio key error
func NewInvalidKeyError(key string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_KEY",
		Message:    fmt.Sprintf("invalid portfolio key: %q", key),
		Details: map[string]interface{}{
			"key": key,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Cause:      cause,
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	switch err.Code {
	case "INVALID_KEY", "INVALID_INPUT":
		return &CategorizedError{
			Category:   CategoryUserInput,
			StatusCode: http.StatusBadRequest,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	case "NOT_FOUND":
		return &CategorizedError{
			Category:   CategoryNotFound,
			StatusCode: http.StatusNotFound,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	default:
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// clientStatusPattern matches a 4xx status mentioned in an error message,
// e.g. "status 404" or "status code: 429"
var clientStatusPattern = regexp.MustCompile(`(?i)status(?: code)?:?\s*4\d\d\b`)

// IsClientRejection reports whether the error is a client-side (4xx-class)
// rejection. Categorized errors are checked by status code, anything else by
// whether its message names a 4xx status.
func IsClientRejection(err error) bool {
	if err == nil {
		return false
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) && catErr.Category != CategorySystem {
		if catErr.StatusCode >= 400 && catErr.StatusCode < 500 {
			return true
		}
	}

	return clientStatusPattern.MatchString(err.Error())
}

// IsValidation reports whether the error is a structural validation failure
func IsValidation(err error) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Category == CategoryValidation
}

// IsTimeout reports whether the error is a timeout
func IsTimeout(err error) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Category == CategoryTimeout
}

// IsRecoverable determines if an error is worth retrying: network-class
// failures are, validation failures and client rejections are not
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || IsClientRejection(err) {
		return false
	}

	catErr := Categorize(err)
	switch catErr.Category {
	case CategoryTimeout, CategoryTransport, CategoryCache, CategoryStorage:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout ||
			catErr.Code == "INTERNAL_ERROR"
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.Category == CategoryUserInput || catErr.Category == CategoryNotFound
}
