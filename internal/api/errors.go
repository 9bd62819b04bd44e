package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/j-brandt/codecell/internal/filestore"
	"github.com/j-brandt/codecell/internal/kernel"
	"github.com/j-brandt/codecell/internal/session"
)

// Error codes returned in API responses
const (
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeRequestNotFound = "REQUEST_NOT_FOUND"
	ErrCodeFileNotFound    = "FILE_NOT_FOUND"
	ErrCodeValidation      = "VALIDATION_REJECTED"
	ErrCodeStartupFailed   = "KERNEL_STARTUP_FAILED"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
)

// APIError is the structured error body every failed request gets.
type APIError struct {
	Code    string         `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeAPIError maps known errors to structured responses. Kernel startup
// failures deliberately surface only the generic sentinel text; whatever
// the engine reported stays in the logs.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		apiErr = APIError{Code: ErrCodeSessionNotFound, Message: err.Error()}
		statusCode = http.StatusNotFound

	case errors.Is(err, session.ErrRequestNotFound):
		apiErr = APIError{Code: ErrCodeRequestNotFound, Message: err.Error()}
		statusCode = http.StatusNotFound

	case errors.Is(err, filestore.ErrNotFound):
		apiErr = APIError{Code: ErrCodeFileNotFound, Message: err.Error()}
		statusCode = http.StatusNotFound

	case errors.Is(err, kernel.ErrStartupFailed):
		apiErr = APIError{Code: ErrCodeStartupFailed, Message: kernel.ErrStartupFailed.Error()}
		statusCode = http.StatusInternalServerError

	default:
		apiErr = APIError{Code: ErrCodeInternalError, Message: err.Error()}
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationRejected reports code that failed the static checks.
func writeValidationRejected(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeValidation,
		Message: reason,
	})
}

// writeValidationError writes a 400 Bad Request for malformed input.
func writeValidationError(w http.ResponseWriter, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}
