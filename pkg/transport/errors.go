package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/storage"
)

var statusByType = map[api.ErrorType]int{
	api.ErrorTypeInvalidRequest:  http.StatusBadRequest,
	api.ErrorTypeNotFound:        http.StatusNotFound,
	api.ErrorTypeTooManyRequests: http.StatusTooManyRequests,
	api.ErrorTypeNotImplemented:  http.StatusNotImplemented,
	api.ErrorTypeUnavailable:     http.StatusServiceUnavailable,
}

// HTTPStatusFromError returns the status code for err's type. Unknown types,
// server_error and model_error answer 500.
func HTTPStatusFromError(err *api.APIError) int {
	if code, ok := statusByType[err.Type]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// AsAPIError normalizes err. APIErrors anywhere in the chain are returned
// as-is and storage.ErrNotFound becomes not_found. Everything else is a
// server_error.
func AsAPIError(err error) *api.APIError {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, storage.ErrNotFound) {
		return api.NewNotFoundError(err.Error())
	}
	return api.NewServerError(err.Error())
}

// WriteErrorResponse writes {"error": apiErr} with the given status.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteAPIError is WriteErrorResponse with the status derived from the
// error type.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
