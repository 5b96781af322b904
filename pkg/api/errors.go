package api

import "strings"

// ErrorType classifies an APIError. Transports map it to a status code.
type ErrorType string

const (
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
	ErrorTypeUnavailable     ErrorType = "unavailable"
	ErrorTypeNotImplemented  ErrorType = "not_implemented"
	ErrorTypeModelError      ErrorType = "model_error"
	ErrorTypeServerError     ErrorType = "server_error"
)

// APIError is the error body returned by every transport. Param names the
// offending request field for invalid_request errors.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Code != "" {
		b.WriteString("/" + e.Code)
	}
	b.WriteString(": " + e.Message)
	if e.Param != "" {
		b.WriteString(" (param: " + e.Param + ")")
	}
	return b.String()
}

// ErrorResponse is the JSON envelope {"error": {...}}.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError reports a bad value for the request field param.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{Type: ErrorTypeInvalidRequest, Param: param, Message: message}
}

func NewNotFoundError(message string) *APIError {
	return &APIError{Type: ErrorTypeNotFound, Message: message}
}

func NewServerError(message string) *APIError {
	return &APIError{Type: ErrorTypeServerError, Message: message}
}

// NewModelError reports a failure of the language model backend that is
// not the caller's fault.
func NewModelError(message string) *APIError {
	return &APIError{Type: ErrorTypeModelError, Message: message}
}

func NewTooManyRequestsError(message string) *APIError {
	return &APIError{Type: ErrorTypeTooManyRequests, Message: message}
}

// NewUnavailableError reports that every run slot is busy.
func NewUnavailableError(message string) *APIError {
	return &APIError{Type: ErrorTypeUnavailable, Message: message}
}

// NewStoreDisabledError is returned for run history operations when no
// store is configured.
func NewStoreDisabledError() *APIError {
	return &APIError{
		Type:    ErrorTypeNotImplemented,
		Code:    "store_disabled",
		Message: "run history is not available (no store configured)",
	}
}
