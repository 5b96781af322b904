// Package llm defines the chat-completion interface used by the generator
// and repairer, plus the wrappers shared by every backend.
//
// Backends live in subpackages: openaicompat talks to any server exposing
// /v1/chat/completions over plain HTTP, openai goes through the
// go-openai SDK.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single non-streaming completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the text returned by the backend.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// Provider is a chat-completion backend.
type Provider interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Complete sends the request and returns the first choice.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Error is a backend failure. StatusCode is zero for network errors.
type Error struct {
	Backend    string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Backend, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewStatusError classifies an HTTP status returned by a backend. Rate
// limits and server errors are retryable, everything else is not.
func NewStatusError(backend string, status int, message string) *Error {
	if message == "" {
		message = defaultStatusMessage(status)
	}
	return &Error{
		Backend:    backend,
		StatusCode: status,
		Message:    message,
		Retryable:  status == 429 || status >= 500,
	}
}

// NewNetworkError wraps a transport failure. These are retryable unless
// the caller's context ended.
func NewNetworkError(backend string, err error) *Error {
	return &Error{
		Backend:   backend,
		Message:   fmt.Sprintf("connection error: %s", err.Error()),
		Retryable: !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded),
		Err:       err,
	}
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

func defaultStatusMessage(status int) string {
	switch {
	case status == 400:
		return "invalid request to backend"
	case status == 401 || status == 403:
		return "backend authentication failed"
	case status == 404:
		return "backend resource not found"
	case status == 429:
		return "backend rate limit exceeded"
	case status >= 500:
		return fmt.Sprintf("backend server error (HTTP %d)", status)
	default:
		return fmt.Sprintf("unexpected backend error (HTTP %d)", status)
	}
}

// ErrEmptyResponse is returned when the backend answered without choices.
var ErrEmptyResponse = errors.New("backend returned no choices")
