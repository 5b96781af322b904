package api

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxTopicLength int
	MaxRepairs     int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxTopicLength: 2000,
		MaxRepairs:     5,
	}
}

// ValidateGenerateRequest checks a GenerateRequest for validity. It returns an
// *APIError describing the first validation failure, or nil if the request is valid.
func ValidateGenerateRequest(req *GenerateRequest, cfg ValidationConfig) *APIError {
	if strings.TrimSpace(req.Topic) == "" {
		return NewInvalidRequestError("topic", "topic is required")
	}

	if cfg.MaxTopicLength > 0 && utf8.RuneCountInString(req.Topic) > cfg.MaxTopicLength {
		return NewInvalidRequestError("topic",
			fmt.Sprintf("topic exceeds maximum of %d characters", cfg.MaxTopicLength))
	}

	if req.Renderer != "" && !req.Renderer.Valid() {
		return NewInvalidRequestError("renderer",
			fmt.Sprintf("unknown renderer %q: must be python, dot, or mermaid", req.Renderer))
	}

	if req.MaxRepairs != nil {
		if *req.MaxRepairs < 0 {
			return NewInvalidRequestError("max_repairs", "max_repairs must not be negative")
		}
		if cfg.MaxRepairs > 0 && *req.MaxRepairs > cfg.MaxRepairs {
			return NewInvalidRequestError("max_repairs",
				fmt.Sprintf("max_repairs exceeds maximum of %d", cfg.MaxRepairs))
		}
	}

	return nil
}
