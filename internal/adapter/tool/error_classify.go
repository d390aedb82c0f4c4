package tool

import (
	"errors"
	"strings"

	"monadic-chat/internal/domain"
)

// retryableSentinels lists domain errors that indicate transient failures.
var retryableSentinels = []error{
	domain.ErrTimeout,
	domain.ErrTransport,
	domain.ErrRateLimit,
	domain.ErrProviderError,
}

// retryablePatterns are substrings in error messages that indicate transient
// failures. Checked case-insensitively.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
}

// isTransient reports whether a tool failure may succeed when the model
// calls the tool again.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	for _, sentinel := range retryableSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// toToolError converts a handler failure into the ToolError the model sees.
// Transient failures carry a hint so the model may retry the call.
func toToolError(err error) *domain.ToolError {
	var te *domain.ToolError
	if errors.As(err, &te) {
		return te
	}
	msg := err.Error()
	if isTransient(err) {
		msg += " (transient error, may succeed on retry)"
	}
	return &domain.ToolError{Kind: domain.ToolErrExecution, Message: msg}
}
