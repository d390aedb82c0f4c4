package usecase

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"monadic-chat/internal/domain"
)

// ErrorCategory indicates whether an error is retryable or permanent.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, connection errors
	ErrorCategoryPermanent               // 401, 403, 400, malformed
)

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Kind       domain.ErrorKind // turn error kind the failure is reported as
	Sentinel   error            // mapped domain sentinel (e.g. domain.ErrRateLimit), or nil
	StatusCode int              // extracted HTTP status, or 0 if unknown
}

// Retryable reports whether a stream initiation failing this way may be retried.
func (c ClassifiedError) Retryable() bool {
	return c.Category == ErrorCategoryRetryable
}

// TurnError converts the classification into the error that leaves a turn.
func (c ClassifiedError) TurnError() *domain.TurnError {
	detail := ""
	if c.Original != nil {
		detail = c.Original.Error()
	}
	return domain.NewTurnError(c.Kind, detail, c.Original)
}

// ErrorClassifier maps provider, transport and tool errors onto the turn
// error taxonomy.
type ErrorClassifier struct{}

// NewErrorClassifier creates a new classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// apiErrorPattern matches "API error <status_code>:" produced by the provider adapters.
var apiErrorPattern = regexp.MustCompile(`API error (\d+):`)

// Classify inspects an error and returns its category and turn error kind.
// Every non-nil error gets a kind; unrecognised errors are transport errors.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrCancelled) {
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Kind: domain.KindCancelled}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Kind: domain.KindTimeout, Sentinel: domain.ErrTimeout}
	}

	if sentinel := c.classifyBySentinel(err); sentinel.Category != ErrorCategoryUnknown {
		return sentinel
	}

	errStr := err.Error()
	if matches := apiErrorPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return c.classifyByStatus(err, code)
	}

	return c.classifyByString(err, errStr)
}

// classifyBySentinel checks if the error wraps a known domain sentinel.
func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	if kind, ok := domain.KindOf(err); ok {
		cat := ErrorCategoryPermanent
		if kind == domain.KindTransport || kind == domain.KindTimeout {
			cat = ErrorCategoryRetryable
		}
		return ClassifiedError{Original: err, Category: cat, Kind: kind}
	}

	if errors.Is(err, domain.ErrRateLimit) {
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Kind: domain.KindTransport, Sentinel: domain.ErrRateLimit,
		}
	}
	for _, sentinel := range permanentSentinels {
		if errors.Is(err, sentinel) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryPermanent,
				Kind: domain.KindTransport, Sentinel: sentinel,
			}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}

var permanentSentinels = []error{
	domain.ErrAuthInvalid,
	domain.ErrContextOverflow,
	domain.ErrCircuitOpen,
	domain.ErrProviderNotFound,
}

func (c *ErrorClassifier) classifyByStatus(err error, code int) ClassifiedError {
	out := ClassifiedError{Original: err, Kind: domain.KindTransport, StatusCode: code}
	switch {
	case code == 429:
		out.Category = ErrorCategoryRetryable
		out.Sentinel = domain.ErrRateLimit
	case code == 401 || code == 403:
		out.Category = ErrorCategoryPermanent
		out.Sentinel = domain.ErrAuthInvalid
	case code == 408 || code == 504:
		out.Category = ErrorCategoryRetryable
		out.Kind = domain.KindTimeout
		out.Sentinel = domain.ErrTimeout
	case code >= 500 && code < 600:
		out.Category = ErrorCategoryRetryable
	default:
		out.Category = ErrorCategoryPermanent
	}
	return out
}

func (c *ErrorClassifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)

	for _, p := range []string{"rate limit", "too many requests"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
				Kind: domain.KindTransport, Sentinel: domain.ErrRateLimit,
			}
		}
	}

	for _, p := range []string{"timeout", "deadline exceeded"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable,
				Kind: domain.KindTimeout, Sentinel: domain.ErrTimeout,
			}
		}
	}

	for _, p := range []string{"connection refused", "no such host", "connection reset", "eof", "broken pipe"} {
		if strings.Contains(lower, p) {
			return ClassifiedError{
				Original: err, Category: ErrorCategoryRetryable, Kind: domain.KindTransport,
			}
		}
	}

	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown, Kind: domain.KindTransport}
}
