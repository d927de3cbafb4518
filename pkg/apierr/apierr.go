// Package apierr defines the provider error taxonomy shared by the odds
// adapter and the retry driver. Classification from raw responses is
// provider-specific and lives with each adapter; this package only names the
// kinds and what callers may do about them.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies one class of request failure
type Kind int

const (
	KindTransient Kind = iota
	KindAuthentication
	KindRateLimit
	KindQuotaExceeded
	KindValidation
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate_limit"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether a failure of this kind may succeed on a later attempt
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimit
}

// Sentinels for errors.Is matching on kind
var (
	ErrTransient      = &Error{Kind: KindTransient, Message: "transient provider failure"}
	ErrAuthentication = &Error{Kind: KindAuthentication, Message: "authentication failed"}
	ErrRateLimit      = &Error{Kind: KindRateLimit, Message: "rate limit exceeded"}
	ErrQuotaExceeded  = &Error{Kind: KindQuotaExceeded, Message: "usage quota exceeded"}
	ErrValidation     = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrTimeout        = &Error{Kind: KindTimeout, Message: "deadline exceeded"}
)

// Error is a classified request failure
type Error struct {
	Kind       Kind
	StatusCode int    // 0 when no response was received
	Code       string // provider error code, if any
	Message    string
	Details    string
	RetryAfter *time.Duration // provider-indicated wait, rate limit only
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so the sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Validation builds a caller-fixable error
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: "invalid request", Details: fmt.Sprintf(format, args...)}
}

// Transient wraps a low-level failure as retryable
func Transient(cause error) *Error {
	return &Error{Kind: KindTransient, Message: "transient provider failure", Cause: cause}
}

// RateLimited builds a rate limit error with an optional retry-after
func RateLimited(retryAfter *time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// Timeout wraps the last observed failure when the overall deadline ran out
func Timeout(last error) *Error {
	return &Error{Kind: KindTimeout, Message: "deadline exceeded", Cause: last}
}

// As extracts a classified error from err's chain
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or false if err is not classified
func KindOf(err error) (Kind, bool) {
	if apiErr, ok := As(err); ok {
		return apiErr.Kind, true
	}
	return 0, false
}
