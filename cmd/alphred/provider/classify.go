package provider

import (
	"fmt"
	"regexp"
	"time"
)

// ErrorCode is the typed failure taxonomy for provider runs
type ErrorCode string

const (
	ErrAuth           ErrorCode = "AUTH_ERROR"
	ErrInvalidConfig  ErrorCode = "INVALID_CONFIG"
	ErrInvalidOptions ErrorCode = "INVALID_OPTIONS"
	ErrInvalidEvent   ErrorCode = "INVALID_EVENT"
	ErrMissingResult  ErrorCode = "MISSING_RESULT"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrTransport      ErrorCode = "TRANSPORT_ERROR"
	ErrInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error is a classified terminal provider failure.
type Error struct {
	Code        ErrorCode
	Message     string
	Retryable   bool
	StatusCode  int
	FailureCode string

	// Timeout is set on TIMEOUT errors raised by the adapter's own timer.
	Timeout time.Duration

	// EventIndex and FieldPath locate the offending event on INVALID_EVENT.
	EventIndex int
	FieldPath  string
}

// Classification returns the short lowercase name used in artifact metadata
// and diagnostics.
func (e *Error) Classification() string {
	switch e.Code {
	case ErrAuth:
		return "auth"
	case ErrInvalidConfig:
		return "config"
	case ErrInvalidOptions:
		return "invalid_options"
	case ErrInvalidEvent:
		return "invalid_event"
	case ErrMissingResult:
		return "missing_result"
	case ErrTimeout:
		return "timeout"
	case ErrRateLimited:
		return "rate_limit"
	case ErrTransport:
		return "transport"
	}
	return "internal"
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// retryable applies the fixed taxonomy policy: timeout, rate-limit, and
// transport failures always retry; internal only on a 5xx status; everything
// else never retries.
func retryable(code ErrorCode, status int) bool {
	switch code {
	case ErrTimeout, ErrRateLimited, ErrTransport:
		return true
	case ErrInternal:
		return status >= 500 && status < 600
	}
	return false
}

func newError(code ErrorCode, status int, failureCode, message string) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Retryable:   retryable(code, status),
		StatusCode:  status,
		FailureCode: failureCode,
	}
}

var (
	rateLimitRe = regexp.MustCompile(`(?i)rate.?limit|throttl|too many requests|quota`)
	timeoutRe   = regexp.MustCompile(`(?i)timeout|timed.?out|deadline exceeded`)
	authRe      = regexp.MustCompile(`(?i)billing_error|authentication_failed|invalid.?api.?key|unauthori[sz]ed|permission denied`)
	transportRe = regexp.MustCompile(`(?i)connection (reset|refused|closed)|broken pipe|no such host|network is unreachable|EOF`)
)

// transport failure codes surfaced by SDKs and proxies.
var transportCodes = map[string]ErrorCode{
	"ECONNRESET":   ErrTransport,
	"ECONNREFUSED": ErrTransport,
	"EAI_AGAIN":    ErrTransport,
	"EPIPE":        ErrTransport,
	"ETIMEDOUT":    ErrTimeout,
}

// Classify maps a terminal SDK failure into the typed taxonomy. Status code
// decisively beats message wording; an explicit failure code beats message
// parsing; within message parsing, auth beats rate-limit beats timeout.
func Classify(status int, failureCode, message string) *Error {
	switch {
	case status == 401 || status == 403:
		return newError(ErrAuth, status, failureCode, message)
	case status == 429:
		return newError(ErrRateLimited, status, failureCode, message)
	case status == 408 || status == 504:
		return newError(ErrTimeout, status, failureCode, message)
	case status >= 500 && status < 600:
		return newError(ErrInternal, status, failureCode, message)
	case status >= 400 && status < 500:
		return newError(ErrInvalidOptions, status, failureCode, message)
	}

	if code, ok := transportCodes[failureCode]; ok {
		return newError(code, status, failureCode, message)
	}

	switch {
	case authRe.MatchString(message):
		return newError(ErrAuth, status, failureCode, message)
	case rateLimitRe.MatchString(message):
		return newError(ErrRateLimited, status, failureCode, message)
	case timeoutRe.MatchString(message):
		return newError(ErrTimeout, status, failureCode, message)
	case transportRe.MatchString(message):
		return newError(ErrTransport, status, failureCode, message)
	}

	return newError(ErrInternal, status, failureCode, message)
}

// ClassifyErr wraps Classify for plain errors with no status metadata.
// Already-classified errors pass through unchanged.
func ClassifyErr(err error) *Error {
	if perr, ok := err.(*Error); ok {
		return perr
	}
	return Classify(0, "", err.Error())
}
