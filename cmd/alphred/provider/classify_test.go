package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatusCodes(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		message   string
		code      ErrorCode
		retryable bool
	}{
		{"401 auth", 401, "unauthorized", ErrAuth, false},
		{"403 auth", 403, "forbidden", ErrAuth, false},
		{"429 rate limit", 429, "too many requests", ErrRateLimited, true},
		{"408 timeout", 408, "request timeout", ErrTimeout, true},
		{"504 timeout", 504, "gateway timeout", ErrTimeout, true},
		{"500 internal retryable", 500, "server error", ErrInternal, true},
		{"503 internal retryable", 503, "unavailable", ErrInternal, true},
		{"400 invalid options", 400, "bad request", ErrInvalidOptions, false},
		{"422 invalid options", 422, "unprocessable", ErrInvalidOptions, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify(tt.status, "", tt.message)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.status, e.StatusCode)
		})
	}
}

func TestClassifyStatusBeatsMessage(t *testing.T) {
	// 401 with rate-limit wording classifies as auth.
	e := Classify(401, "", "rate limit exceeded")
	assert.Equal(t, ErrAuth, e.Code)
	assert.False(t, e.Retryable)
}

func TestClassifyFailureCodeBeatsMessage(t *testing.T) {
	e := Classify(0, "ECONNRESET", "something about a rate limit")
	assert.Equal(t, ErrTransport, e.Code)
	assert.True(t, e.Retryable)
	assert.Equal(t, "ECONNRESET", e.FailureCode)

	e = Classify(0, "ETIMEDOUT", "")
	assert.Equal(t, ErrTimeout, e.Code)
	assert.True(t, e.Retryable)
}

func TestClassifyMessageFamilies(t *testing.T) {
	tests := []struct {
		message string
		code    ErrorCode
	}{
		{"Rate limit exceeded, try again later", ErrRateLimited},
		{"request was throttled", ErrRateLimited},
		{"monthly quota exhausted", ErrRateLimited},
		{"operation timed out", ErrTimeout},
		{"context deadline exceeded", ErrTimeout},
		{"billing_error: payment required", ErrAuth},
		{"authentication_failed", ErrAuth},
		{"invalid api key provided", ErrAuth},
		{"connection reset by peer", ErrTransport},
		{"dial tcp: connection refused", ErrTransport},
		{"something inexplicable", ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.code, Classify(0, "", tt.message).Code)
		})
	}
}

func TestClassifyRateLimitBeatsTimeoutInMessage(t *testing.T) {
	e := Classify(0, "", "rate limited: request timed out in queue")
	assert.Equal(t, ErrRateLimited, e.Code)
}

func TestInternalWithoutStatusNotRetryable(t *testing.T) {
	e := Classify(0, "", "something inexplicable")
	assert.Equal(t, ErrInternal, e.Code)
	assert.False(t, e.Retryable)
}

func TestClassifyErrPassthrough(t *testing.T) {
	original := &Error{Code: ErrMissingResult, Message: "no result"}
	assert.Same(t, original, ClassifyErr(original))
}

func TestErrorString(t *testing.T) {
	e := &Error{Code: ErrRateLimited, Message: "slow down", StatusCode: 429}
	assert.Equal(t, "RATE_LIMITED (status 429): slow down", e.Error())

	e = &Error{Code: ErrMissingResult, Message: "stream ended"}
	assert.Equal(t, "MISSING_RESULT: stream ended", e.Error())
}
