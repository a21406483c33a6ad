package resilience

import (
	"errors"
	"time"
)

// StatusError carries an HTTP status through retry classification.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf extracts an HTTP status code from the error chain, 0 if none.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// IsThrottle reports whether the error is a rate-limit rejection.
func IsThrottle(err error) bool {
	return StatusOf(err) == 429
}

// ThrottleRetryConfig is the policy for 429 responses: up to 5 attempts,
// delay base*2^attempt plus up to one full second of jitter.
func ThrottleRetryConfig(base time.Duration) RetryConfig {
	if base <= 0 {
		base = time.Second
	}
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: base,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0,
		AdditiveJitter: time.Second,
		ShouldRetry:    IsThrottle,
	}
}

// ServerErrorRetryConfig is the policy for 5xx responses: up to 3 attempts
// with exponential backoff.
func ServerErrorRetryConfig(base time.Duration) RetryConfig {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: base,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
		ShouldRetry: func(err error) bool {
			code := StatusOf(err)
			return code >= 500 || (code == 0 && IsTransient(err))
		},
	}
}
