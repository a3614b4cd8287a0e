package telegram

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMaxRetries wraps the last transient error once the retry budget is
	// exhausted.
	ErrMaxRetries = errors.New("telegram: max retries exceeded")

	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("telegram: circuit breaker open")
)

// APIError is a non-OK response from the Bot API. RetryAfter is non-zero when
// Telegram supplied a retry_after hint.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %s)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// IsRetryable reports whether the error is transient: rate limiting or a
// server-side failure. 4xx responses other than 429 (bad chat id, bot
// blocked by the user, malformed payload) are permanent.
func (e *APIError) IsRetryable() bool {
	return e.Code == 429 || e.Code >= 500
}

// TransportError is a network-level failure reaching the Bot API; always
// treated as transient.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "telegram: transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// DeliveryError is a terminal delivery failure carrying how many real send
// attempts were made before giving up, so callers can persist an accurate
// attempt count.
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string { return e.Err.Error() }
func (e *DeliveryError) Unwrap() error { return e.Err }

// DeliveryAttempts returns the number of attempts a terminal delivery failure
// carries, or 0 when err has no attempt information.
func DeliveryAttempts(err error) int {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Attempts
	}
	return 0
}

// IsPermanent reports whether err is a delivery failure that must not be
// retried.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.IsRetryable()
	}
	return false
}

// RateLimitedError extracts the rate-limit hint when err terminated on a 429,
// so callers can record a next-retry-eligible timestamp.
func RateLimitedError(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}
