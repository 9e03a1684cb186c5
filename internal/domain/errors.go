package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrValidation      = errors.New("validation failed")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrRateLimited     = errors.New("rate limited")
	ErrTransient       = errors.New("transient failure")
	ErrCircuitOpen     = errors.New("circuit breaker open")
	ErrNotFound        = errors.New("not found")
)

// RateLimitError is returned when an identity exceeded its window.
type RateLimitError struct {
	Identity   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %s)", e.Identity, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// SendError is a structured failure from a platform send API.
type SendError struct {
	Status  int
	Message string
	Type    string
	Code    int
	TraceID string
}

func (e *SendError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("send failed (HTTP %d, %s code %d): %s", e.Status, e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("send failed (HTTP %d): %s", e.Status, e.Message)
}

// Retryable reports whether the failure may succeed on a later attempt.
// Status 0 means the request never got a response.
func (e *SendError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}
