package bastion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCircuitOpen is returned when a breaker refuses a request before
	// any network attempt is made.
	ErrCircuitOpen = errors.New("bastion: circuit open")

	// ErrRequestTimeout is returned when a single attempt exceeds the
	// configured per-request timeout. It is distinct from caller
	// cancellation, which propagates as context.Canceled.
	ErrRequestTimeout = errors.New("bastion: request timed out")

	// ErrGatesClosed is returned by a registry whose Shutdown has been
	// called and that is no longer recreating gates.
	ErrGatesClosed = errors.New("bastion: gate registry shut down")
)

// Error type labels carried by *Error.
const (
	ErrorTypeNetwork     = "Network"
	ErrorTypeTimeout     = "Timeout"
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeRateLimited = "RateLimited"
	ErrorTypeServer      = "Server"
	ErrorTypeValidation  = "Validation"
)

// Error is the rich error returned by the executor and configuration
// validation. RetryLater distinguishes "the resilience layer refused or
// gave up on this call" from "the remote service rejected the data":
// callers may retry the former after a cooldown.
type Error struct {
	Type       string
	Message    string
	Cause      error
	Host       string
	StatusCode int
	Attempt    int
	MaxRetries int
	RetryLater bool
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Host != "" {
		msg = fmt.Sprintf("%s [host=%s]", msg, e.Host)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types so errors.Is matches on Type.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if other, ok := target.(*Error); ok {
		return e.Type == other.Type
	}
	return false
}

// CanRetryLater reports whether err indicates the call was refused or
// exhausted by the resilience layer rather than rejected by the remote
// service, meaning a later retry may succeed.
func CanRetryLater(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.RetryLater
	}
	return false
}

// IsRateLimited reports whether err carries rate-limit semantics: a 429
// status, the RateLimited error type, or a recognizable message pattern.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Type == ErrorTypeRateLimited || e.StatusCode == 429 {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// IsTimeout reports whether err is a per-attempt timeout produced by the
// executor.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}

// isCancellation reports whether err stems from caller cancellation.
// Cancellation bypasses retry logic and never counts against a breaker.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
