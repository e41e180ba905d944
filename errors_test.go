package bastion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorFormatting(t *testing.T) {
	err := &Error{
		Type:       ErrorTypeServer,
		Message:    "upstream returned 502",
		Host:       "api.example.com",
		Attempt:    2,
		MaxRetries: 3,
		Cause:      errors.New("bad gateway"),
	}
	got := err.Error()
	for _, want := range []string{"Server", "upstream returned 502", "host=api.example.com", "attempt 2/3", "bad gateway"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
}

func TestErrorIsMatchesOnType(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &Error{Type: ErrorTypeRateLimited, Message: "throttled"})
	if !errors.Is(err, &Error{Type: ErrorTypeRateLimited}) {
		t.Error("expected type match through wrapping")
	}
	if errors.Is(err, &Error{Type: ErrorTypeNetwork}) {
		t.Error("unexpected match against a different type")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{Type: ErrorTypeNetwork, Message: "send failed", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to be reachable via errors.Is")
	}
}

func TestCanRetryLater(t *testing.T) {
	if CanRetryLater(nil) {
		t.Error("nil is not retryable")
	}
	if !CanRetryLater(&Error{Type: ErrorTypeCircuitOpen, RetryLater: true, Cause: ErrCircuitOpen}) {
		t.Error("circuit refusal should be retryable later")
	}
	if !CanRetryLater(fmt.Errorf("call: %w", ErrCircuitOpen)) {
		t.Error("wrapped sentinel should be retryable later")
	}
	if CanRetryLater(&Error{Type: ErrorTypeValidation}) {
		t.Error("validation errors are permanent")
	}
}

func TestIsRateLimited(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed", &Error{Type: ErrorTypeRateLimited}, true},
		{"status", &Error{Type: ErrorTypeServer, StatusCode: 429}, true},
		{"message", errors.New("upstream said Too Many Requests"), true},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		if got := IsRateLimited(tc.err); got != tc.want {
			t.Errorf("%s: IsRateLimited = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsTimeoutDistinctFromCancellation(t *testing.T) {
	timeout := &Error{
		Type:      ErrorTypeTimeout,
		Message:   "attempt exceeded deadline",
		Cause:     ErrRequestTimeout,
		Timestamp: time.Now(),
	}
	if !IsTimeout(timeout) {
		t.Error("expected timeout classification")
	}
	if IsTimeout(context.Canceled) {
		t.Error("caller cancellation is not a per-attempt timeout")
	}
	if isCancellation(timeout) {
		t.Error("per-attempt timeouts must not look like cancellation")
	}
	if !isCancellation(context.DeadlineExceeded) {
		t.Error("deadline exceeded is cancellation")
	}
}
