package bastion

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseRetryAfterDeltaSeconds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d, ok := ParseRetryAfter("120", now)
	if !ok {
		t.Fatal("ParseRetryAfter() ok = false for delta-seconds")
	}
	if d != 2*time.Minute {
		t.Errorf("ParseRetryAfter() = %v, want 2m", d)
	}

	if d, ok = ParseRetryAfter("0", now); !ok || d != 0 {
		t.Errorf("ParseRetryAfter(0) = %v, %v; want 0, true", d, ok)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(90 * time.Second)

	d, ok := ParseRetryAfter(future.Format(time.RFC1123), now)
	if !ok {
		t.Fatal("ParseRetryAfter() ok = false for HTTP-date")
	}
	if d != 90*time.Second {
		t.Errorf("ParseRetryAfter() = %v, want 90s", d)
	}
}

func TestParseRetryAfterPastDateIsZero(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	d, ok := ParseRetryAfter(past.Format(time.RFC1123), now)
	if !ok {
		t.Fatal("ParseRetryAfter() ok = false for a past date")
	}
	if d != 0 {
		t.Errorf("ParseRetryAfter() = %v, want 0 for a past date", d)
	}
}

func TestParseRetryAfterCapped(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d, ok := ParseRetryAfter("86400", now)
	if !ok {
		t.Fatal("ParseRetryAfter() ok = false")
	}
	if d != maxRetryAfter {
		t.Errorf("ParseRetryAfter(86400) = %v, want the %v cap", d, maxRetryAfter)
	}
}

func TestParseRetryAfterRejectsGarbage(t *testing.T) {
	now := time.Now()
	for _, value := range []string{"", "soon", "-5", "12.5", "Mon, 32 Jun"} {
		if _, ok := ParseRetryAfter(value, now); ok {
			t.Errorf("ParseRetryAfter(%q) ok = true, want false", value)
		}
	}
}

func TestLoggingRateLimitObserver(t *testing.T) {
	var buf bytes.Buffer
	observer := LoggingRateLimitObserver(zerolog.New(&buf))

	observer.OnRateLimited(RateLimitEvent{
		Host:   "api.example.com",
		Status: 429,
		Delay:  2 * time.Second,
		At:     time.Now(),
	})

	out := buf.String()
	for _, want := range []string{"rate_limited", "api.example.com", "429"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}
