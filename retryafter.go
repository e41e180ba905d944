package bastion

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxRetryAfter caps server-supplied delays so a hostile or misconfigured
// upstream cannot park the client for hours.
const maxRetryAfter = time.Hour

// ParseRetryAfter interprets a Retry-After header value as either
// delta-seconds or an HTTP-date. Dates in the past yield a zero delay
// with ok still true; unparseable values report ok false.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return capRetryAfter(time.Duration(secs) * time.Second), true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return capRetryAfter(d), true
	}
	return 0, false
}

func capRetryAfter(d time.Duration) time.Duration {
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

// RateLimitEvent describes a server push-back observed on the wire.
type RateLimitEvent struct {
	Host   string
	Status int
	Delay  time.Duration
	At     time.Time
}

// RateLimitObserver receives rate-limit events as they happen, typically
// to feed an adaptive concurrency manager or external telemetry.
type RateLimitObserver interface {
	OnRateLimited(event RateLimitEvent)
}

// RateLimitObserverFunc adapts a function to the observer interface.
type RateLimitObserverFunc func(event RateLimitEvent)

// OnRateLimited calls f(event).
func (f RateLimitObserverFunc) OnRateLimited(event RateLimitEvent) {
	f(event)
}

// LoggingRateLimitObserver logs every push-back at warn level. Suitable
// as a starting observer when no adaptive reaction is wired up.
func LoggingRateLimitObserver(logger zerolog.Logger) RateLimitObserver {
	return RateLimitObserverFunc(func(event RateLimitEvent) {
		logger.Warn().
			Str("host", event.Host).
			Int("status", event.Status).
			Dur("delay", event.Delay).
			Msg("rate_limited")
	})
}
