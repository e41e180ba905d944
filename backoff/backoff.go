// Package backoff provides retry delay strategies for the resilience
// executor. Implement Strategy to plug in a custom delay schedule.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (0-based).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential grows the delay by Multiplier per attempt, capped at Cap,
// with optional uniform jitter as a fraction of the computed delay.
// Rand, when set, replaces the global source so tests can pin jitter.
type Exponential struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	Jitter     float64
	Rand       *rand.Rand
}

// Delay implements Strategy.
func (s Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Clamp the exponent so the float math cannot overflow.
	if attempt > 30 {
		attempt = 30
	}
	multiplier := s.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	d := time.Duration(float64(s.Base) * pow(multiplier, attempt))
	if d < 0 || (s.Cap > 0 && d > s.Cap) {
		d = s.Cap
	}
	jitter := clamp01(s.Jitter)
	if jitter > 0 {
		extra := time.Duration(float64(d) * jitter * random(s.Rand))
		if s.Cap > 0 && d+extra > s.Cap {
			d = s.Cap
		} else {
			d += extra
		}
	}
	return d
}

// Decorrelated implements AWS-style decorrelated jitter: a random delay
// between Base and min(Cap, Base*3^attempt). It smooths tail latencies
// compared to plain exponential jitter.
type Decorrelated struct {
	Base time.Duration
	Cap  time.Duration
	Rand *rand.Rand
}

// Delay implements Strategy.
func (s Decorrelated) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return s.Base
	}
	if attempt > 10 {
		attempt = 10
	}
	base := float64(s.Base)
	upper := base * pow(3.0, attempt)
	capF := float64(s.Cap)
	if s.Cap > 0 && (upper > capF || upper < 0) {
		upper = capF
	}
	if upper < base {
		upper = base
	}
	d := time.Duration(base + random(s.Rand)*(upper-base))
	if d < 0 || (s.Cap > 0 && d > s.Cap) {
		d = s.Cap
	}
	return d
}

func random(r *rand.Rand) float64 {
	if r != nil {
		return r.Float64()
	}
	return rand.Float64()
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
