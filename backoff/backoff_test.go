package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestExponentialGrowth(t *testing.T) {
	s := Exponential{Base: 100 * time.Millisecond, Cap: time.Minute}

	for attempt, want := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	} {
		if got := s.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestExponentialCap(t *testing.T) {
	s := Exponential{Base: time.Second, Cap: 5 * time.Second}
	if got := s.Delay(10); got != 5*time.Second {
		t.Errorf("Delay(10) = %v, want the 5s cap", got)
	}
	// Huge attempts must not overflow into negative durations.
	if got := s.Delay(500); got != 5*time.Second {
		t.Errorf("Delay(500) = %v, want the 5s cap", got)
	}
}

func TestExponentialJitterBounds(t *testing.T) {
	s := Exponential{Base: 100 * time.Millisecond, Cap: time.Minute, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		got := s.Delay(2)
		if got < 400*time.Millisecond || got > 600*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want within [400ms, 600ms]", got)
		}
	}
}

func TestExponentialSeededJitterIsDeterministic(t *testing.T) {
	a := Exponential{Base: 100 * time.Millisecond, Cap: time.Minute, Jitter: 0.5, Rand: rand.New(rand.NewSource(7))}
	b := Exponential{Base: 100 * time.Millisecond, Cap: time.Minute, Jitter: 0.5, Rand: rand.New(rand.NewSource(7))}

	for attempt := 0; attempt < 5; attempt++ {
		if got, want := a.Delay(attempt), b.Delay(attempt); got != want {
			t.Errorf("Delay(%d): seeded sources diverged, %v vs %v", attempt, got, want)
		}
	}
}

func TestExponentialNegativeAttempt(t *testing.T) {
	s := Exponential{Base: 100 * time.Millisecond}
	if got := s.Delay(-3); got != 100*time.Millisecond {
		t.Errorf("Delay(-3) = %v, want the base", got)
	}
}

func TestDecorrelatedBounds(t *testing.T) {
	s := Decorrelated{Base: 100 * time.Millisecond, Cap: 2 * time.Second}

	if got := s.Delay(0); got != 100*time.Millisecond {
		t.Errorf("Delay(0) = %v, want the base", got)
	}
	for i := 0; i < 100; i++ {
		got := s.Delay(5)
		if got < 100*time.Millisecond || got > 2*time.Second {
			t.Fatalf("Delay(5) = %v, want within [base, cap]", got)
		}
	}
}

func TestDecorrelatedSeededIsDeterministic(t *testing.T) {
	a := Decorrelated{Base: 100 * time.Millisecond, Cap: 2 * time.Second, Rand: rand.New(rand.NewSource(7))}
	b := Decorrelated{Base: 100 * time.Millisecond, Cap: 2 * time.Second, Rand: rand.New(rand.NewSource(7))}

	for attempt := 1; attempt < 5; attempt++ {
		if got, want := a.Delay(attempt), b.Delay(attempt); got != want {
			t.Errorf("Delay(%d): seeded sources diverged, %v vs %v", attempt, got, want)
		}
	}
}
