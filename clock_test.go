package bastion

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock. Sleep advances time instead of
// blocking, which keeps backoff and expiry tests instant and
// deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSystemClockNow(t *testing.T) {
	clock := SystemClock()
	before := time.Now()
	got := clock.Now()
	if got.Before(before.Add(-time.Second)) {
		t.Errorf("Now() = %v, wanted a current timestamp", got)
	}
}

func TestSystemClockSleepHonorsCancellation(t *testing.T) {
	clock := SystemClock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := clock.Sleep(ctx, time.Minute)
	if err == nil {
		t.Fatal("Sleep() returned nil for canceled context")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Sleep() blocked %v after cancellation", elapsed)
	}
}
