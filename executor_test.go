package bastion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richertunes/bastion/backoff"
)

type scriptStep struct {
	status     int
	err        error
	retryAfter time.Duration
	hasRA      bool
	latency    time.Duration
}

type scripted struct {
	clock *fakeClock
	steps []scriptStep
	calls int
}

func (s *scripted) transport() Transport[string, scriptStep] {
	return Transport[string, scriptStep]{
		Send: func(ctx context.Context, req string) (scriptStep, error) {
			step := s.steps[len(s.steps)-1]
			if s.calls < len(s.steps) {
				step = s.steps[s.calls]
			}
			s.calls++
			if step.latency > 0 {
				s.clock.Advance(step.latency)
			}
			return step, step.err
		},
		Clone: func(req string) string { return req },
		Host:  func(req string) string { return "api.example.com" },
		Status: func(resp scriptStep) int {
			return resp.status
		},
		RetryAfter: func(resp scriptStep, now time.Time) (time.Duration, bool) {
			return resp.retryAfter, resp.hasRA
		},
	}
}

func testPolicy(clock *fakeClock) ExecPolicy {
	return ExecPolicy{
		MaxRetries:  3,
		RetryBudget: time.Minute,
		Backoff:     backoff.Exponential{Base: 100 * time.Millisecond, Cap: time.Second},
		Clock:       clock,
	}
}

func newScriptedExecutor(t *testing.T, s *scripted, policy ExecPolicy, cfg ExecutorConfig) *Executor[string, scriptStep] {
	t.Helper()
	e, err := NewExecutor(s.transport(), policy, cfg)
	require.NoError(t, err)
	return e
}

func TestExecutorFirstAttemptSuccess(t *testing.T) {
	clock := newFakeClock()
	s := &scripted{clock: clock, steps: []scriptStep{{status: 200}}}
	e := newScriptedExecutor(t, s, testPolicy(clock), ExecutorConfig{})

	resp, err := e.Do(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, 1, s.calls)
}

func TestExecutorHonorsRetryAfterThenSucceeds(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	s := &scripted{clock: clock, steps: []scriptStep{
		{status: 429, retryAfter: 2 * time.Second, hasRA: true},
		{status: 200},
	}}
	e := newScriptedExecutor(t, s, testPolicy(clock), ExecutorConfig{})

	resp, err := e.Do(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, 2, s.calls)
	assert.Equal(t, 2*time.Second, clock.Now().Sub(start),
		"the wait should come from Retry-After, not backoff")
}

func TestExecutorExhaustsRetriesAndReturnsLastResponse(t *testing.T) {
	clock := newFakeClock()
	s := &scripted{clock: clock, steps: []scriptStep{{status: 503}}}
	policy := testPolicy(clock)
	policy.MaxRetries = 2
	e := newScriptedExecutor(t, s, policy, ExecutorConfig{})

	resp, err := e.Do(context.Background(), "req")
	require.NoError(t, err, "exhaustion returns the last response, not an error")
	assert.Equal(t, 503, resp.status)
	assert.Equal(t, 3, s.calls, "MaxRetries=2 means three attempts total")
}

func TestExecutorDoesNotRetryTerminalStatus(t *testing.T) {
	clock := newFakeClock()
	s := &scripted{clock: clock, steps: []scriptStep{{status: 404}}}
	e := newScriptedExecutor(t, s, testPolicy(clock), ExecutorConfig{})

	resp, err := e.Do(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, 404, resp.status)
	assert.Equal(t, 1, s.calls)
}

func TestExecutorRetriesNetworkErrors(t *testing.T) {
	clock := newFakeClock()
	s := &scripted{clock: clock, steps: []scriptStep{
		{err: errors.New("connection reset")},
		{status: 200},
	}}
	e := newScriptedExecutor(t, s, testPolicy(clock), ExecutorConfig{})

	resp, err := e.Do(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, 2, s.calls)
}

func TestExecutorStopsOnNonRetryableError(t *testing.T) {
	clock := newFakeClock()
	fatal := errors.New("tls handshake failed")
	s := &scripted{clock: clock, steps: []scriptStep{{err: fatal}}}
	policy := testPolicy(clock)
	policy.IsRetryable = func(err error) bool { return !errors.Is(err, fatal) }
	e := newScriptedExecutor(t, s, policy, ExecutorConfig{})

	_, err := e.Do(context.Background(), "req")
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, s.calls)
}

func TestExecutorPreCanceledContextNeverSends(t *testing.T) {
	clock := newFakeClock()
	s := &scripted{clock: clock, steps: []scriptStep{{status: 200}}}
	e := newScriptedExecutor(t, s, testPolicy(clock), ExecutorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Do(ctx, "req")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.calls)
}

func TestExecutorCancellationDuringSendRecordsNothing(t *testing.T) {
	clock := newFakeClock()
	breakers, err := NewBreakerRegistry(BreakerOptions{
		ConsecutiveFailureThreshold: 1,
		Clock:                       clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tr := Transport[string, scriptStep]{
		Send: func(ctx context.Context, req string) (scriptStep, error) {
			cancel()
			return scriptStep{}, ctx.Err()
		},
		Clone: func(req string) string { return req },
		Host:  func(req string) string { return "api.example.com" },
	}
	e, err := NewExecutor(tr, testPolicy(clock), ExecutorConfig{Breakers: breakers})
	require.NoError(t, err)

	_, err = e.Do(ctx, "req")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, breakers.Get("api.example.com").State(),
		"caller cancellation must not trip the breaker")
}

func TestExecutorPerRequestTimeout(t *testing.T) {
	clock := newFakeClock()
	tr := Transport[string, scriptStep]{
		Send: func(ctx context.Context, req string) (scriptStep, error) {
			<-ctx.Done()
			return scriptStep{}, ctx.Err()
		},
		Clone: func(req string) string { return req },
		Host:  func(req string) string { return "api.example.com" },
	}
	policy := testPolicy(clock)
	policy.MaxRetries = 0
	policy.PerRequestTimeout = 20 * time.Millisecond
	e, err := NewExecutor(tr, policy, ExecutorConfig{})
	require.NoError(t, err)

	_, err = e.Do(context.Background(), "req")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.True(t, IsTimeout(err))
	assert.NotErrorIs(t, err, context.DeadlineExceeded,
		"an attempt timeout is not caller cancellation")
}

func TestExecutorBreakerFailsFast(t *testing.T) {
	clock := newFakeClock()
	breakers, err := NewBreakerRegistry(BreakerOptions{
		ConsecutiveFailureThreshold: 1,
		BreakDuration:               time.Hour,
		Clock:                       clock,
	})
	require.NoError(t, err)

	s := &scripted{clock: clock, steps: []scriptStep{{err: errors.New("boom")}}}
	e := newScriptedExecutor(t, s, testPolicy(clock), ExecutorConfig{Breakers: breakers})

	_, err = e.Do(context.Background(), "req")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, CanRetryLater(err))
	assert.Equal(t, 1, s.calls, "the open breaker must stop further attempts")
}

func TestExecutorRetryBudgetStopsEarly(t *testing.T) {
	clock := newFakeClock()
	s := &scripted{clock: clock, steps: []scriptStep{{status: 503}}}
	policy := testPolicy(clock)
	policy.RetryBudget = 5 * time.Second
	policy.Backoff = backoff.Exponential{Base: 10 * time.Second, Cap: 10 * time.Second}
	e := newScriptedExecutor(t, s, policy, ExecutorConfig{})

	resp, err := e.Do(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, 503, resp.status)
	assert.Equal(t, 1, s.calls, "a delay that would bust the budget stops the loop")
}

func TestExecutorNotifiesRateLimitObserver(t *testing.T) {
	clock := newFakeClock()
	s := &scripted{clock: clock, steps: []scriptStep{
		{status: 429, retryAfter: 3 * time.Second, hasRA: true},
		{status: 200},
	}}

	var events []RateLimitEvent
	observer := RateLimitObserverFunc(func(e RateLimitEvent) {
		events = append(events, e)
	})
	e := newScriptedExecutor(t, s, testPolicy(clock), ExecutorConfig{Observer: observer})

	_, err := e.Do(context.Background(), "req")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "api.example.com", events[0].Host)
	assert.Equal(t, 429, events[0].Status)
	assert.Equal(t, 3*time.Second, events[0].Delay)
}

func TestExecutorObserverRequiresRetryAfter(t *testing.T) {
	clock := newFakeClock()
	s := &scripted{clock: clock, steps: []scriptStep{
		{status: 429},
		{status: 503},
		{status: 200},
	}}

	var events []RateLimitEvent
	observer := RateLimitObserverFunc(func(e RateLimitEvent) {
		events = append(events, e)
	})
	e := newScriptedExecutor(t, s, testPolicy(clock), ExecutorConfig{Observer: observer})

	_, err := e.Do(context.Background(), "req")
	require.NoError(t, err)
	assert.Empty(t, events, "push-back without a Retry-After carries no delay to report")
}

// fixedDelay stands in for a caller-supplied schedule; it lives outside
// the backoff package to prove the Strategy seam is open.
type fixedDelay time.Duration

func (d fixedDelay) Delay(int) time.Duration { return time.Duration(d) }

func TestExecutorAcceptsCustomBackoffStrategy(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	s := &scripted{clock: clock, steps: []scriptStep{
		{err: errors.New("connection reset")},
		{status: 200},
	}}
	policy := testPolicy(clock)
	policy.Backoff = fixedDelay(7 * time.Second)
	e := newScriptedExecutor(t, s, policy, ExecutorConfig{})

	_, err := e.Do(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, clock.Now().Sub(start))
}

func TestExecutorFeedsLimiterOnRateLimit(t *testing.T) {
	clock := newFakeClock()
	limiter, err := NewConcurrencyManager(ConcurrencyOptions{
		MinConcurrency: 1,
		MaxConcurrency: 64,
		Clock:          clock,
	})
	require.NoError(t, err)
	before := limiter.CurrentLimit()

	s := &scripted{clock: clock, steps: []scriptStep{
		{status: 429, retryAfter: time.Second, hasRA: true},
		{status: 200},
	}}
	e := newScriptedExecutor(t, s, testPolicy(clock), ExecutorConfig{Limiter: limiter})

	_, err = e.Do(context.Background(), "req")
	require.NoError(t, err)
	assert.LessOrEqual(t, limiter.CurrentLimit(), maxInt(before/2, 1),
		"a 429 should cut the adaptive limit")
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func TestExecutorGatesLimitConcurrencyPerHost(t *testing.T) {
	clock := newFakeClock()
	gates := NewHostGates()
	s := &scripted{clock: clock, steps: []scriptStep{{status: 200}}}
	policy := testPolicy(clock)
	policy.MaxConcurrencyPerHost = 4
	e := newScriptedExecutor(t, s, policy, ExecutorConfig{Gates: gates})

	_, err := e.Do(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, 4, gates.Limit("api.example.com"))
	assert.Equal(t, 0, gates.InFlight("api.example.com"))
}

func TestNewExecutorValidatesTransport(t *testing.T) {
	_, err := NewExecutor(Transport[string, scriptStep]{}, ExecPolicy{}, ExecutorConfig{})
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrorTypeValidation, e.Type)
}

func TestNewExecutorValidatesPolicy(t *testing.T) {
	clock := newFakeClock()
	s := &scripted{clock: clock, steps: []scriptStep{{status: 200}}}
	_, err := NewExecutor(s.transport(), ExecPolicy{MaxRetries: -1}, ExecutorConfig{})
	require.Error(t, err)
}
