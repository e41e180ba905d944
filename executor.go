package bastion

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/richertunes/bastion/backoff"
)

// Transport adapts one protocol to the executor. Req and Resp stay
// opaque; the executor only needs to send, clone for a fresh attempt,
// derive a host key, and read status plus server-supplied delay hints.
type Transport[Req, Resp any] struct {
	// Send performs one attempt.
	Send func(ctx context.Context, req Req) (Resp, error)
	// Clone produces an independent request for a retry attempt.
	Clone func(req Req) Req
	// Host derives the gate and breaker key for a request.
	Host func(req Req) string
	// Status extracts a status code from a response. Optional; when nil
	// every response is terminal.
	Status func(resp Resp) int
	// RetryAfter extracts a server-supplied delay from a response.
	// Optional.
	RetryAfter func(resp Resp, now time.Time) (time.Duration, bool)
}

func (t Transport[Req, Resp]) validate() error {
	var violations []string
	if t.Send == nil {
		violations = append(violations, "Send must not be nil")
	}
	if t.Clone == nil {
		violations = append(violations, "Clone must not be nil")
	}
	if t.Host == nil {
		violations = append(violations, "Host must not be nil")
	}
	if len(violations) > 0 {
		return &Error{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("transport invalid: %v", violations),
		}
	}
	return nil
}

// ExecPolicy controls the retry loop. Zero values take the defaults
// below.
type ExecPolicy struct {
	// MaxRetries bounds retry attempts; total attempts are MaxRetries+1.
	MaxRetries int
	// RetryBudget is the wall-clock allowance for the whole call
	// including backoff sleeps. Once spent, the last outcome is returned.
	RetryBudget time.Duration
	// PerRequestTimeout bounds a single attempt. Zero disables it.
	PerRequestTimeout time.Duration
	// MaxConcurrencyPerHost is the host gate limit.
	MaxConcurrencyPerHost int
	// RetryStatuses lists response statuses worth another attempt.
	RetryStatuses []int
	// IsRetryable classifies errors worth another attempt. Cancellation
	// is never retried regardless.
	IsRetryable func(error) bool
	// Backoff supplies the delay between attempts when the server did
	// not name one.
	Backoff backoff.Strategy
	// Clock supplies time for budgets and sleeps.
	Clock Clock
}

// Default retry policy settings.
const (
	DefaultMaxRetries            = 3
	DefaultRetryBudget           = 30 * time.Second
	DefaultMaxConcurrencyPerHost = 10
)

func defaultRetryStatuses() []int { return []int{429, 503} }

func (p ExecPolicy) withDefaults() ExecPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.RetryBudget == 0 {
		p.RetryBudget = DefaultRetryBudget
	}
	if p.MaxConcurrencyPerHost == 0 {
		p.MaxConcurrencyPerHost = DefaultMaxConcurrencyPerHost
	}
	if p.RetryStatuses == nil {
		p.RetryStatuses = defaultRetryStatuses()
	}
	if p.IsRetryable == nil {
		p.IsRetryable = func(err error) bool { return err != nil && !isCancellation(err) }
	}
	if p.Backoff == nil {
		p.Backoff = &backoff.Exponential{
			Base:   100 * time.Millisecond,
			Cap:    10 * time.Second,
			Jitter: 0.2,
		}
	}
	if p.Clock == nil {
		p.Clock = SystemClock()
	}
	return p
}

// Validate returns a named violation for the first unusable setting.
func (p ExecPolicy) Validate() error {
	var violations []string
	if p.MaxRetries < 0 {
		violations = append(violations, "MaxRetries must be >= 0")
	}
	if p.RetryBudget <= 0 {
		violations = append(violations, "RetryBudget must be positive")
	}
	if p.PerRequestTimeout < 0 {
		violations = append(violations, "PerRequestTimeout must be >= 0")
	}
	if p.MaxConcurrencyPerHost < 1 {
		violations = append(violations, "MaxConcurrencyPerHost must be >= 1")
	}
	if len(violations) > 0 {
		return &Error{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("retry policy invalid: %v", violations),
		}
	}
	return nil
}

func (p ExecPolicy) retryableStatus(status int) bool {
	for _, s := range p.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// ExecutorConfig wires the resilience layers into an executor. Every
// field is optional; a nil layer is simply skipped.
type ExecutorConfig struct {
	Gates    *HostGates
	Breakers *BreakerRegistry
	Limiter  *ConcurrencyManager
	Observer RateLimitObserver
	Logger   zerolog.Logger
	Metrics  *Collector
}

// Executor drives requests through the gate, breaker, limiter and retry
// layers for one transport. Safe for concurrent use.
type Executor[Req, Resp any] struct {
	transport Transport[Req, Resp]
	policy    ExecPolicy
	gates     *HostGates
	breakers  *BreakerRegistry
	limiter   *ConcurrencyManager
	observer  RateLimitObserver
	logger    zerolog.Logger
	metrics   *Collector
}

// NewExecutor validates the transport and policy eagerly.
func NewExecutor[Req, Resp any](t Transport[Req, Resp], policy ExecPolicy, cfg ExecutorConfig) (*Executor[Req, Resp], error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	policy = policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Executor[Req, Resp]{
		transport: t,
		policy:    policy,
		gates:     cfg.Gates,
		breakers:  cfg.Breakers,
		limiter:   cfg.Limiter,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Do performs req with retries. Cancellation aborts immediately and is
// never counted against the breaker or limiter. When attempts or the
// retry budget run out, the last response or error is returned as-is so
// the caller sees what the server last said.
func (e *Executor[Req, Resp]) Do(ctx context.Context, req Req) (Resp, error) {
	var zero Resp
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	host := e.transport.Host(req)

	if e.gates != nil {
		release, err := e.gates.Acquire(ctx, host, e.policy.MaxConcurrencyPerHost)
		if err != nil {
			return zero, err
		}
		defer release()
	}

	var breaker *Breaker
	if e.breakers != nil {
		breaker = e.breakers.Get(host)
	}

	start := e.policy.Clock.Now()
	var (
		lastResp Resp
		lastErr  error
		haveResp bool
	)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if breaker != nil && !breaker.AllowsRequest() {
			e.metrics.RecordError(ErrorTypeCircuitOpen, host)
			return zero, &Error{
				Type:       ErrorTypeCircuitOpen,
				Message:    "circuit breaker is open",
				Cause:      ErrCircuitOpen,
				Host:       host,
				Attempt:    attempt,
				MaxRetries: e.policy.MaxRetries,
				RetryLater: true,
				Timestamp:  e.policy.Clock.Now(),
			}
		}

		attemptReq := req
		if attempt > 0 {
			attemptReq = e.transport.Clone(req)
			e.metrics.RecordRetry(host, attempt)
		}

		resp, latency, err := e.attempt(ctx, attemptReq)

		if err != nil {
			if isCancellation(err) && ctx.Err() != nil {
				// Caller gave up; nothing is recorded anywhere.
				return zero, ctx.Err()
			}
			e.record(breaker, latency, err)
			lastErr = err
			haveResp = false
			if !e.policy.IsRetryable(err) {
				return zero, err
			}
			e.logger.Debug().
				Str("host", host).
				Int("attempt", attempt).
				Err(err).
				Msg("attempt_failed")
		} else {
			status := 0
			if e.transport.Status != nil {
				status = e.transport.Status(resp)
			}
			if !e.policy.retryableStatus(status) {
				// Terminal response. Server-side statuses still count
				// against the breaker even though they are not retried.
				if status >= 500 {
					e.record(breaker, latency, &Error{
						Type:       ErrorTypeServer,
						Message:    "server error response",
						Host:       host,
						StatusCode: status,
					})
				} else {
					e.record(breaker, latency, nil)
				}
				return resp, nil
			}
			signal := &Error{
				Type:       ErrorTypeServer,
				Message:    "retryable status",
				Host:       host,
				StatusCode: status,
			}
			if status == 429 {
				signal.Type = ErrorTypeRateLimited
			}
			e.record(breaker, latency, signal)
			lastResp = resp
			lastErr = nil
			haveResp = true

			delay, fromServer := e.serverDelay(resp)
			if fromServer {
				e.metrics.RecordRateLimitSignal(host, status)
				if e.observer != nil {
					e.observer.OnRateLimited(RateLimitEvent{
						Host:   host,
						Status: status,
						Delay:  delay,
						At:     e.policy.Clock.Now(),
					})
				}
			}
			if next, stop := e.nextDelay(ctx, host, attempt, delay, fromServer, start); stop {
				return lastResp, nil
			} else if err := e.policy.Clock.Sleep(ctx, next); err != nil {
				return zero, err
			}
			continue
		}

		if next, stop := e.nextDelay(ctx, host, attempt, 0, false, start); stop {
			if haveResp {
				return lastResp, nil
			}
			return zero, lastErr
		} else if err := e.policy.Clock.Sleep(ctx, next); err != nil {
			return zero, err
		}
	}
}

// attempt runs one send under the adaptive limiter and the per-request
// timeout. A deadline hit on the attempt context while the caller is
// still live surfaces as a timeout error rather than cancellation.
func (e *Executor[Req, Resp]) attempt(ctx context.Context, req Req) (Resp, time.Duration, error) {
	var zero Resp
	if e.limiter != nil {
		release, err := e.limiter.Acquire(ctx)
		if err != nil {
			return zero, 0, err
		}
		defer release()
	}

	attemptCtx := ctx
	cancel := func() {}
	if e.policy.PerRequestTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.policy.PerRequestTimeout)
	}
	defer cancel()

	sendStart := e.policy.Clock.Now()
	resp, err := e.transport.Send(attemptCtx, req)
	latency := e.policy.Clock.Now().Sub(sendStart)

	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return zero, latency, &Error{
			Type:      ErrorTypeTimeout,
			Message:   "attempt exceeded per-request timeout",
			Cause:     ErrRequestTimeout,
			Timestamp: e.policy.Clock.Now(),
			Duration:  latency,
		}
	}
	return resp, latency, err
}

// record feeds one classified outcome to the limiter and breaker.
func (e *Executor[Req, Resp]) record(breaker *Breaker, latency time.Duration, err error) {
	if e.limiter != nil {
		e.limiter.Record(latency, err)
	}
	if breaker == nil {
		return
	}
	switch {
	case err == nil:
		breaker.RecordSuccess()
	case breaker.opts.IsIgnored(err):
	case breaker.opts.IsFailure(err):
		breaker.RecordFailure()
	}
}

func (e *Executor[Req, Resp]) serverDelay(resp Resp) (time.Duration, bool) {
	if e.transport.RetryAfter == nil {
		return 0, false
	}
	return e.transport.RetryAfter(resp, e.policy.Clock.Now())
}

// nextDelay decides whether another attempt happens and with what delay.
// stop is true when attempts or the wall-clock budget are spent.
func (e *Executor[Req, Resp]) nextDelay(ctx context.Context, host string, attempt int, serverDelay time.Duration, fromServer bool, start time.Time) (time.Duration, bool) {
	if attempt >= e.policy.MaxRetries {
		return 0, true
	}
	delay := serverDelay
	if !fromServer {
		delay = e.policy.Backoff.Delay(attempt)
	}
	elapsed := e.policy.Clock.Now().Sub(start)
	if elapsed+delay > e.policy.RetryBudget {
		e.metrics.RecordRetryBudgetExceeded(host)
		e.logger.Debug().
			Str("host", host).
			Int("attempt", attempt).
			Dur("elapsed", elapsed).
			Msg("retry_budget_exhausted")
		return 0, true
	}
	return delay, false
}
