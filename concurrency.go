package bastion

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// recentOperationsWindow bounds the queue the rolling statistics are
// computed from; oldest entries are evicted on overflow.
const recentOperationsWindow = 100

// ConcurrencyOptions configures the adaptive concurrency manager. Zero
// values take the defaults below; Validate rejects unusable bounds.
type ConcurrencyOptions struct {
	// MinConcurrency and MaxConcurrency clamp the tunable limit.
	MinConcurrency int
	MaxConcurrency int
	// TargetLatency is the latency below which a success run earns an
	// additive increase.
	TargetLatency time.Duration
	// MaxLatency is the latency above which the limit is decreased.
	MaxLatency time.Duration
	// AdjustmentInterval throttles ordinary adjustments to avoid
	// oscillation. Rate-limit cuts bypass it.
	AdjustmentInterval time.Duration
	// IncreaseAfter is the consecutive-success run length required for an
	// increase; DecreaseAfter is the consecutive-failure run length that
	// forces a decrease.
	IncreaseAfter int
	DecreaseAfter int
	// Clock supplies time for adjustment throttling.
	Clock Clock
}

// Default concurrency settings.
const (
	DefaultMinConcurrency     = 1
	DefaultMaxConcurrency     = 16
	DefaultTargetLatency      = 400 * time.Millisecond
	DefaultMaxLatency         = 2 * time.Second
	DefaultAdjustmentInterval = 2 * time.Second
	DefaultIncreaseAfter      = 5
	DefaultDecreaseAfter      = 3
)

func (o ConcurrencyOptions) withDefaults() ConcurrencyOptions {
	if o.MinConcurrency == 0 {
		o.MinConcurrency = DefaultMinConcurrency
	}
	if o.MaxConcurrency == 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.TargetLatency == 0 {
		o.TargetLatency = DefaultTargetLatency
	}
	if o.MaxLatency == 0 {
		o.MaxLatency = DefaultMaxLatency
	}
	if o.AdjustmentInterval == 0 {
		o.AdjustmentInterval = DefaultAdjustmentInterval
	}
	if o.IncreaseAfter == 0 {
		o.IncreaseAfter = DefaultIncreaseAfter
	}
	if o.DecreaseAfter == 0 {
		o.DecreaseAfter = DefaultDecreaseAfter
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	return o
}

// Validate returns a named violation for the first unusable setting.
func (o ConcurrencyOptions) Validate() error {
	var violations []string
	if o.MinConcurrency < 1 {
		violations = append(violations, "MinConcurrency must be >= 1")
	}
	if o.MaxConcurrency < o.MinConcurrency {
		violations = append(violations, "MaxConcurrency must be >= MinConcurrency")
	}
	if o.TargetLatency <= 0 {
		violations = append(violations, "TargetLatency must be positive")
	}
	if o.MaxLatency < o.TargetLatency {
		violations = append(violations, "MaxLatency must be >= TargetLatency")
	}
	if o.AdjustmentInterval < 0 {
		violations = append(violations, "AdjustmentInterval must be >= 0")
	}
	if o.IncreaseAfter < 1 {
		violations = append(violations, "IncreaseAfter must be >= 1")
	}
	if o.DecreaseAfter < 1 {
		violations = append(violations, "DecreaseAfter must be >= 1")
	}
	if len(violations) > 0 {
		return &Error{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("concurrency configuration invalid: %v", violations),
		}
	}
	return nil
}

// ConcurrencyStats is a snapshot of the manager's rolling telemetry.
type ConcurrencyStats struct {
	Limit                int
	AverageLatency       time.Duration
	SuccessRate          float64
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	LastAdjustment       time.Time
	Samples              int
}

type operationSample struct {
	latency time.Duration
	success bool
}

// ConcurrencyManager tunes a local concurrency limit from latency and
// success telemetry, AIMD style: additive increase on healthy runs,
// decrease on slow or failing runs, and an immediate multiplicative cut
// on rate-limit signals. Changing the limit resizes the backing gate so
// waiters observe the new bound on their next wait.
type ConcurrencyManager struct {
	opts    ConcurrencyOptions
	logger  zerolog.Logger
	metrics *Collector
	g       *gate

	mu         sync.Mutex
	limit      int
	recent     [recentOperationsWindow]operationSample
	head       int
	samples    int
	consecSucc int
	consecFail int
	lastAdjust time.Time
}

// NewConcurrencyManager validates opts eagerly. The initial limit derives
// from the available processor count, clamped to [min,max].
func NewConcurrencyManager(opts ConcurrencyOptions) (*ConcurrencyManager, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	limit := runtime.NumCPU()
	if limit < opts.MinConcurrency {
		limit = opts.MinConcurrency
	}
	if limit > opts.MaxConcurrency {
		limit = opts.MaxConcurrency
	}
	return &ConcurrencyManager{
		opts:   opts,
		logger: zerolog.Nop(),
		g:      newGate(limit),
		limit:  limit,
	}, nil
}

// WithLogger sets the logger for adjustment events.
func (m *ConcurrencyManager) WithLogger(logger zerolog.Logger) *ConcurrencyManager {
	m.logger = logger
	return m
}

// WithMetrics attaches a collector for the limit gauge.
func (m *ConcurrencyManager) WithMetrics(c *Collector) *ConcurrencyManager {
	m.metrics = c
	c.RecordConcurrencyLimit(m.CurrentLimit())
	return m
}

// CurrentLimit returns the live concurrency limit.
func (m *ConcurrencyManager) CurrentLimit() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limit
}

// Acquire obtains a permit from the backing gate. The returned release
// function must be called exactly once.
func (m *ConcurrencyManager) Acquire(ctx context.Context) (func(), error) {
	if err := m.g.acquire(ctx); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(m.g.release) }, nil
}

// Do runs fn under a permit and feeds its outcome back into the tuner.
func (m *ConcurrencyManager) Do(ctx context.Context, fn func(context.Context) error) error {
	release, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	start := m.opts.Clock.Now()
	err = fn(ctx)
	m.Record(m.opts.Clock.Now().Sub(start), err)
	return err
}

// RunLimited executes fn under a permit and returns its result.
func RunLimited[T any](ctx context.Context, m *ConcurrencyManager, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := m.Do(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// Record feeds one operation outcome into the tuner. Cancellation is not
// a signal and is discarded; rate-limit errors cut the limit in half
// immediately, bypassing the adjustment-interval throttle.
func (m *ConcurrencyManager) Record(latency time.Duration, err error) {
	if err != nil && isCancellation(err) {
		return
	}
	success := err == nil

	m.mu.Lock()
	m.recent[m.head] = operationSample{latency: latency, success: success}
	m.head = (m.head + 1) % recentOperationsWindow
	if m.samples < recentOperationsWindow {
		m.samples++
	}
	if success {
		m.consecSucc++
		m.consecFail = 0
	} else {
		m.consecFail++
		m.consecSucc = 0
	}

	now := m.opts.Clock.Now()

	if err != nil && IsRateLimited(err) {
		next := m.limit / 2
		if next < m.opts.MinConcurrency {
			next = m.opts.MinConcurrency
		}
		m.applyLimitLocked(next, now, "rate_limited")
		m.mu.Unlock()
		return
	}

	if !m.lastAdjust.IsZero() && now.Sub(m.lastAdjust) < m.opts.AdjustmentInterval {
		m.mu.Unlock()
		return
	}

	avg := m.averageLatencyLocked()
	switch {
	case m.limit > m.opts.MinConcurrency &&
		(avg > m.opts.MaxLatency || m.consecFail >= m.opts.DecreaseAfter):
		m.applyLimitLocked(m.limit-1, now, "degraded")
	case m.limit < m.opts.MaxConcurrency &&
		m.consecSucc >= m.opts.IncreaseAfter && avg < m.opts.TargetLatency:
		m.applyLimitLocked(m.limit+1, now, "healthy")
	}
	m.mu.Unlock()
}

// Stats returns a snapshot of the rolling telemetry.
func (m *ConcurrencyManager) Stats() ConcurrencyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConcurrencyStats{
		Limit:                m.limit,
		AverageLatency:       m.averageLatencyLocked(),
		SuccessRate:          m.successRateLocked(),
		ConsecutiveSuccesses: m.consecSucc,
		ConsecutiveFailures:  m.consecFail,
		LastAdjustment:       m.lastAdjust,
		Samples:              m.samples,
	}
}

func (m *ConcurrencyManager) applyLimitLocked(limit int, now time.Time, reason string) {
	if limit == m.limit {
		return
	}
	prev := m.limit
	m.limit = limit
	m.lastAdjust = now
	m.consecSucc = 0
	m.consecFail = 0
	m.g.resize(limit)
	if m.metrics != nil {
		m.metrics.RecordConcurrencyLimit(limit)
	}
	m.logger.Info().
		Int("from_limit", prev).
		Int("to_limit", limit).
		Str("reason", reason).
		Msg("concurrency_adjusted")
}

func (m *ConcurrencyManager) averageLatencyLocked() time.Duration {
	if m.samples == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < m.samples; i++ {
		total += m.recent[i].latency
	}
	return total / time.Duration(m.samples)
}

func (m *ConcurrencyManager) successRateLocked() float64 {
	if m.samples == 0 {
		return 0
	}
	ok := 0
	for i := 0; i < m.samples; i++ {
		if m.recent[i].success {
			ok++
		}
	}
	return float64(ok) / float64(m.samples)
}
