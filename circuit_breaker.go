package bastion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name used in logs and metrics.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerOptions configures a Breaker. Zero values are replaced by the
// defaults below; Validate rejects configurations that cannot work.
type BreakerOptions struct {
	// ConsecutiveFailureThreshold opens the breaker after this many
	// failures in a row while closed.
	ConsecutiveFailureThreshold int
	// FailureRateThreshold opens the breaker when the windowed failure
	// rate reaches this fraction, in [0,1].
	FailureRateThreshold float64
	// MinimumThroughput is the number of windowed operations required
	// before the failure rate is evaluated at all.
	MinimumThroughput int
	// SamplingWindow is the outcome window capacity.
	SamplingWindow int
	// BreakDuration is how long the breaker stays open before allowing
	// half-open probes.
	BreakDuration time.Duration
	// HalfOpenSuccessThreshold closes the breaker after this many
	// consecutive half-open successes.
	HalfOpenSuccessThreshold int
	// IsFailure classifies an error as a counted failure. Errors that are
	// neither ignored nor failures propagate without affecting state.
	IsFailure func(error) bool
	// IsIgnored excludes an error from all counting; it still propagates.
	IsIgnored func(error) bool
	// Clock supplies time for break-duration expiry.
	Clock Clock
}

// Default breaker settings.
const (
	DefaultConsecutiveFailureThreshold = 5
	DefaultFailureRateThreshold        = 0.5
	DefaultMinimumThroughput           = 10
	DefaultSamplingWindow              = 20
	DefaultBreakDuration               = 30 * time.Second
	DefaultHalfOpenSuccessThreshold    = 2
)

// DefaultIsFailure counts any non-nil, non-cancellation error as a
// failure.
func DefaultIsFailure(err error) bool {
	return err != nil && !isCancellation(err)
}

// DefaultIsIgnored excludes caller cancellation from breaker counting.
func DefaultIsIgnored(err error) bool {
	return isCancellation(err)
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.ConsecutiveFailureThreshold == 0 {
		o.ConsecutiveFailureThreshold = DefaultConsecutiveFailureThreshold
	}
	if o.FailureRateThreshold == 0 {
		o.FailureRateThreshold = DefaultFailureRateThreshold
	}
	if o.MinimumThroughput == 0 {
		o.MinimumThroughput = DefaultMinimumThroughput
	}
	if o.SamplingWindow == 0 {
		o.SamplingWindow = DefaultSamplingWindow
	}
	if o.BreakDuration == 0 {
		o.BreakDuration = DefaultBreakDuration
	}
	if o.HalfOpenSuccessThreshold == 0 {
		o.HalfOpenSuccessThreshold = DefaultHalfOpenSuccessThreshold
	}
	if o.IsFailure == nil {
		o.IsFailure = DefaultIsFailure
	}
	if o.IsIgnored == nil {
		o.IsIgnored = DefaultIsIgnored
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	return o
}

// Validate checks the configuration and returns a named violation for the
// first problem found. MinimumThroughput larger than the sampling window
// is a hard error, never a silent clamp.
func (o BreakerOptions) Validate() error {
	var violations []string
	if o.ConsecutiveFailureThreshold < 1 {
		violations = append(violations, "ConsecutiveFailureThreshold must be >= 1")
	}
	if o.FailureRateThreshold < 0 || o.FailureRateThreshold > 1 {
		violations = append(violations, "FailureRateThreshold must be in [0,1]")
	}
	if o.MinimumThroughput < 1 {
		violations = append(violations, "MinimumThroughput must be >= 1")
	}
	if o.SamplingWindow < 1 {
		violations = append(violations, "SamplingWindow must be >= 1")
	}
	if o.MinimumThroughput > o.SamplingWindow {
		violations = append(violations, "MinimumThroughput must not exceed SamplingWindow")
	}
	if o.BreakDuration < 0 {
		violations = append(violations, "BreakDuration must be >= 0")
	}
	if o.HalfOpenSuccessThreshold < 1 {
		violations = append(violations, "HalfOpenSuccessThreshold must be >= 1")
	}
	if o.IsFailure == nil {
		violations = append(violations, "IsFailure predicate must not be nil")
	}
	if o.IsIgnored == nil {
		violations = append(violations, "IsIgnored predicate must not be nil")
	}
	if len(violations) > 0 {
		return &Error{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("breaker configuration invalid: %v", violations),
		}
	}
	return nil
}

// BreakerStats is a point-in-time snapshot of breaker counters.
type BreakerStats struct {
	State               CircuitState
	Successes           uint64
	Failures            uint64
	TimesOpened         uint64
	ConsecutiveFailures int
	WindowFailures      int
	WindowSize          int
	FailureRate         float64
}

// Breaker is a per-operation-key circuit breaker. Open→HalfOpen happens
// lazily on state reads once the break duration has elapsed; there is no
// background timer. Safe for concurrent use.
type Breaker struct {
	name    string
	opts    BreakerOptions
	logger  zerolog.Logger
	metrics *Collector

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time
	window              *outcomeWindow

	successes   uint64
	failures    uint64
	timesOpened uint64
}

// NewBreaker validates opts eagerly and returns a closed breaker.
func NewBreaker(name string, opts BreakerOptions) (*Breaker, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Breaker{
		name:   name,
		opts:   opts,
		logger: zerolog.Nop(),
		window: newOutcomeWindow(opts.SamplingWindow),
	}, nil
}

// WithLogger sets the logger used for transition events.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.logger = logger
	return b
}

// WithMetrics attaches a collector for state gauges and open counters.
func (b *Breaker) WithMetrics(c *Collector) *Breaker {
	b.metrics = c
	c.RecordBreakerState(b.name, StateClosed)
	return b
}

// Name returns the operation key this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the time-based Open→HalfOpen
// transition if the break duration has elapsed.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// AllowsRequest reports whether a request may proceed.
func (b *Breaker) AllowsRequest() bool {
	return b.State() != StateOpen
}

// ConsecutiveFailures returns the current run of failures.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// FailureRate returns the failure rate over the live outcome window.
func (b *Breaker) FailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window.FailureRate()
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:               b.currentStateLocked(),
		Successes:           b.successes,
		Failures:            b.failures,
		TimesOpened:         b.timesOpened,
		ConsecutiveFailures: b.consecutiveFailures,
		WindowFailures:      b.window.Failures(),
		WindowSize:          b.window.Len(),
		FailureRate:         b.window.FailureRate(),
	}
}

// RecordSuccess records a successful operation. In closed or half-open
// state it resets the consecutive-failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	switch b.currentStateLocked() {
	case StateClosed:
		b.window.Append(true)
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.consecutiveFailures = 0
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.opts.HalfOpenSuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// No effect while open.
	}
}

// RecordFailure records a failed operation and applies the opening rules:
// a consecutive-failure run at threshold, or a windowed failure rate at
// threshold once minimum throughput is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.currentStateLocked() {
	case StateClosed:
		b.window.Append(false)
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.opts.ConsecutiveFailureThreshold {
			b.transitionLocked(StateOpen)
			return
		}
		if b.window.Len() >= b.opts.MinimumThroughput &&
			b.window.FailureRate() >= b.opts.FailureRateThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// A single failure while probing reopens immediately and restarts
		// the break timer.
		b.transitionLocked(StateOpen)
	case StateOpen:
		// Already open.
	}
}

// Do runs fn under the breaker, classifying its error through the
// IsIgnored and IsFailure predicates. A refused call returns a
// circuit-open error without invoking fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.AllowsRequest() {
		return &Error{
			Type:       ErrorTypeCircuitOpen,
			Message:    "circuit breaker is open",
			Cause:      ErrCircuitOpen,
			Host:       b.name,
			RetryLater: true,
			Timestamp:  b.opts.Clock.Now(),
		}
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case b.opts.IsIgnored(err):
		// Excluded from all counting.
	case b.opts.IsFailure(err):
		b.RecordFailure()
	}
	return err
}

// Run executes fn under the breaker and returns its result. Convenience
// wrapper over Do for operations that produce a value.
func Run[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Do(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

func (b *Breaker) currentStateLocked() CircuitState {
	if b.state == StateOpen &&
		b.opts.Clock.Now().Sub(b.openedAt) >= b.opts.BreakDuration {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transitionLocked(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.opts.Clock.Now()
		b.timesOpened++
		b.halfOpenSuccesses = 0
		if b.metrics != nil {
			b.metrics.RecordBreakerOpened(b.name)
		}
	case StateClosed:
		b.consecutiveFailures = 0
		b.halfOpenSuccesses = 0
		b.window.Reset()
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
	}
	if b.metrics != nil {
		b.metrics.RecordBreakerState(b.name, to)
	}
	b.logger.Info().
		Str("breaker", b.name).
		Str("from_state", from.String()).
		Str("to_state", to.String()).
		Msg("breaker_transition")
}

// BreakerRegistry owns named breakers sharing one option set. It is an
// explicit, constructible object so tests can run isolated registries.
type BreakerRegistry struct {
	defaults BreakerOptions
	logger   zerolog.Logger
	metrics  *Collector

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry validates defaults eagerly and returns an empty
// registry.
func NewBreakerRegistry(defaults BreakerOptions) (*BreakerRegistry, error) {
	defaults = defaults.withDefaults()
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &BreakerRegistry{
		defaults: defaults,
		logger:   zerolog.Nop(),
		breakers: make(map[string]*Breaker),
	}, nil
}

// WithLogger sets the logger inherited by breakers the registry creates.
func (r *BreakerRegistry) WithLogger(logger zerolog.Logger) *BreakerRegistry {
	r.logger = logger
	return r
}

// WithMetrics sets the collector inherited by created breakers.
func (r *BreakerRegistry) WithMetrics(c *Collector) *BreakerRegistry {
	r.metrics = c
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	// Defaults were validated at construction, so this cannot fail.
	b, _ = NewBreaker(name, r.defaults)
	b.logger = r.logger
	if r.metrics != nil {
		b.WithMetrics(r.metrics)
	}
	r.breakers[name] = b
	return b
}

// Reset removes the named breaker; the next Get starts closed.
func (r *BreakerRegistry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// Shutdown discards all breakers.
func (r *BreakerRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
}
