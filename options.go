package bastion

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/richertunes/bastion/backoff"
)

// Option mutates a Client during construction.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the overall HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.policy.MaxRetries = n
	}
}

// WithRetryBudget sets the wall-clock allowance for a call including
// backoff sleeps.
func WithRetryBudget(d time.Duration) Option {
	return func(c *Client) {
		c.policy.RetryBudget = d
	}
}

// WithPerRequestTimeout bounds each individual attempt.
func WithPerRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.policy.PerRequestTimeout = d
	}
}

// WithRetryStatuses replaces the statuses considered worth another
// attempt.
func WithRetryStatuses(statuses ...int) Option {
	return func(c *Client) {
		c.policy.RetryStatuses = statuses
	}
}

// WithRetryCondition sets the error classifier for retries.
func WithRetryCondition(fn func(error) bool) Option {
	return func(c *Client) {
		c.policy.IsRetryable = fn
	}
}

// WithBackoff sets the delay strategy between attempts.
func WithBackoff(strategy backoff.Strategy) Option {
	return func(c *Client) {
		c.policy.Backoff = strategy
	}
}

// WithExponentialBackoff configures the default strategy's shape.
func WithExponentialBackoff(base, cap time.Duration, jitter float64) Option {
	return func(c *Client) {
		c.policy.Backoff = &backoff.Exponential{Base: base, Cap: cap, Jitter: jitter}
	}
}

// WithMaxConcurrencyPerHost sets the per-host gate limit.
func WithMaxConcurrencyPerHost(n int) Option {
	return func(c *Client) {
		c.policy.MaxConcurrencyPerHost = n
	}
}

// WithBreakerOptions configures the per-host circuit breakers.
func WithBreakerOptions(opts BreakerOptions) Option {
	return func(c *Client) {
		c.breakerCfg = opts
	}
}

// WithConcurrencyOptions configures the adaptive concurrency manager.
func WithConcurrencyOptions(opts ConcurrencyOptions) Option {
	return func(c *Client) {
		c.concCfg = opts
	}
}

// WithRateLimitObserver registers a callback for server push-back
// events.
func WithRateLimitObserver(o RateLimitObserver) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithCache enables response caching with the in-memory store.
func WithCache(ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheStore = NewMemoryStore(MemoryStoreOptions{})
		c.cacheTTL = ttl
		c.cacheOpts.DefaultTTL = ttl
	}
}

// WithCacheStore enables caching on a custom store.
func WithCacheStore(store Store, ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheStore = store
		c.cacheTTL = ttl
		c.cacheOpts.DefaultTTL = ttl
	}
}

// WithCacheBudgets bounds the default in-memory store. Only meaningful
// together with WithCache.
func WithCacheBudgets(maxEntries int, maxBytes int64) Option {
	return func(c *Client) {
		c.cacheStore = NewMemoryStore(MemoryStoreOptions{
			MaxEntries: maxEntries,
			MaxBytes:   maxBytes,
		})
	}
}

// WithRevalidation keeps expired entries carrying validators and
// revalidates them with conditional requests instead of refetching.
func WithRevalidation() Option {
	return func(c *Client) {
		c.cacheOpts.Revalidate = true
	}
}

// WithCacheCondition replaces the default GET/HEAD cacheability rule.
func WithCacheCondition(fn CacheCondition) Option {
	return func(c *Client) {
		c.cacheCondition = fn
	}
}

// WithCacheScope mixes a per-request isolation token into cache keys.
func WithCacheScope(fn CacheScope) Option {
	return func(c *Client) {
		c.cacheScope = fn
	}
}

// WithDeduplication coalesces identical concurrent requests onto one
// wire call.
func WithDeduplication() Option {
	return func(c *Client) {
		c.dedupe = newFlightGroup()
	}
}

// WithDedupeCondition replaces the default safe-method coalescing rule.
func WithDedupeCondition(fn DedupeCondition) Option {
	return func(c *Client) {
		c.dedupeCondition = fn
	}
}

// WithMiddleware appends middleware to the chain.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithLogger sets the structured logger shared by every layer.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *Collector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithClock injects the time source used by every layer. Tests use this
// to drive expiry and backoff deterministically.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		c.clock = clock
		c.policy.Clock = clock
		c.breakerCfg.Clock = clock
		c.concCfg.Clock = clock
		c.cacheOpts.Clock = clock
	}
}
