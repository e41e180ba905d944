package bastion

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides Prometheus metrics for the request lifecycle and
// reliability layers. A nil *Collector is valid and records nothing, so
// callers never need to guard instrumentation sites.
type Collector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal        *prometheus.CounterVec
	retryBudgetExceeded *prometheus.CounterVec

	breakerState  *prometheus.GaugeVec
	breakerOpened *prometheus.CounterVec

	gateLimit    *prometheus.GaugeVec
	gateInFlight *prometheus.GaugeVec

	concurrencyLimit prometheus.Gauge

	rateLimitSignals *prometheus.CounterVec

	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheEvictions     *prometheus.CounterVec
	cacheRevalidations *prometheus.CounterVec
	cacheEntries       *prometheus.GaugeVec
	cacheBytes         *prometheus.GaugeVec

	dedupeHits *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec
}

// NewCollector creates a collector on the default registerer.
func NewCollector() *Collector {
	return NewCollectorWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegisterer creates a collector using the supplied
// registerer, letting tests and embedding applications isolate metrics.
func NewCollectorWithRegisterer(reg prometheus.Registerer) *Collector {
	return &Collector{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_requests_total",
				Help: "Total number of outbound requests made",
			},
			[]string{"method", "status_code", "host"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bastion_request_duration_seconds",
				Help:    "Duration of outbound requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "host"},
		),
		requestsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_requests_in_flight",
				Help: "Number of outbound requests currently in flight",
			},
			[]string{"method", "host"},
		),
		retriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"host", "attempt"},
		),
		retryBudgetExceeded: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_retry_budget_exceeded_total",
				Help: "Total number of times the retry budget was exhausted",
			},
			[]string{"host"},
		),
		breakerState: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_circuit_breaker_state",
				Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		breakerOpened: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_circuit_breaker_opened_total",
				Help: "Total number of circuit breaker open transitions",
			},
			[]string{"name"},
		),
		gateLimit: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_host_gate_limit",
				Help: "Configured concurrency limit per host gate",
			},
			[]string{"host"},
		),
		gateInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_host_gate_in_flight",
				Help: "Permits currently held per host gate",
			},
			[]string{"host"},
		),
		concurrencyLimit: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "bastion_adaptive_concurrency_limit",
				Help: "Current adaptive concurrency limit",
			},
		),
		rateLimitSignals: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_rate_limit_signals_total",
				Help: "Total number of server rate-limit responses observed",
			},
			[]string{"host", "status_code"},
		),
		cacheHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"method", "host"},
		),
		cacheMisses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"method", "host"},
		),
		cacheEvictions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_cache_evictions_total",
				Help: "Total number of cache entries evicted under budget pressure",
			},
			[]string{"name"},
		),
		cacheRevalidations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_cache_revalidations_total",
				Help: "Total number of conditional revalidations answered 304",
			},
			[]string{"host"},
		),
		cacheEntries: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_cache_entries",
				Help: "Current number of entries in the cache",
			},
			[]string{"name"},
		),
		cacheBytes: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_cache_bytes",
				Help: "Current cached body bytes",
			},
			[]string{"name"},
		),
		dedupeHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_deduplication_hits_total",
				Help: "Total number of requests coalesced onto an in-flight call",
			},
			[]string{"method", "host"},
		),
		errorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "host"},
		),
	}
}

// RecordRequest records the request count and duration.
func (c *Collector) RecordRequest(method, host string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	code := strconv.Itoa(statusCode)
	c.requestsTotal.WithLabelValues(method, code, host).Inc()
	c.requestDuration.WithLabelValues(method, code, host).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (c *Collector) RecordRequestStart(method, host string) {
	if c == nil {
		return
	}
	c.requestsInFlight.WithLabelValues(method, host).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (c *Collector) RecordRequestEnd(method, host string) {
	if c == nil {
		return
	}
	c.requestsInFlight.WithLabelValues(method, host).Dec()
}

// RecordRetry increments the retry counter for an attempt.
func (c *Collector) RecordRetry(host string, attempt int) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(host, strconv.Itoa(attempt)).Inc()
}

// RecordRetryBudgetExceeded increments the budget-exhaustion counter.
func (c *Collector) RecordRetryBudgetExceeded(host string) {
	if c == nil {
		return
	}
	c.retryBudgetExceeded.WithLabelValues(host).Inc()
}

// RecordBreakerState sets the state gauge for a named breaker.
func (c *Collector) RecordBreakerState(name string, state CircuitState) {
	if c == nil {
		return
	}
	var value float64
	switch state {
	case StateClosed:
		value = 0
	case StateOpen:
		value = 1
	case StateHalfOpen:
		value = 2
	}
	c.breakerState.WithLabelValues(name).Set(value)
}

// RecordBreakerOpened counts an open transition for a named breaker.
func (c *Collector) RecordBreakerOpened(name string) {
	if c == nil {
		return
	}
	c.breakerOpened.WithLabelValues(name).Inc()
}

// RecordGate publishes the limit and occupancy of a host gate.
func (c *Collector) RecordGate(host string, limit, inflight int) {
	if c == nil {
		return
	}
	c.gateLimit.WithLabelValues(host).Set(float64(limit))
	c.gateInFlight.WithLabelValues(host).Set(float64(inflight))
}

// RecordConcurrencyLimit publishes the adaptive concurrency limit.
func (c *Collector) RecordConcurrencyLimit(limit int) {
	if c == nil {
		return
	}
	c.concurrencyLimit.Set(float64(limit))
}

// RecordRateLimitSignal counts a server push-back response.
func (c *Collector) RecordRateLimitSignal(host string, statusCode int) {
	if c == nil {
		return
	}
	c.rateLimitSignals.WithLabelValues(host, strconv.Itoa(statusCode)).Inc()
}

// RecordCacheHit increments the cache hit counter.
func (c *Collector) RecordCacheHit(method, host string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(method, host).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (c *Collector) RecordCacheMiss(method, host string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(method, host).Inc()
}

// RecordCacheEviction counts an entry evicted under budget pressure.
func (c *Collector) RecordCacheEviction(name string) {
	if c == nil {
		return
	}
	c.cacheEvictions.WithLabelValues(name).Inc()
}

// RecordCacheRevalidation counts a 304-answered conditional request.
func (c *Collector) RecordCacheRevalidation(host string) {
	if c == nil {
		return
	}
	c.cacheRevalidations.WithLabelValues(host).Inc()
}

// RecordCacheSize publishes entry and byte totals for a cache.
func (c *Collector) RecordCacheSize(name string, entries int, bytes int64) {
	if c == nil {
		return
	}
	c.cacheEntries.WithLabelValues(name).Set(float64(entries))
	c.cacheBytes.WithLabelValues(name).Set(float64(bytes))
}

// RecordDeduplicationHit counts a request coalesced onto an in-flight one.
func (c *Collector) RecordDeduplicationHit(method, host string) {
	if c == nil {
		return
	}
	c.dedupeHits.WithLabelValues(method, host).Inc()
}

// RecordError increments the error counter by type.
func (c *Collector) RecordError(errorType, host string) {
	if c == nil {
		return
	}
	c.errorsTotal.WithLabelValues(errorType, host).Inc()
}
