package bastion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip calls f(req).
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware wraps a request on its way to the wire. Middleware run in
// registration order, innermost being the HTTP client itself.
type Middleware func(req *http.Request, next http.RoundTripper) (*http.Response, error)

// CacheCondition decides whether a request participates in caching.
type CacheCondition func(req *http.Request) bool

// DefaultCacheCondition caches only GET and HEAD.
func DefaultCacheCondition(req *http.Request) bool {
	return req.Method == http.MethodGet || req.Method == http.MethodHead
}

// CacheScope derives an isolation token mixed into cache keys, typically
// a tenant or credential identity, so responses never leak across
// principals. The default scope is empty.
type CacheScope func(req *http.Request) string

// HTTPTransport adapts *http.Request round trips to the executor. Clone
// rewinds the body through GetBody so retried attempts resend it.
func HTTPTransport(rt http.RoundTripper) Transport[*http.Request, *http.Response] {
	return Transport[*http.Request, *http.Response]{
		Send: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return rt.RoundTrip(req.WithContext(ctx))
		},
		Clone: cloneRequest,
		Host:  requestHost,
		Status: func(resp *http.Response) int {
			if resp == nil {
				return 0
			}
			return resp.StatusCode
		},
		RetryAfter: func(resp *http.Response, now time.Time) (time.Duration, bool) {
			if resp == nil {
				return 0, false
			}
			return ParseRetryAfter(resp.Header.Get("Retry-After"), now)
		},
	}
}

func cloneRequest(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			clone.Body = body
		}
	}
	return clone
}

func requestHost(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Host
	}
	if req.Host != "" {
		return req.Host
	}
	return "unknown"
}

// Client layers retries, circuit breaking, adaptive and per-host
// concurrency limits, response caching with conditional revalidation,
// request coalescing, middleware and metrics around net/http. It is
// safe for concurrent use.
type Client struct {
	httpClient *http.Client
	policy     ExecPolicy
	breakerCfg BreakerOptions
	concCfg    ConcurrencyOptions
	observer   RateLimitObserver
	middleware []Middleware
	logger     zerolog.Logger
	metrics    *Collector
	clock      Clock

	cache          *ResponseCache
	cacheStore     Store
	cacheOpts      CacheOptions
	cacheTTL       time.Duration
	cacheCondition CacheCondition
	cacheScope     CacheScope

	dedupe          *flightGroup
	dedupeCondition DedupeCondition

	gates    *HostGates
	breakers *BreakerRegistry
	limiter  *ConcurrencyManager
	executor *Executor[*http.Request, *http.Response]

	validationError error
}

// New constructs a Client from functional options. Construction never
// fails; call IsValid or ValidationError for configuration problems.
func New(options ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:          zerolog.Nop(),
		clock:           SystemClock(),
		cacheCondition:  DefaultCacheCondition,
		cacheScope:      func(*http.Request) string { return "" },
		dedupeCondition: DefaultDedupeCondition,
	}
	for _, option := range options {
		option(c)
	}
	c.assemble()
	return c
}

func (c *Client) assemble() {
	if c.httpClient.CheckRedirect == nil {
		c.httpClient.CheckRedirect = defaultCheckRedirect
	}

	c.gates = NewHostGates().WithLogger(c.logger)
	if c.metrics != nil {
		c.gates.WithMetrics(c.metrics)
	}

	breakers, err := NewBreakerRegistry(c.breakerCfg)
	if err != nil {
		c.validationError = err
		return
	}
	c.breakers = breakers.WithLogger(c.logger)
	if c.metrics != nil {
		c.breakers.WithMetrics(c.metrics)
	}

	limiter, err := NewConcurrencyManager(c.concCfg)
	if err != nil {
		c.validationError = err
		return
	}
	c.limiter = limiter.WithLogger(c.logger)
	if c.metrics != nil {
		c.limiter.WithMetrics(c.metrics)
	}

	if c.policy.Clock == nil {
		c.policy.Clock = c.clock
	}
	executor, err := NewExecutor(
		HTTPTransport(RoundTripperFunc(c.roundTrip)),
		c.policy,
		ExecutorConfig{
			Gates:    c.gates,
			Breakers: c.breakers,
			Limiter:  c.limiter,
			Observer: c.observer,
			Logger:   c.logger,
			Metrics:  c.metrics,
		},
	)
	if err != nil {
		c.validationError = err
		return
	}
	c.policy = executor.policy
	c.executor = executor

	if c.cacheStore != nil {
		if c.cacheOpts.Clock == nil {
			c.cacheOpts.Clock = c.clock
		}
		c.cache = NewResponseCache(c.cacheStore, c.cacheOpts).WithLogger(c.logger)
		if c.metrics != nil {
			c.cache.WithMetrics(c.metrics)
		}
	}
}

// Redirects are followed only for bodyless safe methods; everything else
// returns the redirect response untouched so the caller decides whether
// resending a body is acceptable. Chains longer than ten hops fail
// outright instead of quietly handing back an intermediate redirect.
func defaultCheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("bastion: stopped after 10 redirects")
	}
	first := via[0]
	if first.Method != http.MethodGet && first.Method != http.MethodHead {
		return http.ErrUseLastResponse
	}
	if first.GetBody != nil || (first.Body != nil && first.Body != http.NoBody) {
		return http.ErrUseLastResponse
	}
	return nil
}

// IsValid reports whether configuration validation passed at
// construction.
func (c *Client) IsValid() bool { return c.validationError == nil }

// ValidationError returns the construction-time validation error, if
// any.
func (c *Client) ValidationError() error { return c.validationError }

// Get performs a GET with context.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs a POST with the given content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Do executes a prepared request through every configured layer.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	start := c.clock.Now()
	host := requestHost(req)
	ctx := req.Context()

	c.metrics.RecordRequestStart(req.Method, host)
	defer c.metrics.RecordRequestEnd(req.Method, host)

	key := c.requestKey(req)

	if c.dedupe != nil && c.dedupeCondition(req) {
		f, owner := c.dedupe.join(key)
		if !owner {
			resp, err := f.wait(ctx, req)
			c.metrics.RecordDeduplicationHit(req.Method, host)
			c.recordOutcome(req.Method, host, resp, start)
			return resp, err
		}
		resp, err := c.dispatch(ctx, req, key, host, start)
		return c.dedupe.complete(key, resp, err)
	}

	return c.dispatch(ctx, req, key, host, start)
}

// dispatch runs the cache lookup, the executor, and the store-back.
func (c *Client) dispatch(ctx context.Context, req *http.Request, key, host string, start time.Time) (*http.Response, error) {
	cacheable := c.cache != nil && c.cacheCondition(req)

	var stale *Entry
	if cacheable {
		entry, state := c.cache.Lookup(key)
		switch state {
		case CacheFresh:
			c.metrics.RecordCacheHit(req.Method, host)
			resp := responseFromEntry(entry, req, false)
			c.recordOutcome(req.Method, host, resp, start)
			return resp, nil
		case CacheStale:
			stale = entry
			req = cloneRequest(req)
			conditionalHeaders(req, entry)
			c.metrics.RecordCacheMiss(req.Method, host)
		default:
			c.metrics.RecordCacheMiss(req.Method, host)
		}
	}

	resp, err := c.executor.Do(ctx, req)
	if err != nil {
		c.metrics.RecordError(errorType(err), host)
		c.recordOutcome(req.Method, host, nil, start)
		return nil, err
	}

	if stale != nil && isNotModified(resp) {
		resp.Body.Close()
		if refreshErr := c.cache.Refresh(key, c.cacheTTL); refreshErr != nil {
			c.logger.Debug().Str("key", key).Err(refreshErr).Msg("cache_refresh_failed")
		}
		c.metrics.RecordCacheRevalidation(host)
		revalidated := responseFromEntry(stale, req, true)
		c.recordOutcome(req.Method, host, revalidated, start)
		return revalidated, nil
	}

	if cacheable && resp.StatusCode < 400 {
		if storeErr := c.storeResponse(key, resp); storeErr != nil {
			c.logger.Debug().Str("key", key).Err(storeErr).Msg("cache_store_failed")
		}
	}

	c.recordOutcome(req.Method, host, resp, start)
	return resp, nil
}

// storeResponse drains the body into the cache and swaps in a rewound
// reader so the caller still gets the full payload.
func (c *Client) storeResponse(key string, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return c.cache.Set(entryFromResponse(key, resp, body), c.cacheTTL)
}

func (c *Client) requestKey(req *http.Request) string {
	rawQuery := ""
	path := ""
	if req.URL != nil {
		rawQuery = req.URL.RawQuery
		path = req.URL.Path
	}
	return CacheKey(req.Method, requestHost(req), path, rawQuery, c.cacheScope(req))
}

// ClearEndpoint invalidates every cached variant of one endpoint.
func (c *Client) ClearEndpoint(method, authority, path string) (int, error) {
	if c.cache == nil {
		return 0, nil
	}
	return c.cache.ClearEndpoint(method, authority, path)
}

// ClearCache removes every cached response.
func (c *Client) ClearCache() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Clear()
}

// Breakers exposes the breaker registry for inspection.
func (c *Client) Breakers() *BreakerRegistry { return c.breakers }

// Gates exposes the host gate registry for inspection.
func (c *Client) Gates() *HostGates { return c.gates }

// Limiter exposes the adaptive concurrency manager for inspection.
func (c *Client) Limiter() *ConcurrencyManager { return c.limiter }

// Close releases the client's gates. In-flight requests finish; new
// ones fail with ErrGatesClosed.
func (c *Client) Close() {
	if c.gates != nil {
		c.gates.Close()
	}
}

func (c *Client) roundTrip(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}
	current := RoundTripperFunc(c.httpClient.Do)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return mw(r, next)
		})
	}
	return current.RoundTrip(req)
}

func (c *Client) recordOutcome(method, host string, resp *http.Response, start time.Time) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.metrics.RecordRequest(method, host, status, c.clock.Now().Sub(start))
}

func errorType(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	if isCancellation(err) {
		return ErrorTypeTimeout
	}
	return ErrorTypeNetwork
}
