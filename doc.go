// Package bastion provides a resilient outbound HTTP client built from
// composable reliability primitives:
//
//   - Retries with server-aware delays (Retry-After) and exponential backoff + jitter
//   - Per-host circuit breakers (closed / open / half-open) with windowed failure rates
//   - Per-host concurrency gates plus an adaptive global concurrency limit
//   - Response caching with TTLs, budgets and conditional revalidation (ETag / Last-Modified)
//   - Request de-duplication (merges concurrent identical in-flight requests)
//   - Middleware chain for cross-cutting concerns (auth, logging, tracing, etc.)
//   - Prometheus metrics and zerolog structured logging
//
// Design goals:
//   - Small surface area, functional options configure everything
//   - Every layer usable standalone: Breaker, HostGates, ConcurrencyManager,
//     Executor and ResponseCache are exported on their own
//   - Deterministic tests via an injectable Clock
//   - Safe concurrent use of a single *Client instance
//
// Typical usage:
//
//	client := bastion.New(
//	    bastion.WithMaxRetries(3),
//	    bastion.WithCache(5*time.Minute),
//	    bastion.WithRevalidation(),
//	    bastion.WithDeduplication(),
//	    bastion.WithMetrics(),
//	)
//	resp, err := client.Get(ctx, "https://api.example.com/data")
//
// Only transient failures trigger retries by default (network errors,
// 429 and 503); override with WithRetryStatuses and WithRetryCondition.
// The generic Executor accepts any Transport, so non-HTTP protocols can
// reuse the same retry, breaker and concurrency machinery.
package bastion
