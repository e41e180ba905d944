package bastion

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordRequest("GET", "example.com", 200, time.Millisecond)
	c.RecordRequestStart("GET", "example.com")
	c.RecordRequestEnd("GET", "example.com")
	c.RecordRetry("example.com", 1)
	c.RecordRetryBudgetExceeded("example.com")
	c.RecordBreakerState("example.com", StateOpen)
	c.RecordBreakerOpened("example.com")
	c.RecordGate("example.com", 10, 3)
	c.RecordConcurrencyLimit(8)
	c.RecordRateLimitSignal("example.com", 429)
	c.RecordCacheHit("GET", "example.com")
	c.RecordCacheMiss("GET", "example.com")
	c.RecordCacheEviction("default")
	c.RecordCacheRevalidation("example.com")
	c.RecordCacheSize("default", 1, 100)
	c.RecordDeduplicationHit("GET", "example.com")
	c.RecordError(ErrorTypeNetwork, "example.com")
}

func TestCollectorCountsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWithRegisterer(reg)

	c.RecordRequest("GET", "example.com", 200, 5*time.Millisecond)
	c.RecordRequest("GET", "example.com", 200, 7*time.Millisecond)
	c.RecordRequest("GET", "example.com", 503, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["bastion_requests_total"])
	assert.True(t, names["bastion_request_duration_seconds"])
}

func TestCollectorTracksInFlight(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWithRegisterer(reg)

	c.RecordRequestStart("GET", "example.com")
	c.RecordRequestStart("GET", "example.com")
	c.RecordRequestEnd("GET", "example.com")

	got := testutil.ToFloat64(c.requestsInFlight.WithLabelValues("GET", "example.com"))
	assert.Equal(t, 1.0, got)
}

func TestCollectorBreakerStateGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWithRegisterer(reg)

	c.RecordBreakerState("example.com", StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerState.WithLabelValues("example.com")))

	c.RecordBreakerState("example.com", StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerState.WithLabelValues("example.com")))
}

func TestCollectorCacheSizeGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWithRegisterer(reg)

	c.RecordCacheSize("default", 12, 4096)
	assert.Equal(t, 12.0, testutil.ToFloat64(c.cacheEntries.WithLabelValues("default")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.cacheBytes.WithLabelValues("default")))
}
