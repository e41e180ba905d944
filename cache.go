package bastion

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is one cached response. Bodies are retained as raw bytes along
// with the validators needed for conditional revalidation.
type Entry struct {
	Key          string    `msgpack:"key"`
	StatusCode   int       `msgpack:"status_code"`
	ContentType  string    `msgpack:"content_type"`
	ETag         string    `msgpack:"etag,omitempty"`
	LastModified string    `msgpack:"last_modified,omitempty"`
	Body         []byte    `msgpack:"body"`
	StoredAt     time.Time `msgpack:"stored_at"`
	ExpiresAt    time.Time `msgpack:"expires_at"`
}

// Expired reports whether the entry's freshness lifetime has passed.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Size approximates the entry's memory footprint in bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Body) + len(e.Key) + len(e.ContentType) + len(e.ETag) + len(e.LastModified))
}

// Revalidatable reports whether the entry carries a validator usable in
// a conditional request.
func (e *Entry) Revalidatable() bool {
	return e.ETag != "" || e.LastModified != ""
}

// DecodeBody unmarshals an entry body into T via msgpack. A body that
// does not decode as T is reported as an error so callers can treat the
// entry as a miss.
func DecodeBody[T any](e *Entry) (T, error) {
	var v T
	if e == nil {
		return v, fmt.Errorf("bastion: decode of nil entry")
	}
	if err := msgpack.Unmarshal(e.Body, &v); err != nil {
		return v, fmt.Errorf("bastion: entry body does not decode: %w", err)
	}
	return v, nil
}

// Store is the persistence contract behind ResponseCache. Implementations
// must be safe for concurrent use. Get returning (nil, nil) is a miss.
type Store interface {
	Get(key string) (*Entry, error)
	Set(entry *Entry) error
	Delete(key string) error
	DeletePrefix(prefix string) (int, error)
	Clear() error
	Len() int
	Bytes() int64
}

// MemoryStoreOptions bound the in-memory store. Zero means unbounded for
// both budgets.
type MemoryStoreOptions struct {
	MaxEntries int
	MaxBytes   int64
}

// MemoryStore is a budgeted in-memory Store. When either budget is
// exceeded the oldest entries by StoredAt are evicted first.
type MemoryStore struct {
	opts    MemoryStoreOptions
	metrics *Collector

	mu      sync.Mutex
	entries map[string]*Entry
	bytes   int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	return &MemoryStore{
		opts:    opts,
		entries: make(map[string]*Entry),
	}
}

// WithMetrics attaches a collector for eviction counting.
func (s *MemoryStore) WithMetrics(c *Collector) *MemoryStore {
	s.metrics = c
	return s
}

// Get returns the entry for key or (nil, nil) on a miss. Expiry is the
// cache's concern, not the store's; expired entries are still returned.
// Callers receive a private copy, so a Refresh rewriting ExpiresAt never
// races with a concurrent Lookup reading it. Bodies are never mutated
// after storage, so sharing the byte slice is safe.
func (s *MemoryStore) Get(key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	dup := *e
	return &dup, nil
}

// Set stores entry, evicting oldest entries if a budget is exceeded.
// The store keeps its own copy; the caller's pointer stays theirs.
func (s *MemoryStore) Set(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[entry.Key]; ok {
		s.bytes -= prev.Size()
	}
	stored := *entry
	s.entries[entry.Key] = &stored
	s.bytes += stored.Size()
	s.evictLocked()
	return nil
}

// Delete removes the entry for key if present.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.bytes -= e.Size()
		delete(s.entries, key)
	}
	return nil
}

// DeletePrefix removes every entry whose key starts with prefix and
// returns how many were removed.
func (s *MemoryStore) DeletePrefix(prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.bytes -= e.Size()
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Clear removes every entry.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
	s.bytes = 0
	return nil
}

// Len returns the current entry count.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Bytes returns the approximate cached byte total.
func (s *MemoryStore) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *MemoryStore) evictLocked() {
	for s.overBudgetLocked() {
		oldestKey := ""
		var oldest time.Time
		for key, e := range s.entries {
			if oldestKey == "" || e.StoredAt.Before(oldest) {
				oldestKey = key
				oldest = e.StoredAt
			}
		}
		if oldestKey == "" {
			return
		}
		s.bytes -= s.entries[oldestKey].Size()
		delete(s.entries, oldestKey)
		s.metrics.RecordCacheEviction("memory")
	}
}

func (s *MemoryStore) overBudgetLocked() bool {
	if len(s.entries) == 0 {
		return false
	}
	if s.opts.MaxEntries > 0 && len(s.entries) > s.opts.MaxEntries {
		return true
	}
	if s.opts.MaxBytes > 0 && s.bytes > s.opts.MaxBytes {
		return true
	}
	return false
}

// CacheState classifies a lookup result.
type CacheState int

const (
	// CacheMiss means no usable entry exists.
	CacheMiss CacheState = iota
	// CacheFresh means the entry is within its freshness lifetime.
	CacheFresh
	// CacheStale means the entry has expired but carries validators, so
	// a conditional revalidation may avoid refetching the body.
	CacheStale
)

// String returns the lowercase state name.
func (s CacheState) String() string {
	switch s {
	case CacheMiss:
		return "miss"
	case CacheFresh:
		return "fresh"
	case CacheStale:
		return "stale"
	default:
		return "unknown"
	}
}

// CacheOptions configures a ResponseCache.
type CacheOptions struct {
	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration
	// Revalidate keeps expired entries with validators and reports them
	// stale instead of missing.
	Revalidate bool
	// Clock supplies time for expiry decisions.
	Clock Clock
}

// DefaultCacheTTL applies when no TTL is configured anywhere.
const DefaultCacheTTL = 5 * time.Minute

func (o CacheOptions) withDefaults() CacheOptions {
	if o.DefaultTTL == 0 {
		o.DefaultTTL = DefaultCacheTTL
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	return o
}

// ResponseCache is the TTL and revalidation policy layer over a Store.
type ResponseCache struct {
	store   Store
	opts    CacheOptions
	logger  zerolog.Logger
	metrics *Collector
}

// NewResponseCache wraps store with TTL policy.
func NewResponseCache(store Store, opts CacheOptions) *ResponseCache {
	return &ResponseCache{
		store: store,
		opts:  opts.withDefaults(),
	}
}

// WithLogger sets the logger for invalidation events.
func (c *ResponseCache) WithLogger(logger zerolog.Logger) *ResponseCache {
	c.logger = logger
	return c
}

// WithMetrics attaches a collector for size gauges.
func (c *ResponseCache) WithMetrics(m *Collector) *ResponseCache {
	c.metrics = m
	return c
}

// Lookup classifies the entry for key. Expired entries without
// validators, or with revalidation disabled, are deleted and reported
// as misses. Store errors degrade to misses; the cache never turns a
// working request path into a failing one.
func (c *ResponseCache) Lookup(key string) (*Entry, CacheState) {
	entry, err := c.store.Get(key)
	if err != nil {
		c.logger.Debug().Str("key", key).Err(err).Msg("cache_read_failed")
		return nil, CacheMiss
	}
	if entry == nil {
		return nil, CacheMiss
	}
	if !entry.Expired(c.opts.Clock.Now()) {
		return entry, CacheFresh
	}
	if c.opts.Revalidate && entry.Revalidatable() {
		return entry, CacheStale
	}
	_ = c.store.Delete(key)
	return nil, CacheMiss
}

// Set stores entry under the cache's TTL policy. A zero ttl takes the
// default; StoredAt and ExpiresAt are stamped here.
func (c *ResponseCache) Set(entry *Entry, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}
	now := c.opts.Clock.Now()
	entry.StoredAt = now
	entry.ExpiresAt = now.Add(ttl)
	if err := c.store.Set(entry); err != nil {
		return err
	}
	c.metrics.RecordCacheSize("default", c.store.Len(), c.store.Bytes())
	return nil
}

// Refresh extends the freshness lifetime of an existing entry without
// touching its body, as after a 304 revalidation.
func (c *ResponseCache) Refresh(key string, ttl time.Duration) error {
	entry, err := c.store.Get(key)
	if err != nil || entry == nil {
		return err
	}
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}
	entry.ExpiresAt = c.opts.Clock.Now().Add(ttl)
	return c.store.Set(entry)
}

// ClearEndpoint removes every cached variant of one endpoint.
func (c *ResponseCache) ClearEndpoint(method, authority, path string) (int, error) {
	prefix := EndpointPrefix(method, authority, path)
	removed, err := c.store.DeletePrefix(prefix)
	if err != nil {
		return 0, err
	}
	c.logger.Debug().
		Str("prefix", prefix).
		Int("removed", removed).
		Msg("cache_endpoint_cleared")
	c.metrics.RecordCacheSize("default", c.store.Len(), c.store.Bytes())
	return removed, nil
}

// Clear removes every entry.
func (c *ResponseCache) Clear() error {
	if err := c.store.Clear(); err != nil {
		return err
	}
	c.metrics.RecordCacheSize("default", c.store.Len(), c.store.Bytes())
	return nil
}

// Len returns the current entry count.
func (c *ResponseCache) Len() int { return c.store.Len() }
