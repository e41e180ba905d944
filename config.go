package bastion

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds client configuration loaded from the environment under
// the BASTION_ prefix. Zero values fall back to the library defaults.
type Config struct {
	MaxRetries            int
	RetryBudget           time.Duration
	PerRequestTimeout     time.Duration
	MaxConcurrencyPerHost int
	BackoffBase           time.Duration
	BackoffCap            time.Duration

	BreakerConsecutiveFailures int
	BreakerFailureRate         float64
	BreakerMinimumThroughput   int
	BreakerSamplingWindow      int
	BreakerBreakDuration       time.Duration
	BreakerHalfOpenSuccesses   int

	MinConcurrency     int
	MaxConcurrency     int
	TargetLatency      time.Duration
	MaxLatency         time.Duration
	AdjustmentInterval time.Duration

	CacheTTL        time.Duration
	CacheMaxEntries int
	CacheMaxBytes   int64
	CacheDir        string
	Revalidate      bool
	Deduplicate     bool
}

// LoadConfig reads configuration from the process environment, honoring
// a .env file when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("bastion: load env: %w", err)
	}

	cfg := &Config{
		MaxRetries:            k.Int("BASTION_MAX_RETRIES"),
		RetryBudget:           envDuration(k, "BASTION_RETRY_BUDGET"),
		PerRequestTimeout:     envDuration(k, "BASTION_PER_REQUEST_TIMEOUT"),
		MaxConcurrencyPerHost: k.Int("BASTION_MAX_CONCURRENCY_PER_HOST"),
		BackoffBase:           envDuration(k, "BASTION_BACKOFF_BASE"),
		BackoffCap:            envDuration(k, "BASTION_BACKOFF_CAP"),

		BreakerConsecutiveFailures: k.Int("BASTION_BREAKER_CONSECUTIVE_FAILURES"),
		BreakerFailureRate:         k.Float64("BASTION_BREAKER_FAILURE_RATE"),
		BreakerMinimumThroughput:   k.Int("BASTION_BREAKER_MINIMUM_THROUGHPUT"),
		BreakerSamplingWindow:      k.Int("BASTION_BREAKER_SAMPLING_WINDOW"),
		BreakerBreakDuration:       envDuration(k, "BASTION_BREAKER_BREAK_DURATION"),
		BreakerHalfOpenSuccesses:   k.Int("BASTION_BREAKER_HALF_OPEN_SUCCESSES"),

		MinConcurrency:     k.Int("BASTION_MIN_CONCURRENCY"),
		MaxConcurrency:     k.Int("BASTION_MAX_CONCURRENCY"),
		TargetLatency:      envDuration(k, "BASTION_TARGET_LATENCY"),
		MaxLatency:         envDuration(k, "BASTION_MAX_LATENCY"),
		AdjustmentInterval: envDuration(k, "BASTION_ADJUSTMENT_INTERVAL"),

		CacheTTL:        envDuration(k, "BASTION_CACHE_TTL"),
		CacheMaxEntries: k.Int("BASTION_CACHE_MAX_ENTRIES"),
		CacheMaxBytes:   k.Int64("BASTION_CACHE_MAX_BYTES"),
		CacheDir:        strings.TrimSpace(k.String("BASTION_CACHE_DIR")),
		Revalidate:      envBool(k, "BASTION_CACHE_REVALIDATE"),
		Deduplicate:     envBool(k, "BASTION_DEDUPLICATE"),
	}
	return cfg, nil
}

// Options translates the configuration into client options. Values the
// environment left unset produce no option, keeping library defaults.
func (cfg *Config) Options() ([]Option, error) {
	var options []Option

	if cfg.MaxRetries > 0 {
		options = append(options, WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.RetryBudget > 0 {
		options = append(options, WithRetryBudget(cfg.RetryBudget))
	}
	if cfg.PerRequestTimeout > 0 {
		options = append(options, WithPerRequestTimeout(cfg.PerRequestTimeout))
	}
	if cfg.MaxConcurrencyPerHost > 0 {
		options = append(options, WithMaxConcurrencyPerHost(cfg.MaxConcurrencyPerHost))
	}
	if cfg.BackoffBase > 0 || cfg.BackoffCap > 0 {
		base := cfg.BackoffBase
		if base <= 0 {
			base = 100 * time.Millisecond
		}
		ceiling := cfg.BackoffCap
		if ceiling <= 0 {
			ceiling = 10 * time.Second
		}
		options = append(options, WithExponentialBackoff(base, ceiling, 0.2))
	}

	breaker := BreakerOptions{
		ConsecutiveFailureThreshold: cfg.BreakerConsecutiveFailures,
		FailureRateThreshold:        cfg.BreakerFailureRate,
		MinimumThroughput:           cfg.BreakerMinimumThroughput,
		SamplingWindow:              cfg.BreakerSamplingWindow,
		BreakDuration:               cfg.BreakerBreakDuration,
		HalfOpenSuccessThreshold:    cfg.BreakerHalfOpenSuccesses,
	}
	breakerSet := cfg.BreakerConsecutiveFailures > 0 || cfg.BreakerFailureRate > 0 ||
		cfg.BreakerMinimumThroughput > 0 || cfg.BreakerSamplingWindow > 0 ||
		cfg.BreakerBreakDuration > 0 || cfg.BreakerHalfOpenSuccesses > 0
	if breakerSet {
		if err := breaker.withDefaults().Validate(); err != nil {
			return nil, err
		}
		options = append(options, WithBreakerOptions(breaker))
	}

	concurrency := ConcurrencyOptions{
		MinConcurrency:     cfg.MinConcurrency,
		MaxConcurrency:     cfg.MaxConcurrency,
		TargetLatency:      cfg.TargetLatency,
		MaxLatency:         cfg.MaxLatency,
		AdjustmentInterval: cfg.AdjustmentInterval,
	}
	concurrencySet := cfg.MinConcurrency > 0 || cfg.MaxConcurrency > 0 ||
		cfg.TargetLatency > 0 || cfg.MaxLatency > 0 || cfg.AdjustmentInterval > 0
	if concurrencySet {
		if err := concurrency.withDefaults().Validate(); err != nil {
			return nil, err
		}
		options = append(options, WithConcurrencyOptions(concurrency))
	}

	if cfg.CacheDir != "" {
		store, err := NewFileStore(cfg.CacheDir, MemoryStoreOptions{
			MaxEntries: cfg.CacheMaxEntries,
			MaxBytes:   cfg.CacheMaxBytes,
		})
		if err != nil {
			return nil, err
		}
		options = append(options, WithCacheStore(store, cfg.CacheTTL))
	} else if cfg.CacheTTL > 0 || cfg.CacheMaxEntries > 0 || cfg.CacheMaxBytes > 0 {
		options = append(options,
			WithCacheStore(NewMemoryStore(MemoryStoreOptions{
				MaxEntries: cfg.CacheMaxEntries,
				MaxBytes:   cfg.CacheMaxBytes,
			}), cfg.CacheTTL))
	}
	if cfg.Revalidate {
		options = append(options, WithRevalidation())
	}
	if cfg.Deduplicate {
		options = append(options, WithDeduplication())
	}
	return options, nil
}

// NewFromEnv builds a Client entirely from the environment.
func NewFromEnv(extra ...Option) (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	options, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	options = append(options, extra...)
	c := New(options...)
	if err := c.ValidationError(); err != nil {
		return nil, err
	}
	return c, nil
}

func envDuration(k *koanf.Koanf, key string) time.Duration {
	raw := strings.TrimSpace(k.String(key))
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

func envBool(k *koanf.Koanf, key string) bool {
	switch strings.ToLower(strings.TrimSpace(k.String(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
