package ingestlog

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// apiKeyPrefix is the expected prefix of a project API key, matching the
// remote ingestion service's key format.
const apiKeyPrefix = "ilk_"

// Config holds every tunable of the ingestlog client.
//
// Default values:
//   - BaseURL: "" (required, no sensible default)
//   - FlushInterval: 5s
//   - FlushSize: 100
//   - MaxBatchSize: 500
//   - MaxQueueSize: 10000
//   - HTTPTimeout: 5s
//   - HTTPPoolSize: 10
//   - RateLimitPerMinute: 1000, RateLimitPerHour: 20000
//   - RateLimitBuffer: 0.9
//   - MaxRetriesServer: 3, MaxRetriesNetwork: 3
//   - BreakerThreshold: 5, BreakerTimeout: 60s
//
// Configuration sources (in priority order, highest first):
//  1. Option values passed to New/ParseConfig
//  2. Environment variables (INGESTLOG_*)
//  3. Default values
type Config struct {
	// APIKey is the bearer credential sent as Authorization: Bearer <key>.
	// Env: INGESTLOG_API_KEY
	APIKey string

	// BaseURL is the HTTP(S) endpoint root, e.g. "https://ingest.example.com".
	// Env: INGESTLOG_BASE_URL
	BaseURL string

	// FlushInterval is how often the Flusher attempts a time-triggered flush.
	// Env: INGESTLOG_FLUSH_INTERVAL (duration, e.g. "5s")
	FlushInterval time.Duration

	// FlushSize is the queue length that forces an immediate flush.
	// Env: INGESTLOG_FLUSH_SIZE
	FlushSize int

	// MaxBatchSize is the upper bound of records sent per request.
	// Env: INGESTLOG_MAX_BATCH_SIZE
	MaxBatchSize int

	// MaxQueueSize is the queue's hard capacity; head-drop above this.
	// Env: INGESTLOG_MAX_QUEUE_SIZE
	MaxQueueSize int

	// HTTPTimeout is the per-request transport timeout.
	// Env: INGESTLOG_HTTP_TIMEOUT (duration)
	HTTPTimeout time.Duration

	// HTTPPoolSize is the number of persistent HTTP connections to keep.
	// Env: INGESTLOG_HTTP_POOL_SIZE
	HTTPPoolSize int

	// RateLimitPerMinute and RateLimitPerHour are the dual-window caps.
	// Env: INGESTLOG_RATE_LIMIT_PER_MINUTE, INGESTLOG_RATE_LIMIT_PER_HOUR
	RateLimitPerMinute int
	RateLimitPerHour   int

	// RateLimitBuffer is the fraction of each cap actually used, in (0, 1].
	// Env: INGESTLOG_RATE_LIMIT_BUFFER
	RateLimitBuffer float64

	// MaxRetriesServer and MaxRetriesNetwork bound retries of 5xx and
	// network-error outcomes respectively. 429/503 retry unboundedly.
	// Env: INGESTLOG_MAX_RETRIES_SERVER, INGESTLOG_MAX_RETRIES_NETWORK
	MaxRetriesServer  int
	MaxRetriesNetwork int

	// BreakerThreshold is the count of consecutive non-Accepted outcomes
	// that trips the circuit breaker open.
	// Env: INGESTLOG_BREAKER_THRESHOLD
	BreakerThreshold uint32

	// BreakerTimeout is how long the breaker stays open before the single
	// half-open probe is allowed.
	// Env: INGESTLOG_BREAKER_TIMEOUT (duration)
	BreakerTimeout time.Duration
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithAPIKey sets the bearer credential.
func WithAPIKey(key string) Option { return func(c *Config) { c.APIKey = key } }

// WithBaseURL sets the HTTP(S) endpoint root.
func WithBaseURL(url string) Option { return func(c *Config) { c.BaseURL = url } }

// WithFlushInterval sets the time-triggered flush period.
func WithFlushInterval(d time.Duration) Option { return func(c *Config) { c.FlushInterval = d } }

// WithFlushSize sets the queue length that forces an immediate flush.
func WithFlushSize(n int) Option { return func(c *Config) { c.FlushSize = n } }

// WithMaxBatchSize sets the upper bound of records sent per request.
func WithMaxBatchSize(n int) Option { return func(c *Config) { c.MaxBatchSize = n } }

// WithMaxQueueSize sets the queue's hard capacity.
func WithMaxQueueSize(n int) Option { return func(c *Config) { c.MaxQueueSize = n } }

// WithHTTPTimeout sets the per-request transport timeout.
func WithHTTPTimeout(d time.Duration) Option { return func(c *Config) { c.HTTPTimeout = d } }

// WithHTTPPoolSize sets the number of persistent HTTP connections.
func WithHTTPPoolSize(n int) Option { return func(c *Config) { c.HTTPPoolSize = n } }

// WithRateLimit sets the dual-window caps.
func WithRateLimit(perMinute, perHour int) Option {
	return func(c *Config) {
		c.RateLimitPerMinute = perMinute
		c.RateLimitPerHour = perHour
	}
}

// WithRateLimitBuffer sets the fraction of each cap actually used.
func WithRateLimitBuffer(f float64) Option { return func(c *Config) { c.RateLimitBuffer = f } }

// WithMaxRetries sets the bounded retry counts for server and network errors.
func WithMaxRetries(server, network int) Option {
	return func(c *Config) {
		c.MaxRetriesServer = server
		c.MaxRetriesNetwork = network
	}
}

// WithBreaker sets the circuit breaker's trip threshold and recovery delay.
func WithBreaker(threshold uint32, timeout time.Duration) Option {
	return func(c *Config) {
		c.BreakerThreshold = threshold
		c.BreakerTimeout = timeout
	}
}

// defaultConfig returns a Config with every default value filled in.
func defaultConfig() Config {
	return Config{
		FlushInterval:      5 * time.Second,
		FlushSize:          100,
		MaxBatchSize:       500,
		MaxQueueSize:       10_000,
		HTTPTimeout:        5 * time.Second,
		HTTPPoolSize:       10,
		RateLimitPerMinute: 1000,
		RateLimitPerHour:   20_000,
		RateLimitBuffer:    0.9,
		MaxRetriesServer:   3,
		MaxRetriesNetwork:  3,
		BreakerThreshold:   5,
		BreakerTimeout:     60 * time.Second,
	}
}

// applyEnv overrides the default of every field whose INGESTLOG_*
// environment variable is set and parses; unparseable values are ignored.
// Called before applying explicit Options, so Options always win over the
// environment.
func applyEnv(c *Config) {
	if v := os.Getenv("INGESTLOG_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("INGESTLOG_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("INGESTLOG_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.FlushInterval = d
		}
	}
	if v := os.Getenv("INGESTLOG_FLUSH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FlushSize = n
		}
	}
	if v := os.Getenv("INGESTLOG_MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxBatchSize = n
		}
	}
	if v := os.Getenv("INGESTLOG_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxQueueSize = n
		}
	}
	if v := os.Getenv("INGESTLOG_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HTTPTimeout = d
		}
	}
	if v := os.Getenv("INGESTLOG_HTTP_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTPPoolSize = n
		}
	}
	if v := os.Getenv("INGESTLOG_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("INGESTLOG_RATE_LIMIT_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitPerHour = n
		}
	}
	if v := os.Getenv("INGESTLOG_RATE_LIMIT_BUFFER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimitBuffer = f
		}
	}
	if v := os.Getenv("INGESTLOG_MAX_RETRIES_SERVER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetriesServer = n
		}
	}
	if v := os.Getenv("INGESTLOG_MAX_RETRIES_NETWORK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetriesNetwork = n
		}
	}
	if v := os.Getenv("INGESTLOG_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.BreakerThreshold = uint32(n)
		}
	}
	if v := os.Getenv("INGESTLOG_BREAKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.BreakerTimeout = d
		}
	}
}

// ParseConfig builds a Config from defaults, then the environment, then the
// supplied Options (highest priority), and validates the result.
func ParseConfig(opts ...Option) (Config, error) {
	cfg := defaultConfig()
	applyEnv(&cfg)
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for validity, collecting every
// violated constraint rather than stopping at the first.
func (c Config) Validate() error {
	var violations []string

	if c.APIKey == "" {
		violations = append(violations, "api_key is required")
	} else if !strings.HasPrefix(c.APIKey, apiKeyPrefix) {
		violations = append(violations, fmt.Sprintf("api_key must start with %q", apiKeyPrefix))
	}

	if c.BaseURL == "" {
		violations = append(violations, "base_url is required")
	}

	if c.FlushInterval <= 0 {
		violations = append(violations, "flush_interval must be positive")
	}
	if c.FlushSize <= 0 {
		violations = append(violations, "flush_size must be positive")
	}
	if c.MaxBatchSize <= 0 {
		violations = append(violations, "max_batch_size must be positive")
	} else if c.MaxBatchSize > 1000 {
		violations = append(violations, "max_batch_size must be <= 1000")
	}
	if c.MaxQueueSize <= 0 {
		violations = append(violations, "max_queue_size must be positive")
	}
	if c.HTTPTimeout <= 0 {
		violations = append(violations, "http_timeout must be positive")
	}
	if c.HTTPPoolSize <= 0 {
		violations = append(violations, "http_pool_size must be positive")
	}
	if c.RateLimitPerMinute <= 0 {
		violations = append(violations, "rate_limit_per_minute must be positive")
	}
	if c.RateLimitPerHour <= 0 {
		violations = append(violations, "rate_limit_per_hour must be positive")
	}
	if c.RateLimitBuffer <= 0 || c.RateLimitBuffer > 1 {
		violations = append(violations, "rate_limit_buffer must be in (0, 1]")
	}
	if c.MaxRetriesServer < 0 {
		violations = append(violations, "max_retries_server must be >= 0")
	}
	if c.MaxRetriesNetwork < 0 {
		violations = append(violations, "max_retries_network must be >= 0")
	}
	if c.BreakerThreshold == 0 {
		violations = append(violations, "breaker_threshold must be positive")
	}
	if c.BreakerTimeout <= 0 {
		violations = append(violations, "breaker_timeout must be positive")
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// ValidationError reports every constraint a Config violated, so a caller
// can fix its configuration in one pass instead of one error at a time.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingestlog: invalid configuration: %s", strings.Join(e.Violations, "; "))
}
