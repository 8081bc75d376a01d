// Package ingestlog is a client-side observability log ingestion library:
// application code calls Enqueue with structured log records, and a single
// background Flusher batches and reliably delivers them to a remote
// ingestion endpoint without blocking the caller.
package ingestlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mkutlak/ingestlog/pkg/ingestlog/breaker"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/metrics"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/queue"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/ratelimit"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/record"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/transport"
)

// defaultShutdownDrainTick is how often Shutdown's drain loop re-attempts a
// flush while waiting for the queue to empty or its timeout to expire.
const defaultShutdownDrainTick = 100 * time.Millisecond

// HealthStatus is the aggregated status returned by Client.Health().
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
	Unhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Health is the snapshot returned by Client.Health().
type Health struct {
	Status HealthStatus
	Issues []string
}

// Client is the facade applications embed: Enqueue from any number of
// producer goroutines, and a single background Flusher drains, retries, and
// delivers batches. Grounded on pkg/clickhouse/output.go's Output struct,
// generalized from a k6 output.Output to a standalone library with no
// external lifecycle interface to satisfy: New both builds and starts the
// Flusher, and Shutdown (guarded by a sync.Once) stops it.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	trans   *transport.Transport
	cb      *breaker.Breaker
	reg     *metrics.Registry
	latch   *latches
	flusher *flusher

	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds and starts a Client from the given Options.
func New(opts ...Option) (*Client, error) {
	cfg, err := ParseConfig(opts...)
	if err != nil {
		return nil, err
	}

	logCfg := zap.NewProductionConfig()
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := logCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("ingestlog: failed to create logger: %w", err)
	}

	return newClient(cfg, logger.With(zap.String("component", "ingestlog")))
}

func newClient(cfg Config, logger *zap.Logger) (*Client, error) {
	reg := metrics.NewRegistry()
	q := queue.New(cfg.MaxQueueSize, logger)
	lim := ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitPerHour, cfg.RateLimitBuffer)
	tr := transport.New(transport.Config{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		PoolSize:       cfg.HTTPPoolSize,
		RequestTimeout: cfg.HTTPTimeout,
	})
	cb := breaker.New(breaker.Config{Threshold: cfg.BreakerThreshold, Timeout: cfg.BreakerTimeout})
	lat := &latches{}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		queue:   q,
		limiter: lim,
		trans:   tr,
		cb:      cb,
		reg:     reg,
		latch:   lat,
		runDone: make(chan struct{}),
	}
	c.flusher = newFlusher(cfg, logger, q, lim, tr, cb, reg, lat)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go func() {
		defer close(c.runDone)
		c.flusher.run(c.ctx)
	}()

	c.logger.Debug("ingestlog client started",
		zap.String("base_url", cfg.BaseURL),
		zap.Duration("flush_interval", cfg.FlushInterval),
		zap.Int("max_queue_size", cfg.MaxQueueSize))

	return c, nil
}

// Enqueue validates rec synchronously and pushes it onto the queue. It
// never performs I/O, never blocks on anything but the queue's mutex, and
// is safe to call from any number of concurrent goroutines. A validation
// failure is reported back to the caller and counted in Metrics; it is
// never silently dropped.
func (c *Client) Enqueue(rec record.Record) error {
	valid, err := record.Validate(rec)
	if err != nil {
		c.reg.RecordDropValidation()
		return err
	}

	c.queue.Enqueue(valid)
	c.reg.RecordEnqueue()

	if c.queue.Size() >= c.cfg.FlushSize {
		c.flusher.nudge()
	}
	return nil
}

// Metrics returns a point-in-time snapshot of every counter and gauge the
// client tracks.
func (c *Client) Metrics() metrics.Snapshot {
	perMinute, perHour := c.limiter.Rates()
	return c.reg.Snapshot(c.queue.Size(), c.queue.Capacity(), c.queue.DropCount(), c.cb.State().String(), perMinute, perHour)
}

// Health aggregates breaker state, latches, and queue pressure into a
// single tri-state status with the contributing issues listed.
func (c *Client) Health() Health {
	var issues []string
	status := Healthy

	if c.cb.State() == breaker.Open {
		issues = append(issues, "circuit_breaker_open")
		status = Unhealthy
	}
	issues = append(issues, c.latch.issues()...)
	if c.latch.any() && status != Unhealthy {
		status = Unhealthy
	}

	if capacity := c.queue.Capacity(); capacity > 0 {
		if float64(c.queue.Size())/float64(capacity) > 0.8 {
			issues = append(issues, "queue_over_80_percent")
			if status == Healthy {
				status = Degraded
			}
		}
	}
	if c.cb.ConsecutiveFailures() > 2 {
		issues = append(issues, "consecutive_failures_over_2")
		if status == Healthy {
			status = Degraded
		}
	}

	return Health{Status: status, Issues: issues}
}

// RefreshCredentials updates the API key used for future requests and
// clears any latch set by a prior AuthInvalid/NotFound outcome, letting the
// Flusher resume sending whatever accumulated in the queue while latched.
func (c *Client) RefreshCredentials(apiKey string) {
	c.trans.SetAPIKey(apiKey)
	c.latch.clear()
	c.flusher.nudge()
}

// Shutdown atomically raises the shutdown signal, waits up to timeout for
// the Flusher to drain the queue through the normal retry/backoff/breaker
// pipeline, then abandons whatever remains (counted as dropped_on_shutdown)
// and closes the transport. Idempotent: concurrent and repeated calls
// observe the same outcome and return the same error.
func (c *Client) Shutdown(timeout time.Duration) error {
	c.shutdownOnce.Do(func() {
		c.cancel()
		<-c.runDone

		drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		ticker := time.NewTicker(defaultShutdownDrainTick)
		defer ticker.Stop()

	drain:
		for c.queue.Size() > 0 {
			select {
			case <-drainCtx.Done():
				break drain
			case <-ticker.C:
				c.flusher.drainOnce(drainCtx)
			}
		}

		if remaining := c.queue.Size(); remaining > 0 {
			dropped := c.queue.DrainBatch(remaining)
			c.reg.RecordDropShutdown(uint64(len(dropped)))
			c.logger.Warn("shutdown timeout reached, abandoning remaining records",
				zap.Int("dropped", len(dropped)))
		}

		c.trans.Close()
		c.logger.Debug("ingestlog client stopped")
	})
	return c.shutdownErr
}
