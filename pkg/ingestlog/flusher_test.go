package ingestlog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkutlak/ingestlog/pkg/ingestlog/breaker"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/metrics"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/queue"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/ratelimit"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/transport"
)

func newTestFlusher(t *testing.T, srvURL string, cfg Config) *flusher {
	t.Helper()
	q := queue.New(cfg.MaxQueueSize, zap.NewNop())
	lim := ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitPerHour, cfg.RateLimitBuffer)
	tr := transport.New(transport.Config{BaseURL: srvURL, APIKey: cfg.APIKey, RequestTimeout: cfg.HTTPTimeout})
	br := breaker.New(breaker.Config{Threshold: cfg.BreakerThreshold, Timeout: cfg.BreakerTimeout})
	reg := metrics.NewRegistry()
	lat := &latches{}
	return newFlusher(cfg, zap.NewNop(), q, lim, tr, br, reg, lat)
}

func TestFlusher_Tick_EmptyQueueIsNoop(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, WithAPIKey("ilk_f1"), WithBaseURL("http://unused"))
	f := newTestFlusher(t, "http://unused", cfg)

	f.tick(t.Context())
	assert.Equal(t, uint64(0), f.metrics.Snapshot(0, 0, 0, "closed", 0, 0).Attempts)
}

func TestFlusher_Tick_CommitResetsBackpressure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"accepted":1,"rejected":0,"errors":[]}`))
	}))
	t.Cleanup(srv.Close)

	cfg := mustConfig(t, WithAPIKey("ilk_f2"), WithBaseURL(srv.URL))
	f := newTestFlusher(t, srv.URL, cfg)
	f.backpressureStreak = 2
	f.currentInterval = 10 * time.Second

	f.queue.Enqueue(testRecord("x"))
	f.tick(t.Context())

	assert.Equal(t, 0, f.backpressureStreak)
	assert.Equal(t, cfg.FlushInterval, f.currentInterval)
	assert.Equal(t, uint64(1), f.metrics.Snapshot(0, 0, 0, "closed", 0, 0).BatchesSent)
}

func TestFlusher_Tick_ClientValidationDropsBatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	cfg := mustConfig(t, WithAPIKey("ilk_f3"), WithBaseURL(srv.URL))
	f := newTestFlusher(t, srv.URL, cfg)

	f.queue.Enqueue(testRecord("bad"))
	f.tick(t.Context())

	assert.Equal(t, 0, f.queue.Size(), "dropped batches must not be requeued")
	assert.False(t, f.latches.any())
}

func TestFlusher_Tick_AuthInvalidLatchesAndRequeuesNothing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	cfg := mustConfig(t, WithAPIKey("ilk_f4"), WithBaseURL(srv.URL))
	f := newTestFlusher(t, srv.URL, cfg)

	f.queue.Enqueue(testRecord("x"))
	f.tick(t.Context())

	assert.True(t, f.latches.apiKeyInvalid.Load())
	assert.Equal(t, 0, f.queue.Size())
}

func TestFlusher_Tick_ServerTransientGivesUpAndRequeues(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cfg := mustConfig(t, WithAPIKey("ilk_f5"), WithBaseURL(srv.URL), WithMaxRetries(0, 0))
	f := newTestFlusher(t, srv.URL, cfg)

	f.queue.Enqueue(testRecord("x"))
	f.tick(t.Context())

	assert.Equal(t, 1, f.queue.Size(), "GiveUp must requeue the batch for the next tick")
	assert.Equal(t, uint32(1), f.breaker.ConsecutiveFailures(), "GiveUp counts as a breaker failure")
}

// TestFlusher_Tick_BackpressureFullTripsIntervalDoubling drives three
// consecutive 503s through a real tick() call (retry-go retries the batch
// in place, since BackpressureFull has no bounded retry budget) and asserts
// flush_interval has doubled by the time a fourth attempt would start.
func TestFlusher_Tick_BackpressureFullTripsIntervalDoubling(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfg := mustConfig(t, WithAPIKey("ilk_f7"), WithBaseURL(srv.URL))
	f := newTestFlusher(t, srv.URL, cfg)

	f.queue.Enqueue(testRecord("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	f.tick(ctx)

	assert.Equal(t, 2*cfg.FlushInterval, f.currentInterval, "three consecutive BackpressureFull outcomes must double flush_interval")
	assert.Equal(t, 1, f.queue.Size(), "the in-flight batch must be requeued once ctx is cancelled mid-retry")
}

// TestFlusher_Tick_ThrottledDoesNotTripIntervalDoubling proves 429s alone
// never feed the BackpressureFull-only streak, even after several in a row.
func TestFlusher_Tick_ThrottledDoesNotTripIntervalDoubling(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	cfg := mustConfig(t, WithAPIKey("ilk_f8"), WithBaseURL(srv.URL))
	f := newTestFlusher(t, srv.URL, cfg)

	f.queue.Enqueue(testRecord("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	f.tick(ctx)

	assert.Equal(t, cfg.FlushInterval, f.currentInterval, "Throttled outcomes must never trigger the BackpressureFull interval doubling")
	assert.Equal(t, 0, f.backpressureStreak)
	assert.Equal(t, 1, f.queue.Size())
}

func TestFlusher_Tick_BreakerOpenSkipsSend(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cfg := mustConfig(t, WithAPIKey("ilk_f6"), WithBaseURL(srv.URL), WithBreaker(1, time.Hour))
	f := newTestFlusher(t, srv.URL, cfg)

	f.queue.Enqueue(testRecord("x"))
	f.tick(t.Context()) // trips the breaker
	require.Equal(t, breaker.Open, f.breaker.State())

	called = false
	f.queue.Enqueue(testRecord("y"))
	f.tick(t.Context())
	assert.False(t, called, "no transport call should happen while the breaker is open")
	assert.Equal(t, 2, f.queue.Size(), "the second record must stay queued untouched")
}
