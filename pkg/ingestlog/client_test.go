package ingestlog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkutlak/ingestlog/pkg/ingestlog/record"
)

func testRecord(msg string) record.Record {
	return record.Record{
		Timestamp:  time.Now(),
		Level:      record.LevelInfo,
		LogType:    record.TypeLogger,
		Importance: record.ImportanceStandard,
		Message:    msg,
	}
}

func newTestClient(t *testing.T, opts ...Option) (*Client, func()) {
	t.Helper()

	base := []Option{
		WithFlushInterval(20 * time.Millisecond),
		WithFlushSize(1000),
		WithMaxQueueSize(100),
		WithMaxBatchSize(50),
		WithHTTPTimeout(2 * time.Second),
		WithMaxRetries(3, 3),
		WithBreaker(5, 200*time.Millisecond),
	}
	cfg, err := ParseConfig(append(base, opts...)...)
	require.NoError(t, err)

	c, err := newClient(cfg, zap.NewNop())
	require.NoError(t, err)
	return c, func() { _ = c.Shutdown(time.Second) }
}

type recordsBatch = []record.Record

func acceptAllHandler(received *[]recordsBatch, mu *sync.Mutex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Logs []record.Record `json:"logs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		*received = append(*received, body.Logs)
		mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": len(body.Logs), "rejected": 0, "errors": []string{}})
	}
}

// S1: a single Enqueue under normal conditions is flushed and committed.
func TestClient_S1_EnqueueAndFlush(t *testing.T) {
	t.Parallel()

	var received []recordsBatch
	mu := &sync.Mutex{}
	srv := httptest.NewServer(acceptAllHandler(&received, mu))
	t.Cleanup(srv.Close)

	c, stop := newTestClient(t, WithAPIKey("ilk_s1"), WithBaseURL(srv.URL))
	defer stop()

	require.NoError(t, c.Enqueue(testRecord("hello")))

	assert.Eventually(t, func() bool {
		return c.Metrics().Sent == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "hello", received[0][0].Message)
}

// S2: queue overflow head-drops the oldest records and counts them.
func TestClient_S2_QueueOverflowDrops(t *testing.T) {
	t.Parallel()

	blockCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blockCh
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": 0, "rejected": 0, "errors": []string{}})
	}))
	t.Cleanup(func() { close(blockCh); srv.Close() })

	c, stop := newTestClient(t,
		WithAPIKey("ilk_s2"),
		WithBaseURL(srv.URL),
		WithMaxQueueSize(5),
		WithFlushInterval(time.Hour), // no automatic flush during the test
	)
	defer stop()

	for i := 0; i < 8; i++ {
		require.NoError(t, c.Enqueue(testRecord("m")))
	}

	snap := c.Metrics()
	assert.Equal(t, uint64(3), snap.DroppedOverflow)
	assert.Equal(t, 5, snap.QueueSize)
}

// S3: a 401 response latches the client and halts sending; RefreshCredentials
// clears the latch and lets the queued records through (also covers S7).
func TestClient_S3_AuthLatchAndRefresh(t *testing.T) {
	t.Parallel()

	var rejectAuth atomic.Bool
	rejectAuth.Store(true)

	var received []recordsBatch
	mu := &sync.Mutex{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rejectAuth.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Logs []record.Record `json:"logs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, body.Logs)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": len(body.Logs), "rejected": 0, "errors": []string{}})
	}))
	t.Cleanup(srv.Close)

	c, stop := newTestClient(t, WithAPIKey("ilk_bad"), WithBaseURL(srv.URL))
	defer stop()

	require.NoError(t, c.Enqueue(testRecord("one")))

	assert.Eventually(t, func() bool {
		return c.Health().Status == Unhealthy
	}, time.Second, 5*time.Millisecond)

	// Enqueue keeps accepting records while latched (S7 setup). The batch
	// that drew the 401 ("one") was dropped, so the queue holds only these.
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Enqueue(testRecord("queued")))
	}
	assert.Equal(t, 10, c.Metrics().QueueSize)

	rejectAuth.Store(false)
	c.RefreshCredentials("ilk_good")

	assert.Eventually(t, func() bool {
		return c.Metrics().QueueSize == 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var total int
	for _, b := range received {
		total += len(b)
	}
	assert.Equal(t, 10, total, "all records queued during the latch must eventually be sent")
}

// S4: repeated server errors trip the circuit breaker, observable via Health
// and Metrics, and it recovers to Closed after the timeout.
func TestClient_S4_BreakerTripsAndRecovers(t *testing.T) {
	t.Parallel()

	var failing atomic.Bool
	failing.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": 1, "rejected": 0, "errors": []string{}})
	}))
	t.Cleanup(srv.Close)

	c, stop := newTestClient(t,
		WithAPIKey("ilk_s4"),
		WithBaseURL(srv.URL),
		WithBreaker(2, 60*time.Millisecond),
		WithMaxRetries(0, 0),
		WithFlushSize(1),
	)
	defer stop()

	require.NoError(t, c.Enqueue(testRecord("a")))
	require.NoError(t, c.Enqueue(testRecord("b")))

	assert.Eventually(t, func() bool {
		return c.Metrics().BreakerState == "open"
	}, time.Second, 5*time.Millisecond)

	failing.Store(false)

	assert.Eventually(t, func() bool {
		return c.Metrics().BreakerState == "closed"
	}, 2*time.Second, 5*time.Millisecond)
}

// S5: Shutdown drains the queue through the normal pipeline within its
// timeout and is idempotent under concurrent callers.
func TestClient_S5_ShutdownDrainsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	var received []recordsBatch
	mu := &sync.Mutex{}
	srv := httptest.NewServer(acceptAllHandler(&received, mu))
	t.Cleanup(srv.Close)

	c, err := newClient(mustConfig(t, WithAPIKey("ilk_s5"), WithBaseURL(srv.URL), WithFlushInterval(time.Hour)), zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Enqueue(testRecord("x")))
	}

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { done <- c.Shutdown(time.Second) }()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}

	assert.Equal(t, 0, c.Metrics().QueueSize)
}

// S6: Shutdown gives up after its timeout and counts abandoned records as
// dropped_on_shutdown instead of hanging forever.
func TestClient_S6_ShutdownTimeoutDropsRemaining(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() { close(block); srv.Close() })

	c, err := newClient(mustConfig(t,
		WithAPIKey("ilk_s6"),
		WithBaseURL(srv.URL),
		WithHTTPTimeout(5*time.Second),
		WithFlushInterval(5*time.Millisecond),
	), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Enqueue(testRecord("stuck")))
	time.Sleep(20 * time.Millisecond) // let the flusher pick the batch up and block in Send

	err = c.Shutdown(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Metrics().DroppedOnShutdown)
}

func mustConfig(t *testing.T, opts ...Option) Config {
	t.Helper()
	base := []Option{
		WithFlushSize(1000),
		WithMaxQueueSize(100),
		WithMaxBatchSize(50),
		WithHTTPTimeout(2 * time.Second),
		WithMaxRetries(3, 3),
		WithBreaker(5, 200*time.Millisecond),
	}
	cfg, err := ParseConfig(append(base, opts...)...)
	require.NoError(t, err)
	return cfg
}
