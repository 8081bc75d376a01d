// Package queue implements the bounded, thread-safe FIFO that sits between
// concurrent producers calling Enqueue and the single background Flusher.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mkutlak/ingestlog/pkg/ingestlog/record"
)

// slot pairs a validated record with the time it was enqueued, used only
// for latency metrics; ownership of the slot transfers to the Flusher once
// it is popped by DrainBatch.
type slot struct {
	rec      record.Record
	enqueued time.Time
}

// Queue is a ring buffer with a hard capacity. When a caller enqueues past
// capacity, the oldest entry is evicted before the new one is inserted
// (head-drop), and the eviction is counted. It is safe for any number of
// concurrent Enqueue callers and exactly one DrainBatch/RequeueFront caller.
type Queue struct {
	mu       sync.Mutex
	items    []slot
	head     int
	tail     int
	count    int
	capacity int

	dropped      atomic.Uint64
	dropLogEvery uint64
	logger       *zap.Logger
}

// New creates a Queue with the given capacity. capacity must be > 0.
func New(capacity int, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		items:        make([]slot, capacity),
		capacity:     capacity,
		dropLogEvery: 1000,
		logger:       logger,
	}
}

// Enqueue inserts rec at the tail. If the queue is at capacity, the oldest
// record is evicted first, dropped_count is incremented, and a rate-limited
// diagnostic line (one per 1000 drops) is emitted to the logger — never back
// into the queue itself. Enqueue always succeeds; it never blocks.
func (q *Queue) Enqueue(rec record.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if q.count >= q.capacity {
		q.items[q.head] = slot{}
		q.head = (q.head + 1) % q.capacity
		q.count--
		dropped = true
	}

	q.items[q.tail] = slot{rec: rec, enqueued: time.Now()}
	q.tail = (q.tail + 1) % q.capacity
	q.count++

	if dropped {
		total := q.dropped.Add(1)
		if total%q.dropLogEvery == 0 {
			q.logger.Warn("queue overflow: dropping oldest records",
				zap.Uint64("total_dropped", total))
		}
	}
}

// DrainBatch removes and returns up to maxN records from the head in FIFO
// order. It returns nil if the queue is empty. Ownership of the returned
// records transfers to the caller; a failed send should be restored with
// RequeueFront to preserve order.
func (q *Queue) DrainBatch(maxN int) []record.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 || maxN <= 0 {
		return nil
	}
	n := maxN
	if n > q.count {
		n = q.count
	}

	out := make([]record.Record, n)
	for i := 0; i < n; i++ {
		idx := (q.head + i) % q.capacity
		out[i] = q.items[idx].rec
		q.items[idx] = slot{}
	}
	q.head = (q.head + n) % q.capacity
	q.count -= n

	return out
}

// RequeueFront restores batch to the front of the queue, in order, so the
// next DrainBatch reproduces the same logical batch. Used only by the
// Flusher after a retryable failure. If batch does not fit, the most
// recently enqueued records are evicted from the tail to make room and
// counted as overflow drops; if batch alone exceeds capacity, only its last
// capacity records are restored.
func (q *Queue) RequeueFront(batch []record.Record) {
	if len(batch) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	room := q.capacity - q.count
	toInsert := batch
	if len(toInsert) > q.capacity {
		// Keep the most recent capacity entries; the rest cannot fit even
		// in an otherwise-empty queue.
		toInsert = toInsert[len(toInsert)-q.capacity:]
	}
	if len(toInsert) > room {
		// Evict from the current tail to make room, since batch takes
		// priority at the front (it was already in flight before anything
		// currently queued).
		evict := len(toInsert) - room
		for i := 0; i < evict; i++ {
			q.tail = (q.tail - 1 + q.capacity) % q.capacity
			q.items[q.tail] = slot{}
			q.count--
		}
		q.dropped.Add(uint64(evict))
	}

	for i := len(toInsert) - 1; i >= 0; i-- {
		q.head = (q.head - 1 + q.capacity) % q.capacity
		q.items[q.head] = slot{rec: toInsert[i], enqueued: time.Now()}
		q.count++
	}
}

// Size returns the current number of queued records.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Capacity returns the configured hard capacity.
func (q *Queue) Capacity() int {
	return q.capacity
}

// DropCount returns the cumulative number of records dropped due to
// overflow. Thread-safe and lock-free.
func (q *Queue) DropCount() uint64 {
	return q.dropped.Load()
}
