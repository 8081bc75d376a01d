// Package ratelimit implements the dual-window admission gate the Flusher
// uses to stay under the remote endpoint's per-minute and per-hour quotas
// before it ever sends a batch.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	minuteWindow = 60 * time.Second
	hourWindow   = 3600 * time.Second
	jitter       = time.Millisecond
)

// Limiter enforces two independent sliding-window caps simultaneously: a
// per-minute cap and a per-hour cap, each scaled down by a buffer fraction
// so the remote endpoint never has to reject a well-behaved client.
type Limiter struct {
	mu sync.Mutex

	perMinuteCap int
	perHourCap   int

	w60   []time.Time
	w3600 []time.Time

	// now is overridable for deterministic tests; defaults to time.Now.
	now func() time.Time
	// sleep is overridable for deterministic tests; defaults to a
	// context-aware real sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter. limitPerMinute and limitPerHour are the quotas
// advertised by the remote endpoint; bufferFraction (0,1] is the portion of
// each actually used as the effective cap (spec default: 0.9).
func New(limitPerMinute, limitPerHour int, bufferFraction float64) *Limiter {
	if bufferFraction <= 0 || bufferFraction > 1 {
		bufferFraction = 0.9
	}
	return &Limiter{
		perMinuteCap: effectiveCap(limitPerMinute, bufferFraction),
		perHourCap:   effectiveCap(limitPerHour, bufferFraction),
		now:          time.Now,
		sleep:        realSleep,
	}
}

func effectiveCap(limit int, bufferFraction float64) int {
	if limit <= 0 {
		return 0
	}
	c := int(float64(limit)*bufferFraction + 0.999999) // ceil
	if c < 1 {
		c = 1
	}
	return c
}

func realSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until both windows admit another send, then records the
// admission. It is cancellable via ctx (cancellation during shutdown
// returns ctx.Err() instead of blocking forever). Complexity is amortized
// O(1) per call: each call prunes entries older than its window before
// deciding.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryAdmit()
		if ok {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAdmit prunes both windows and either admits (pushing now to both
// windows and returning ok=true) or reports how long to wait before trying
// again.
func (l *Limiter) tryAdmit() (wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.w60 = prune(l.w60, now, minuteWindow)
	l.w3600 = prune(l.w3600, now, hourWindow)

	if w := l.bindingWait(now); w > 0 {
		return w, false
	}

	l.w60 = append(l.w60, now)
	l.w3600 = append(l.w3600, now)
	return 0, true
}

// bindingWait returns how long to sleep before the binding (most
// restrictive) window would admit, or 0 if both windows currently admit.
func (l *Limiter) bindingWait(now time.Time) time.Duration {
	var wait time.Duration
	if l.perMinuteCap > 0 && len(l.w60) >= l.perMinuteCap {
		if w := l.w60[0].Add(minuteWindow).Sub(now) + jitter; w > wait {
			wait = w
		}
	}
	if l.perHourCap > 0 && len(l.w3600) >= l.perHourCap {
		if w := l.w3600[0].Add(hourWindow).Sub(now) + jitter; w > wait {
			wait = w
		}
	}
	return wait
}

// prune drops entries older than window relative to now. Entries are
// monotonically increasing, so it only needs to trim from the front.
func prune(deque []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(deque) && now.Sub(deque[cut]) >= window {
		cut++
	}
	if cut == 0 {
		return deque
	}
	return deque[cut:]
}

// Rates returns the current number of admitted sends within each window,
// for the Metrics snapshot.
func (l *Limiter) Rates() (perMinute, perHour int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.w60 = prune(l.w60, now, minuteWindow)
	l.w3600 = prune(l.w3600, now, hourWindow)
	return len(l.w60), len(l.w3600)
}
