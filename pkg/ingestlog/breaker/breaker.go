// Package breaker adapts github.com/sony/gobreaker's three-state circuit
// breaker to the vocabulary the Flusher needs: permission to send, a way to
// report whether the attempt was accepted, and the state for Health/Metrics.
package breaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors the spec's CircuitState values.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures the breaker's trip threshold and recovery delay.
type Config struct {
	// Threshold is the number of consecutive non-Accepted outcomes that
	// trips the breaker from Closed to Open.
	Threshold uint32
	// Timeout is how long the breaker stays Open before allowing a single
	// HalfOpen probe.
	Timeout time.Duration
}

// Breaker gates the Flusher's send attempts. Allow, RecordOutcome, State and
// ConsecutiveFailures go through gobreaker's internal mutex, which is what
// lets Client.Health and Client.Metrics read the state from other
// goroutines; OpenedAt reads its field without that lock.
type Breaker struct {
	cb        *gobreaker.CircuitBreaker
	openedAt  time.Time
	threshold uint32
}

// New builds a Breaker with the given Config. Defaults: Threshold=5,
// Timeout=60s, matching §4.6.
func New(cfg Config) *Breaker {
	if cfg.Threshold == 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	b := &Breaker{threshold: cfg.Threshold}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ingestlog",
		MaxRequests: 1, // exactly one probe permitted while HalfOpen
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.openedAt = time.Now()
			}
		},
	})

	return b
}

// Allow reports whether the Flusher may attempt a send right now, and
// whether this attempt is the single HalfOpen probe (which must use a
// batch size of 1 per §4.7).
func (b *Breaker) Allow() (permit bool, isProbe bool) {
	switch State(b.cb.State()) {
	case State(gobreaker.StateOpen):
		return false, false
	case State(gobreaker.StateHalfOpen):
		return true, true
	default:
		return true, false
	}
}

// RecordOutcome reports whether the attempt gated by Allow succeeded.
// Per §9's resolved Open Question, any non-Accepted outcome counts as a
// failure against the breaker, including 429/503.
func (b *Breaker) RecordOutcome(accepted bool) {
	if accepted {
		b.cb.Execute(func() (any, error) { return nil, nil }) //nolint:errcheck
		return
	}
	b.cb.Execute(func() (any, error) { return nil, errBreakerFailure }) //nolint:errcheck
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// OpenedAt returns the time the breaker last transitioned to Open. Zero if
// it has never opened.
func (b *Breaker) OpenedAt() time.Time {
	return b.openedAt
}

// ConsecutiveFailures returns the current run of non-Accepted outcomes,
// reset to zero by any Accepted. Used by Health to flag a struggling remote
// before the breaker actually trips.
func (b *Breaker) ConsecutiveFailures() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}

var errBreakerFailure = &failureError{}

type failureError struct{}

func (*failureError) Error() string { return "ingestlog: outcome counted as breaker failure" }
