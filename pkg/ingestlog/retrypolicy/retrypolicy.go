// Package retrypolicy implements the pure decision function that maps a
// transport outcome and attempt number to the action the Flusher must take
// next. It holds no state and performs no I/O: every input it needs is
// passed in, and every output is a value describing what to do.
package retrypolicy

import (
	"time"

	"github.com/mkutlak/ingestlog/pkg/ingestlog/transport"
)

// ActionKind enumerates what the Flusher should do with the current batch.
type ActionKind int

const (
	// Commit: the batch was accepted; drop it and reset retry state.
	Commit ActionKind = iota
	// DropBatch: the batch cannot succeed no matter how many times it is
	// retried; discard it without requeuing.
	DropBatch
	// Retry: sleep for Delay, then attempt the same batch again.
	Retry
	// GiveUp: the bounded retry budget for this outcome class is
	// exhausted; requeue the batch at the head of the queue so the next
	// flush tick reattempts it.
	GiveUp
)

// Action is the decision returned by Decide.
type Action struct {
	Kind  ActionKind
	Delay time.Duration
}

// Limits bounds the number of attempts for the classes that have a finite
// retry budget (server-transient and network errors). Throttled and
// BackpressureFull retry indefinitely on the same batch per §4.5.
type Limits struct {
	MaxRetriesServer  int
	MaxRetriesNetwork int
}

// DefaultLimits matches the spec's literal defaults: 3 retries each for
// server-transient and network-error outcomes, so the 4th failed attempt
// yields GiveUp(requeue).
var DefaultLimits = Limits{MaxRetriesServer: 3, MaxRetriesNetwork: 3}

var serverTransientDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
var networkErrorDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

const networkErrorDelayCap = 40 * time.Second

// Decide maps (outcome, attempt) to the next Action. attempt is 1 for the
// first send attempt of a batch, 2 for the first retry, and so on.
// outcome.RetryAfter is the server-directed delay for Throttled/
// BackpressureFull outcomes (already defaulted to 60s by the transport when
// absent).
func Decide(outcome transport.Outcome, attempt int, limits Limits) Action {
	switch outcome.Class {
	case transport.Accepted:
		return Action{Kind: Commit}

	case transport.ClientValidation:
		return Action{Kind: DropBatch}

	case transport.AuthInvalid, transport.NotFound:
		// Non-retryable for this batch; caller is responsible for also
		// latching ingestion until credentials/endpoint are fixed.
		return Action{Kind: DropBatch}

	case transport.Throttled, transport.BackpressureFull:
		delay := outcome.RetryAfter
		if delay < time.Second {
			delay = time.Second
		}
		return Action{Kind: Retry, Delay: delay}

	case transport.ServerTransient:
		if attempt > limits.MaxRetriesServer {
			return Action{Kind: GiveUp}
		}
		return Action{Kind: Retry, Delay: delayFor(serverTransientDelays, attempt)}

	case transport.NetworkError:
		if attempt > limits.MaxRetriesNetwork {
			return Action{Kind: GiveUp}
		}
		return Action{Kind: Retry, Delay: delayForCapped(networkErrorDelays, attempt, networkErrorDelayCap)}

	default:
		return Action{Kind: GiveUp}
	}
}

// delayFor returns schedule[attempt-1], clamped to the last entry if
// attempt exceeds the schedule length.
func delayFor(schedule []time.Duration, attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// delayForCapped is delayFor but for attempts beyond the schedule it keeps
// doubling (from the last scheduled delay) up to cap, rather than holding
// flat at the last scheduled value.
func delayForCapped(schedule []time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	if attempt <= len(schedule) {
		return delayFor(schedule, attempt)
	}
	d := schedule[len(schedule)-1]
	for i := len(schedule); i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}
