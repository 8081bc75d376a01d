package ingestlog

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkutlak/ingestlog/pkg/ingestlog/breaker"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/metrics"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/queue"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/ratelimit"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/retrypolicy"
	"github.com/mkutlak/ingestlog/pkg/ingestlog/transport"
)

// maxBackpressureStreak is how many consecutive BackpressureFull outcomes
// trigger the adaptive flush_interval doubling.
const maxBackpressureStreak = 3

// errRetryable marks a retry.Do attempt that the retry policy said to
// Retry; any other returned error (including nil) is terminal, mirroring
// the teacher's commitError typed-sentinel technique for marking an
// outcome as non-retryable.
var errRetryable = errors.New("ingestlog: outcome is retryable")

// errBreakerOpened ends a retry loop whose Throttled/BackpressureFull
// outcomes tripped the circuit breaker, so no further send is made while it
// is open.
var errBreakerOpened = errors.New("ingestlog: circuit breaker opened during retries")

// flusher is the single background goroutine that owns all transport,
// retry, and breaker state for a Client. Grounded on pkg/clickhouse/
// output.go's flush()/Start()/Stop() trio: the shutdown context/cancel pair
// and the "stop ticking, wait, drain, close transport" ordering are carried
// over in structure. There is no overlap lock: run and Client.Shutdown's
// drain loop never touch the queue at the same time.
type flusher struct {
	cfg       Config
	logger    *zap.Logger
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	transport *transport.Transport
	breaker   *breaker.Breaker
	metrics   *metrics.Registry
	latches   *latches
	limits    retrypolicy.Limits

	wake chan struct{}

	currentInterval    time.Duration
	backpressureStreak int
}

func newFlusher(cfg Config, logger *zap.Logger, q *queue.Queue, lim *ratelimit.Limiter, tr *transport.Transport, br *breaker.Breaker, reg *metrics.Registry, lat *latches) *flusher {
	return &flusher{
		cfg:             cfg,
		logger:          logger,
		queue:           q,
		limiter:         lim,
		transport:       tr,
		breaker:         br,
		metrics:         reg,
		latches:         lat,
		limits:          retrypolicy.Limits{MaxRetriesServer: cfg.MaxRetriesServer, MaxRetriesNetwork: cfg.MaxRetriesNetwork},
		wake:            make(chan struct{}, 1),
		currentInterval: cfg.FlushInterval,
	}
}

// nudge signals the flusher to attempt a flush now, without blocking the
// caller (Enqueue) if a wake is already pending.
func (f *flusher) nudge() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// run is the Flusher's main loop. It returns as soon as ctx is cancelled —
// Client.Shutdown then takes over draining directly via drainOnce, since by
// that point run's goroutine is guaranteed to have stopped touching the
// queue (the single-writer invariant would otherwise be violated by two
// goroutines draining concurrently).
func (f *flusher) run(ctx context.Context) {
	ticker := time.NewTicker(f.currentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tick(ctx)
			ticker.Reset(f.currentInterval)
		case <-f.wake:
			f.tick(ctx)
			ticker.Reset(f.currentInterval)
		}
	}
}

// drainOnce runs a single flush iteration using the supplied context,
// bypassing the normal ticker/wake triggers. Used only by Client.Shutdown's
// drain loop, after run's goroutine has already returned.
func (f *flusher) drainOnce(ctx context.Context) {
	f.tick(ctx)
}

// tick is one flush iteration per §4.7: gate on the breaker, drain a batch,
// then drive retry attempts until Commit, DropBatch, or GiveUp.
func (f *flusher) tick(ctx context.Context) {
	permit, isProbe := f.breaker.Allow()
	if !permit {
		return
	}
	if f.latches.any() {
		return
	}

	batchSize := f.cfg.MaxBatchSize
	if isProbe {
		batchSize = 1
	}

	batch := f.queue.DrainBatch(batchSize)
	if len(batch) == 0 {
		return
	}

	batchID := uuid.NewString()
	logger := f.logger.With(zap.String("batch_id", batchID), zap.Int("batch_size", len(batch)))

	var (
		attempt      int
		attempted    bool
		finalOutcome transport.Outcome
		finalAction  retrypolicy.Action
	)

	err := retry.Do(
		func() error {
			attempt++
			if err := f.limiter.Acquire(ctx); err != nil {
				return err
			}

			f.metrics.RecordAttempt()
			outcome := f.transport.Send(ctx, batch)
			f.metrics.RecordOutcome(outcome.Class)

			action := retrypolicy.Decide(outcome, attempt, f.limits)
			attempted = true
			finalOutcome = outcome
			finalAction = action

			if action.Kind == retrypolicy.Retry {
				f.trackBackpressure(outcome.Class)
				if outcome.Class == transport.Throttled || outcome.Class == transport.BackpressureFull {
					// These retry without bound, so each one counts against
					// the breaker on its own.
					f.breaker.RecordOutcome(false)
					if permit, _ := f.breaker.Allow(); !permit {
						return errBreakerOpened
					}
				}
				return errRetryable
			}
			return nil
		},
		retry.Attempts(1<<31),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errRetryable) }),
		retry.DelayType(func(n uint, err error, cfg *retry.Config) time.Duration {
			return finalAction.Delay
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("retrying batch",
				zap.Uint("attempt", n+1),
				zap.String("class", finalOutcome.Class.String()),
				zap.Duration("delay", finalAction.Delay))
		}),
	)

	if !attempted {
		// Cancelled (shutdown) before the first transport attempt landed.
		f.queue.RequeueFront(batch)
		return
	}

	if err != nil && finalAction.Kind == retrypolicy.Retry {
		// retry.Do stopped mid-retry: ctx was cancelled, or the breaker
		// opened on a Throttled/BackpressureFull outcome. Preserve the batch.
		f.queue.RequeueFront(batch)
		return
	}

	switch finalAction.Kind {
	case retrypolicy.Commit:
		f.breaker.RecordOutcome(true)
		f.metrics.RecordCommit(len(batch))
		f.resetBackpressure()
	case retrypolicy.DropBatch:
		f.breaker.RecordOutcome(false)
		f.applyLatch(logger, finalOutcome.Class)
	case retrypolicy.GiveUp:
		f.breaker.RecordOutcome(false)
		logger.Warn("giving up after exhausting retries, requeuing batch", zap.String("class", finalOutcome.Class.String()))
		f.queue.RequeueFront(batch)
	}
}

func (f *flusher) applyLatch(logger *zap.Logger, class transport.Class) {
	switch class {
	case transport.AuthInvalid:
		f.latches.setAPIKeyInvalid()
		logger.Warn("api key rejected, halting sends until RefreshCredentials")
	case transport.NotFound:
		f.latches.setProjectNotFound()
		logger.Warn("project not found, halting sends until RefreshCredentials")
	}
}

// trackBackpressure implements the adaptive slowdown: after 3 consecutive
// BackpressureFull outcomes, double flush_interval up to 60s. Throttled
// (429) already retries unbounded on its own Retry-After delay and must not
// also feed this streak.
func (f *flusher) trackBackpressure(class transport.Class) {
	if class != transport.BackpressureFull {
		return
	}
	f.backpressureStreak++
	if f.backpressureStreak >= maxBackpressureStreak {
		next := f.currentInterval * 2
		if next > 60*time.Second {
			next = 60 * time.Second
		}
		f.currentInterval = next
		f.backpressureStreak = 0
	}
}

func (f *flusher) resetBackpressure() {
	f.backpressureStreak = 0
	f.currentInterval = f.cfg.FlushInterval
}
