// Package metrics backs Client.Metrics() with a mix of lock-free atomic
// counters for the producer hot path and a Prometheus registry for
// everything the Flusher updates, following the split the retrieval pack's
// rate-limiter service uses between plain atomics (core.RecordAttempt) and
// registered Prometheus collectors (churn.naiveWritesTotal) for anything
// meant to be exported externally.
package metrics

import (
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkutlak/ingestlog/pkg/ingestlog/transport"
)

// Snapshot is the point-in-time view returned by Client.Metrics().
type Snapshot struct {
	Enqueued          uint64
	Sent              uint64
	DroppedOverflow   uint64
	DroppedValidation uint64
	DroppedOnShutdown uint64
	BatchesSent       uint64
	Attempts          uint64
	OutcomesByClass   map[string]uint64
	QueueSize         int
	QueueCapacity     int
	BreakerState      string
	RatePerMinute     int
	RatePerHour       int
}

// Registry holds every counter/gauge touched by producers and the Flusher.
// A Registry is created once per Client and is safe for concurrent use by
// any number of producers plus the single Flusher.
type Registry struct {
	enqueued          atomic.Uint64
	droppedValidation atomic.Uint64
	droppedOnShutdown atomic.Uint64

	sent        prometheus.Counter
	batchesSent prometheus.Counter
	attempts    prometheus.Counter
	outcomes    *prometheus.CounterVec

	reg *prometheus.Registry
}

// NewRegistry creates a Registry with its own private prometheus.Registry
// (so multiple Clients in the same process never collide on metric names).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestlog_records_sent_total",
			Help: "Total records successfully committed to the remote endpoint.",
		}),
		batchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestlog_batches_sent_total",
			Help: "Total batches committed (Accepted outcome) to the remote endpoint.",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestlog_send_attempts_total",
			Help: "Total transport attempts, including retries of the same batch.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestlog_outcomes_total",
			Help: "Transport attempts by outcome class.",
		}, []string{"class"}),
	}

	reg.MustRegister(r.sent, r.batchesSent, r.attempts, r.outcomes)
	return r
}

// Prometheus exposes the underlying registry so a host application can
// mount it on its own /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// RecordEnqueue is called by producers on every successful Enqueue.
func (r *Registry) RecordEnqueue() {
	r.enqueued.Add(1)
}

// RecordDropValidation is called by Client.Enqueue when validation fails.
func (r *Registry) RecordDropValidation() {
	r.droppedValidation.Add(1)
}

// RecordDropShutdown is called once at Shutdown for every record abandoned
// when the drain timeout expires.
func (r *Registry) RecordDropShutdown(n uint64) {
	if n > 0 {
		r.droppedOnShutdown.Add(n)
	}
}

// RecordAttempt is called by the Flusher before every transport call.
func (r *Registry) RecordAttempt() {
	r.attempts.Inc()
}

// RecordOutcome is called by the Flusher after every transport call.
func (r *Registry) RecordOutcome(class transport.Class) {
	r.outcomes.WithLabelValues(class.String()).Inc()
}

// RecordCommit is called once per successfully committed batch.
func (r *Registry) RecordCommit(recordCount int) {
	r.batchesSent.Inc()
	r.sent.Add(float64(recordCount))
}

// Snapshot builds a point-in-time view. queueSize/queueCapacity/
// droppedOverflow/breakerState/ratePerMinute/ratePerHour are supplied by the
// caller (the Client facade), since those live in the Queue/Breaker/Limiter,
// not here.
func (r *Registry) Snapshot(queueSize, queueCapacity int, droppedOverflow uint64, breakerState string, ratePerMinute, ratePerHour int) Snapshot {
	outcomes := map[string]uint64{}
	metricFamilies, err := r.reg.Gather()
	if err == nil {
		for _, mf := range metricFamilies {
			if mf.GetName() != "ingestlog_outcomes_total" {
				continue
			}
			for _, m := range mf.GetMetric() {
				class := "unknown"
				for _, lbl := range m.GetLabel() {
					if lbl.GetName() == "class" {
						class = lbl.GetValue()
					}
				}
				outcomes[class] = uint64(m.GetCounter().GetValue())
			}
		}
	}

	return Snapshot{
		Enqueued:          r.enqueued.Load(),
		Sent:              uint64(getCounterValue(r.sent)),
		DroppedOverflow:   droppedOverflow,
		DroppedValidation: r.droppedValidation.Load(),
		DroppedOnShutdown: r.droppedOnShutdown.Load(),
		BatchesSent:       uint64(getCounterValue(r.batchesSent)),
		Attempts:          uint64(getCounterValue(r.attempts)),
		OutcomesByClass:   outcomes,
		QueueSize:         queueSize,
		QueueCapacity:     queueCapacity,
		BreakerState:      breakerState,
		RatePerMinute:     ratePerMinute,
		RatePerHour:       ratePerHour,
	}
}

func getCounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
