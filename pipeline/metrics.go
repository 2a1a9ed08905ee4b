package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/cashback-engine/ledger"
)

// Outcome labels for events_total.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Metrics records pipeline activity.
type Metrics struct {
	events   *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	drift    prometheus.Counter
}

// NewMetrics registers the pipeline collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashback",
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Events handled by the pipeline segmented by kind and outcome.",
		}, []string{"kind", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashback",
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Failed events segmented by the stage that failed.",
		}, []string{"stage"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cashback",
			Subsystem: "pipeline",
			Name:      "event_duration_seconds",
			Help:      "Wall time from guard to commit per event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		drift: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cashback",
			Subsystem: "reconciler",
			Name:      "drift_corrections_total",
			Help:      "Safe aggregates whose stored net volume differed from their transactions.",
		}),
	}
	reg.MustRegister(m.events, m.failures, m.duration, m.drift)
	return m
}

func (m *Metrics) observe(kind ledger.Kind, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeProcessed
	switch {
	case err == nil:
	case ledger.IsDuplicate(err):
		outcome = OutcomeDuplicate
	default:
		outcome = OutcomeFailed
		stage := ledger.StageOf(err)
		if stage == "" {
			stage = "unknown"
		}
		m.failures.WithLabelValues(string(stage)).Inc()
	}
	m.events.WithLabelValues(string(kind), outcome).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) driftCorrected() {
	if m == nil {
		return
	}
	m.drift.Inc()
}
