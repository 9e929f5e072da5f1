package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the supervisor's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	phase    *prometheus.GaugeVec
	attempts prometheus.Counter
	retries  prometheus.Counter
	failures *prometheus.CounterVec
	stale    prometheus.Counter
	purge    prometheus.Histogram
}

// NewMetrics registers the session collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "invoicewa",
			Subsystem: "session",
			Name:      "phase",
			Help:      "1 for the current session phase, 0 otherwise.",
		}, []string{"phase"}),
		attempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "invoicewa",
			Subsystem: "session",
			Name:      "attempts_total",
			Help:      "Connection attempts started.",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "invoicewa",
			Subsystem: "session",
			Name:      "retries_total",
			Help:      "Automatic retries scheduled after transient failures.",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoicewa",
			Subsystem: "session",
			Name:      "failures_total",
			Help:      "Attempt failures by class.",
		}, []string{"class"}),
		stale: f.NewCounter(prometheus.CounterOpts{
			Namespace: "invoicewa",
			Subsystem: "session",
			Name:      "stale_events_total",
			Help:      "Events and timers dropped because their attempt generation was superseded.",
		}),
		purge: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "invoicewa",
			Subsystem: "session",
			Name:      "purge_seconds",
			Help:      "Time spent purging session artifacts.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) setPhase(p Phase) {
	if m == nil {
		return
	}
	for phase, name := range phaseNames {
		v := 0.0
		if phase == p {
			v = 1
		}
		m.phase.WithLabelValues(name).Set(v)
	}
}

func (m *Metrics) attempt() {
	if m != nil {
		m.attempts.Inc()
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) failure(retryable bool) {
	if m == nil {
		return
	}
	class := "fatal"
	if retryable {
		class = "retryable"
	}
	m.failures.WithLabelValues(class).Inc()
}

func (m *Metrics) staleEvent() {
	if m != nil {
		m.stale.Inc()
	}
}

func (m *Metrics) observePurge(d time.Duration) {
	if m != nil {
		m.purge.Observe(d.Seconds())
	}
}
