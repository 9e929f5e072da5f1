package delivery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's collectors. A nil *Metrics records nothing.
type Metrics struct {
	deliveries *prometheus.CounterVec
	duration   prometheus.Histogram
}

// NewMetrics registers the delivery collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoicewa",
			Subsystem: "delivery",
			Name:      "documents_total",
			Help:      "Document delivery attempts by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "invoicewa",
			Subsystem: "delivery",
			Name:      "send_seconds",
			Help:      "Time spent in the messaging client per successful send.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80},
		}),
	}
}

func (m *Metrics) observe(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.duration.Observe(elapsed.Seconds())
	}
}
