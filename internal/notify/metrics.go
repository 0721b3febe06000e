package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts events by kind and reason.
type Metrics struct {
	events *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "autotrader",
			Name:      "events_total",
			Help:      "Pipeline events by kind and reason code.",
		}, []string{"kind", "reason"}),
	}
}

func (m *Metrics) Publish(e Event) {
	m.events.WithLabelValues(string(e.Kind), e.Reason).Inc()
}
