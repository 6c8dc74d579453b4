package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	forwardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pts",
			Subsystem: "dispatch",
			Name:      "forwarded_total",
			Help:      "Number of envelopes handed to the SMTP relay",
		},
	)
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pts",
			Subsystem: "dispatch",
			Name:      "dropped_total",
			Help:      "Number of inbound messages dropped before fan-out",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(forwardedTotal)
	prometheus.MustRegister(droppedTotal)
}
