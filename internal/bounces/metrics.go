package bounces

import "github.com/prometheus/client_golang/prometheus"

var (
	recordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pts",
			Subsystem: "bounces",
			Name:      "recorded_total",
			Help:      "Number of well-formed bounces recorded",
		},
	)
	unsubscribedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pts",
			Subsystem: "bounces",
			Name:      "unsubscribed_total",
			Help:      "Number of users auto-unsubscribed over the bounce threshold",
		},
	)
)

func init() {
	prometheus.MustRegister(recordedTotal)
	prometheus.MustRegister(unsubscribedTotal)
}
