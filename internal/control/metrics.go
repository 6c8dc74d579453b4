package control

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	commandsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pts",
		Subsystem: "control",
		Name:      "commands_total",
		Help:      "Count of processed control commands",
	})
	repliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pts",
		Subsystem: "control",
		Name:      "replies_total",
		Help:      "Count of transcript replies sent",
	})
	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pts",
		Subsystem: "control",
		Name:      "dropped_total",
		Help:      "Count of control mails dropped without processing",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(repliesTotal)
	prometheus.MustRegister(droppedTotal)
}
