package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "essayd",
			Subsystem: "worker",
			Name:      "calls_total",
			Help:      "Worker RPCs by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	restartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "essayd",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Worker restarts triggered by channel failures",
		},
	)
)

func init() {
	prometheus.MustRegister(callsTotal, restartsTotal)
}
