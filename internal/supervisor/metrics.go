package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "essayd",
			Subsystem: "server",
			Name:      "launches_total",
			Help:      "Server launch attempts by outcome",
		},
		[]string{"role", "outcome"},
	)

	readySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "essayd",
			Subsystem: "server",
			Name:      "ready_seconds",
			Help:      "Time from spawn to a ready chat endpoint",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 180},
		},
		[]string{"role"},
	)
)

func init() {
	prometheus.MustRegister(launchesTotal, readySeconds)
}
